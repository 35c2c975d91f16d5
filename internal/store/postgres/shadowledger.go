package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ironclad/gate/internal/shadowledger"
)

// ShadowLedgerStore persists shadow-ledger positions, limits, holds, and
// exposure events on Postgres, satisfying both shadowledger.Store and
// shadowledger.ExposureStore the way AuditStore satisfies audit.Store.
type ShadowLedgerStore struct {
	db *sql.DB
}

// NewShadowLedgerStore wraps db as a shadowledger.Store.
func NewShadowLedgerStore(db *sql.DB) *ShadowLedgerStore {
	return &ShadowLedgerStore{db: db}
}

// ShadowLedgerSchema is the DDL for the shadow ledger's tables.
const ShadowLedgerSchema = `
CREATE TABLE IF NOT EXISTS positions (
	client_id        TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	net_quantity     DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_cost_basis   DOUBLE PRECISION NOT NULL DEFAULT 0,
	gross_exposure   DOUBLE PRECISION NOT NULL DEFAULT 0,
	net_exposure     DOUBLE PRECISION NOT NULL DEFAULT 0,
	pending_exposure DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (client_id, symbol)
);

CREATE TABLE IF NOT EXISTS limits (
	client_id      TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	single_order   DOUBLE PRECISION NOT NULL DEFAULT 0,
	gross_exposure DOUBLE PRECISION NOT NULL DEFAULT 0,
	net_exposure   DOUBLE PRECISION NOT NULL DEFAULT 0,
	symbol_limit   DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (client_id, symbol)
);

CREATE TABLE IF NOT EXISTS holds (
	trace_id       TEXT PRIMARY KEY,
	client_id      TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	qty            DOUBLE PRECISION NOT NULL,
	price          DOUBLE PRECISION NOT NULL,
	notional       DOUBLE PRECISION NOT NULL,
	state          TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_holds_state_created ON holds (state, created_at);

CREATE TABLE IF NOT EXISTS exposure_events (
	id         BIGSERIAL PRIMARY KEY,
	client_id  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	trace_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	delta      DOUBLE PRECISION NOT NULL,
	prev_hash  TEXT NOT NULL DEFAULT '',
	hash       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	seq        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exposure_events_key_seq ON exposure_events (client_id, symbol, seq);
`

func (s *ShadowLedgerStore) GetPosition(ctx context.Context, clientID, symbol string) (shadowledger.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT net_quantity, avg_cost_basis, gross_exposure, net_exposure, pending_exposure
		FROM positions WHERE client_id = $1 AND symbol = $2
	`, clientID, symbol)

	pos := shadowledger.Position{ClientID: clientID, Symbol: symbol}
	err := row.Scan(&pos.NetQuantity, &pos.AvgCostBasis, &pos.GrossExposure, &pos.NetExposure, &pos.PendingExposure)
	if errors.Is(err, sql.ErrNoRows) {
		return pos, nil
	}
	if err != nil {
		return shadowledger.Position{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return pos, nil
}

func (s *ShadowLedgerStore) SavePosition(ctx context.Context, pos shadowledger.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (client_id, symbol, net_quantity, avg_cost_basis, gross_exposure, net_exposure, pending_exposure)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id, symbol) DO UPDATE SET
			net_quantity = EXCLUDED.net_quantity,
			avg_cost_basis = EXCLUDED.avg_cost_basis,
			gross_exposure = EXCLUDED.gross_exposure,
			net_exposure = EXCLUDED.net_exposure,
			pending_exposure = EXCLUDED.pending_exposure
	`, pos.ClientID, pos.Symbol, pos.NetQuantity, pos.AvgCostBasis, pos.GrossExposure, pos.NetExposure, pos.PendingExposure)
	if err != nil {
		return fmt.Errorf("postgres: save position: %w", err)
	}
	return nil
}

func (s *ShadowLedgerStore) GetLimits(ctx context.Context, clientID, symbol string) (shadowledger.Limits, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT single_order, gross_exposure, net_exposure, symbol_limit
		FROM limits WHERE client_id = $1 AND symbol = $2
	`, clientID, symbol)

	var limits shadowledger.Limits
	err := row.Scan(&limits.SingleOrder, &limits.GrossExposure, &limits.NetExposure, &limits.SymbolLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return shadowledger.Limits{}, nil
	}
	if err != nil {
		return shadowledger.Limits{}, fmt.Errorf("postgres: get limits: %w", err)
	}
	return limits, nil
}

func (s *ShadowLedgerStore) SaveHold(ctx context.Context, h shadowledger.Hold) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holds (trace_id, client_id, symbol, side, qty, price, notional, state, policy_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id) DO UPDATE SET state = EXCLUDED.state
	`, h.TraceID, h.ClientID, h.Symbol, h.Side, h.Qty, h.Price, h.Notional, h.State, h.PolicyVersion, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save hold: %w", err)
	}
	return nil
}

func (s *ShadowLedgerStore) GetHold(ctx context.Context, traceID string) (shadowledger.Hold, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, client_id, symbol, side, qty, price, notional, state, policy_version, created_at
		FROM holds WHERE trace_id = $1
	`, traceID)

	var h shadowledger.Hold
	err := row.Scan(&h.TraceID, &h.ClientID, &h.Symbol, &h.Side, &h.Qty, &h.Price, &h.Notional, &h.State, &h.PolicyVersion, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shadowledger.Hold{}, shadowledger.ErrNotFound
	}
	if err != nil {
		return shadowledger.Hold{}, fmt.Errorf("postgres: get hold: %w", err)
	}
	return h, nil
}

func (s *ShadowLedgerStore) ListOpenHoldsOlderThan(ctx context.Context, cutoff time.Time) ([]shadowledger.Hold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, client_id, symbol, side, qty, price, notional, state, policy_version, created_at
		FROM holds WHERE state = $1 AND created_at < $2
	`, shadowledger.HoldAuthorized, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open holds: %w", err)
	}
	defer rows.Close()

	var holds []shadowledger.Hold
	for rows.Next() {
		var h shadowledger.Hold
		if err := rows.Scan(&h.TraceID, &h.ClientID, &h.Symbol, &h.Side, &h.Qty, &h.Price, &h.Notional, &h.State, &h.PolicyVersion, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan hold: %w", err)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func (s *ShadowLedgerStore) AppendExposureEvent(ctx context.Context, ev shadowledger.ExposureEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exposure_events (client_id, symbol, trace_id, kind, delta, prev_hash, hash, created_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			COALESCE((SELECT MAX(seq) FROM exposure_events WHERE client_id = $1 AND symbol = $2), -1) + 1)
	`, ev.ClientID, ev.Symbol, ev.TraceID, ev.Kind, ev.Delta, ev.PrevHash, ev.Hash, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append exposure event: %w", err)
	}
	return nil
}

func (s *ShadowLedgerStore) LastExposureEvent(ctx context.Context, clientID, symbol string) (shadowledger.ExposureEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, symbol, trace_id, kind, delta, prev_hash, hash, created_at
		FROM exposure_events WHERE client_id = $1 AND symbol = $2
		ORDER BY seq DESC LIMIT 1
	`, clientID, symbol)

	var ev shadowledger.ExposureEvent
	err := row.Scan(&ev.ClientID, &ev.Symbol, &ev.TraceID, &ev.Kind, &ev.Delta, &ev.PrevHash, &ev.Hash, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shadowledger.ExposureEvent{}, false, nil
	}
	if err != nil {
		return shadowledger.ExposureEvent{}, false, fmt.Errorf("postgres: last exposure event: %w", err)
	}
	return ev, true, nil
}

func (s *ShadowLedgerStore) ListExposureEvents(ctx context.Context, clientID, symbol string) ([]shadowledger.ExposureEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, symbol, trace_id, kind, delta, prev_hash, hash, created_at
		FROM exposure_events WHERE client_id = $1 AND symbol = $2
		ORDER BY seq ASC
	`, clientID, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exposure events: %w", err)
	}
	defer rows.Close()

	var events []shadowledger.ExposureEvent
	for rows.Next() {
		var ev shadowledger.ExposureEvent
		if err := rows.Scan(&ev.ClientID, &ev.Symbol, &ev.TraceID, &ev.Kind, &ev.Delta, &ev.PrevHash, &ev.Hash, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan exposure event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
