// Package postgres implements the gate's audit event store on top of
// database/sql with the lib/pq driver, the same driver/import style the
// teacher codebase uses for its Postgres-backed services.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ironclad/gate/internal/audit"
)

// AuditStore persists the audit log's hash chain, one append-only row per
// event, ordered by a monotonic sequence column within a trace.
type AuditStore struct {
	db *sql.DB
}

// Open connects to Postgres at dsn and verifies connectivity with a ping.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return db, nil
}

// NewAuditStore wraps db as an audit.Store.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Schema is the DDL for the audit_events table. Applied by migration
// tooling, not at runtime, but kept alongside the store it backs so the
// two never drift.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            BIGSERIAL PRIMARY KEY,
	trace_id      TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	event_version TEXT NOT NULL,
	payload       JSONB NOT NULL,
	prev_hash     TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq           BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_trace_seq ON audit_events (trace_id, seq);
`

// AppendEvent inserts ev at the next sequence position for its trace_id.
func (s *AuditStore) AppendEvent(ctx context.Context, ev audit.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (trace_id, event_type, event_version, payload, prev_hash, hash, created_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			COALESCE((SELECT MAX(seq) FROM audit_events WHERE trace_id = $1), -1) + 1)
	`, ev.TraceID, ev.EventType, ev.EventVersion, payload, ev.PrevHash, ev.Hash, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert audit event: %w", err)
	}
	return nil
}

// ReadChain returns traceID's events ordered by sequence.
func (s *AuditStore) ReadChain(ctx context.Context, traceID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, event_type, event_version, payload, prev_hash, hash, created_at
		FROM audit_events
		WHERE trace_id = $1
		ORDER BY seq ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit chain: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var ev audit.Event
		var rawPayload []byte
		if err := rows.Scan(&ev.TraceID, &ev.EventType, &ev.EventVersion, &rawPayload, &ev.PrevHash, &ev.Hash, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		if err := json.Unmarshal(rawPayload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
