// Package readmodel persists lifecycle events and the materialized views
// reconstruction reads from (orders, rejections, LP fill snapshots) on
// Supabase's REST API, using the same From/Select/Insert/Eq query-builder
// pattern internal/database/supabase.go uses for its own CRUD operations,
// generalized here from the teacher's multi-tenant agent/session tables to
// the gate's lifecycle/order domain.
package readmodel

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ironclad/gate/internal/lifecycle"
)

// Store wraps a Supabase client with the gate's read-model tables.
type Store struct {
	client *supabase.Client
}

// New wraps an already-constructed Supabase client.
func New(client *supabase.Client) *Store {
	return &Store{client: client}
}

// NewFromConfig dials Supabase at url with serviceKey, the same
// supabase.NewClient call internal/database.NewSupabaseClient makes.
func NewFromConfig(url, serviceKey string) (*Store, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("readmodel: create supabase client: %w", err)
	}
	return &Store{client: client}, nil
}

// LifecycleEventRow is the materialized form of one ingested lifecycle
// envelope, keyed by its idempotency key.
type LifecycleEventRow struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	Source         string                 `json:"source"`
	CorrelationID  string                 `json:"correlation_id"`
	FromState      string                 `json:"from_state"`
	ToState        string                 `json:"to_state"`
	HasViolations  bool                   `json:"has_violations"`
	Payload        map[string]interface{} `json:"payload"`
	OccurredAt     time.Time              `json:"occurred_at"`
	IngestedAt     time.Time              `json:"ingested_at"`
}

// InsertLifecycleEvent records a materialized lifecycle event row.
func (s *Store) InsertLifecycleEvent(ctx context.Context, row LifecycleEventRow) error {
	var result []LifecycleEventRow
	_, err := s.client.From("lifecycle_events").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("readmodel: insert lifecycle event: %w", err)
	}
	return nil
}

// ListLifecycleEventsByCorrelation returns every event sharing a
// correlation_id, ordered by occurred_at — the raw material for a
// trace_bundle / lp_timeline reconstruction.
func (s *Store) ListLifecycleEventsByCorrelation(ctx context.Context, correlationID string) ([]LifecycleEventRow, error) {
	var rows []LifecycleEventRow
	_, err := s.client.From("lifecycle_events").
		Select("*", "", false).
		Eq("correlation_id", correlationID).
		Order("occurred_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("readmodel: list lifecycle events for %s: %w", correlationID, err)
	}
	return rows, nil
}

// OrderRow is the materialized view of one authorized/rejected order,
// keyed by trace_id.
type OrderRow struct {
	TraceID       string    `json:"trace_id"`
	ClientOrderID string    `json:"client_order_id"`
	ClientID      string    `json:"client_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Decision      string    `json:"decision"`
	ReasonCode    string    `json:"reason_code"`
	OrderDigest   string    `json:"order_digest"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// UpsertOrder writes or replaces the materialized order row for trace_id.
// Insert's second argument is the upsert flag and the third is the
// conflict target column, the same Insert call internal/database.go uses
// for plain inserts with upsert=false.
func (s *Store) UpsertOrder(ctx context.Context, row OrderRow) error {
	var result []OrderRow
	_, err := s.client.From("orders").
		Insert(row, true, "trace_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("readmodel: upsert order %s: %w", row.TraceID, err)
	}
	return nil
}

// GetOrder returns the materialized order row for trace_id.
func (s *Store) GetOrder(ctx context.Context, traceID string) (*OrderRow, error) {
	var rows []OrderRow
	_, err := s.client.From("orders").
		Select("*", "", false).
		Eq("trace_id", traceID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("readmodel: get order %s: %w", traceID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RejectionRow is the materialized view of one rejection, carrying both
// the upstream reason and this gate's normalized classification.
type RejectionRow struct {
	TraceID         string    `json:"trace_id"`
	EventID         string    `json:"event_id"`
	RawCode         string    `json:"raw_code"`
	RawMessage      string    `json:"raw_message"`
	TaxonomyVersion string    `json:"taxonomy_version"`
	ReasonClass     string    `json:"reason_class"`
	ReasonCode      string    `json:"reason_code"`
	Confidence      string    `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

// InsertRejection records a normalized rejection row.
func (s *Store) InsertRejection(ctx context.Context, row RejectionRow) error {
	var result []RejectionRow
	_, err := s.client.From("rejections").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("readmodel: insert rejection: %w", err)
	}
	return nil
}

// LPFillRow is one liquidity-provider fill event in an lp_timeline.
type LPFillRow struct {
	TraceID   string    `json:"trace_id"`
	EventID   string    `json:"event_id"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	LPName    string    `json:"lp_name"`
	FilledAt  time.Time `json:"filled_at"`
}

// InsertLPFill records one fill for later lp_timeline aggregation.
func (s *Store) InsertLPFill(ctx context.Context, row LPFillRow) error {
	var result []LPFillRow
	_, err := s.client.From("lp_fills").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("readmodel: insert lp fill: %w", err)
	}
	return nil
}

// ListLPFills returns every fill recorded for trace_id, ordered by
// filled_at, the input to lp_timeline's fill aggregation.
func (s *Store) ListLPFills(ctx context.Context, traceID string) ([]LPFillRow, error) {
	var rows []LPFillRow
	_, err := s.client.From("lp_fills").
		Select("*", "", false).
		Eq("trace_id", traceID).
		Order("filled_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("readmodel: list lp fills for %s: %w", traceID, err)
	}
	return rows, nil
}

// CurrentState satisfies lifecycle.StateStore by reading the materialized
// order row's state column. A trace_id with no order row yet is reported
// as not found, so Ingress seeds it at StateSubmitted.
func (s *Store) CurrentState(ctx context.Context, traceID string) (lifecycle.State, bool, error) {
	row, err := s.GetOrder(ctx, traceID)
	if err != nil {
		return "", false, err
	}
	if row == nil || row.State == "" {
		return "", false, nil
	}
	return lifecycle.State(row.State), true, nil
}

// SetState satisfies lifecycle.StateStore by upserting the order row's
// state column, leaving the rest of the row untouched if it already
// exists.
func (s *Store) SetState(ctx context.Context, traceID string, state lifecycle.State) error {
	existing, err := s.GetOrder(ctx, traceID)
	if err != nil {
		return err
	}
	row := OrderRow{TraceID: traceID, State: string(state), CreatedAt: time.Now().UTC()}
	if existing != nil {
		row = *existing
		row.State = string(state)
	}
	return s.UpsertOrder(ctx, row)
}

// OrderDigest satisfies lifecycle.DigestLookup by returning the order_digest
// stored on traceID's materialized order row. A missing row or an empty
// digest is reported as not found.
func (s *Store) OrderDigest(ctx context.Context, traceID string) (string, bool, error) {
	row, err := s.GetOrder(ctx, traceID)
	if err != nil {
		return "", false, err
	}
	if row == nil || row.OrderDigest == "" {
		return "", false, nil
	}
	return row.OrderDigest, true, nil
}

// RecordRejection satisfies lifecycle.RejectionRecorder by persisting a
// normalized classification as a rejections row, so a reconstruction query
// or operator dashboard can read rejection reasons without replaying audit
// chains.
func (s *Store) RecordRejection(ctx context.Context, traceID, eventID string, rawCode, rawMessage string, class lifecycle.Classification) error {
	return s.InsertRejection(ctx, RejectionRow{
		TraceID:         traceID,
		EventID:         eventID,
		RawCode:         rawCode,
		RawMessage:      rawMessage,
		TaxonomyVersion: class.TaxonomyVersion,
		ReasonClass:     string(class.ReasonClass),
		ReasonCode:      class.ReasonCode,
		Confidence:      string(class.Confidence),
		CreatedAt:       time.Now().UTC(),
	})
}
