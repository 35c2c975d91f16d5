package lifecycle

import (
	"context"
	"fmt"

	"github.com/ironclad/gate/internal/audit"
	"github.com/ironclad/gate/internal/idempotency"
	"github.com/ironclad/gate/internal/obsmetrics"
)

// StateStore tracks the current lifecycle state per trace_id, the minimal
// read/write surface Ingress needs to validate a transition.
type StateStore interface {
	CurrentState(ctx context.Context, traceID string) (State, bool, error)
	SetState(ctx context.Context, traceID string, state State) error
}

// DigestLookup resolves the order digest the gate computed at authorization
// time, so an inbound envelope's asserted digest can be compared against
// it.
type DigestLookup interface {
	OrderDigest(ctx context.Context, traceID string) (string, bool, error)
}

// RejectionRecorder persists a normalized rejection classification to a
// materialized view, so reconstruction and operator dashboards can read
// rejection reasons without replaying audit chains. Optional: Ingress
// works without one, it just won't populate that view.
type RejectionRecorder interface {
	RecordRejection(ctx context.Context, traceID, eventID, rawCode, rawMessage string, class Classification) error
}

// IngestResult is returned for every ingested envelope, successful or not.
type IngestResult struct {
	Processed       bool // false when a duplicate short-circuited processing
	Envelope        Envelope
	HasViolations   bool
	ViolationNote   string
	TamperSuspected bool
	// PayloadMismatch is set when this (source_system, event_type,
	// event_id) key was already reserved with materially different
	// payload content — the same key reused for a different event, not a
	// true retry. Callers surface this as 409.
	PayloadMismatch bool
}

// Ingress is the lifecycle ingestion pipeline: dedup, state-machine
// validation, tamper detection, and audit recording, composed the same way
// internal/gate composes its own dependencies.
type Ingress struct {
	Idempotency *idempotency.Service
	States      StateStore
	Digests     DigestLookup
	Audit       *audit.Log
	Metrics     *obsmetrics.Metrics
	Rejections  RejectionRecorder
}

// New constructs an Ingress.
func New(idem *idempotency.Service, states StateStore, digests DigestLookup, auditLog *audit.Log, metrics *obsmetrics.Metrics) *Ingress {
	return &Ingress{Idempotency: idem, States: states, Digests: digests, Audit: auditLog, Metrics: metrics}
}

// Ingest processes one envelope: it is deduplicated by IdempotencyKey,
// validated against the lifecycle state machine, checked for order-digest
// tampering, and recorded to the audit chain for its trace_id. A state
// machine violation or digest mismatch never drops the event — it is
// still ingested, flagged has_violations/tamper_suspected, so the anomaly
// itself is part of the auditable record.
func (in *Ingress) Ingest(ctx context.Context, env Envelope) (IngestResult, error) {
	sourceKind := env.Source

	key := idempotency.Key{SourceSystem: env.Source, EventType: env.EventType, EventID: env.IdempotencyKey()}
	outcome, err := in.Idempotency.CheckAndReserve(ctx, key, env.Payload, env.IngestedAt)
	if err != nil {
		return IngestResult{}, fmt.Errorf("lifecycle: idempotency reserve: %w", err)
	}
	if !outcome.ShouldProcess {
		if in.Metrics != nil {
			in.Metrics.ObserveDuplicate(sourceKind)
		}
		return IngestResult{Processed: false, Envelope: env, PayloadMismatch: outcome.PayloadMismatch}, nil
	}

	from, found, err := in.States.CurrentState(ctx, env.Correlation.TraceID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("lifecycle: read current state: %w", err)
	}
	if !found {
		from = StateSubmitted
	}

	transition := CheckTransition(from, env.Normalization.ToState)
	result := IngestResult{Processed: true, Envelope: env}
	if !transition.Allowed {
		result.HasViolations = true
		result.ViolationNote = transition.Reason
		if in.Metrics != nil {
			in.Metrics.ObserveInvalidTransition(string(from), string(env.Normalization.ToState))
		}
	}

	if env.Integrity.AssertedOrderDigest != "" && in.Digests != nil {
		expected, found, err := in.Digests.OrderDigest(ctx, env.Correlation.TraceID)
		if err == nil && found && expected != env.Integrity.AssertedOrderDigest {
			result.TamperSuspected = true
			env.Integrity.TamperSuspected = true
		}
	}

	if (env.Normalization.RawCode != "" || env.Normalization.RawMessage != "") && env.Normalization.ReasonClass == "" {
		classification := Classify(env.Source, env.Normalization.RawCode, env.Normalization.RawMessage)
		env.Normalization.TaxonomyVersion = classification.TaxonomyVersion
		env.Normalization.ReasonClass = string(classification.ReasonClass)
		env.Normalization.ReasonCode = classification.ReasonCode
		env.Normalization.Confidence = string(classification.Confidence)

		if in.Rejections != nil {
			if err := in.Rejections.RecordRejection(ctx, env.Correlation.TraceID, env.EventID, env.Normalization.RawCode, env.Normalization.RawMessage, classification); err != nil {
				return IngestResult{}, fmt.Errorf("lifecycle: record rejection: %w", err)
			}
		}
	}

	if err := in.States.SetState(ctx, env.Correlation.TraceID, env.Normalization.ToState); err != nil {
		return IngestResult{}, fmt.Errorf("lifecycle: set state: %w", err)
	}

	payload := map[string]interface{}{
		"event_id":          env.EventID,
		"event_type":        env.EventType,
		"from_state":        string(from),
		"to_state":          string(env.Normalization.ToState),
		"has_violations":    result.HasViolations,
		"taxonomy_version":  env.Normalization.TaxonomyVersion,
		"reason_class":      env.Normalization.ReasonClass,
		"reason_code":       env.Normalization.ReasonCode,
		"confidence":        env.Normalization.Confidence,
		"raw": map[string]interface{}{
			"provider_code":    env.Normalization.RawCode,
			"provider_message": env.Normalization.RawMessage,
			"provider_fields":  env.Normalization.RawFields,
		},
		"tamper_suspected": result.TamperSuspected,
	}
	if _, err := in.Audit.Append(ctx, env.Correlation.TraceID, "LIFECYCLE_EVENT", env.EventVersion, payload); err != nil {
		return IngestResult{}, fmt.Errorf("lifecycle: audit append: %w", err)
	}

	status := "ok"
	if result.HasViolations || result.TamperSuspected {
		status = "flagged"
	}
	if in.Metrics != nil {
		in.Metrics.ObserveLifecycleEvent(sourceKind, status)
	}

	if err := in.Idempotency.Complete(ctx, key, status, nil); err != nil {
		return IngestResult{}, fmt.Errorf("lifecycle: idempotency complete: %w", err)
	}

	return result, nil
}
