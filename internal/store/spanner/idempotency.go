// Package spanner implements the gate's idempotency store on Cloud
// Spanner, following the ReadWriteTransaction + ReadRow/BufferWrite shape
// internal/reputation/spanner.go uses for its own conditional balance
// updates: here the conditional write claims a (source_system, event_type,
// event_id) key exactly once instead of debiting a balance.
package spanner

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/ironclad/gate/internal/idempotency"
)

// IdempotencyStore implements idempotency.Store on Cloud Spanner.
type IdempotencyStore struct {
	client *spanner.Client
	logger *log.Logger
}

// Schema is the DDL for the idempotency_keys table. Applied by migration
// tooling, not at runtime.
const Schema = `
CREATE TABLE IdempotencyKeys (
	KeyID         STRING(MAX) NOT NULL,
	SourceSystem  STRING(MAX) NOT NULL,
	EventType     STRING(MAX) NOT NULL,
	EventID       STRING(MAX) NOT NULL,
	PayloadHash   STRING(MAX) NOT NULL,
	Completed     BOOL NOT NULL,
	Result        STRING(MAX),
	ResultData    JSON,
	FirstSeenAt   TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
	AttemptCount  INT64 NOT NULL,
) PRIMARY KEY (KeyID);
`

// NewIdempotencyStore dials Spanner at projects/<project>/instances/<instance>/databases/<database>.
func NewIdempotencyStore(ctx context.Context, project, instance, database string) (*IdempotencyStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner: create client: %w", err)
	}

	return &IdempotencyStore{
		client: client,
		logger: log.New(log.Writer(), "[spanner.IdempotencyStore] ", log.LstdFlags),
	}, nil
}

// Close releases the underlying Spanner client.
func (s *IdempotencyStore) Close() {
	s.client.Close()
}

// Reserve attempts to atomically claim key. If the key is new, it inserts a
// fresh reservation (attempt_count 1) and returns should_process=true. If
// the key already exists, it returns should_process=false along with
// whatever result was previously recorded, flagging payload_mismatch if the
// new payload's hash differs from the one on file — a second event claiming
// the same key with different content — and increments attempt_count for
// this duplicate lookup (spec §4.5).
func (s *IdempotencyStore) Reserve(ctx context.Context, key idempotency.Key, payloadHash string, now time.Time) (idempotency.ReserveOutcome, error) {
	var outcome idempotency.ReserveOutcome

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "IdempotencyKeys", spanner.Key{key.String()},
			[]string{"PayloadHash", "Completed", "Result", "ResultData", "FirstSeenAt", "AttemptCount"})
		if err != nil {
			if spanner.ErrCode(err) != codes.NotFound {
				return err
			}

			outcome = idempotency.ReserveOutcome{ShouldProcess: true, FirstSeenAt: now, AttemptCount: 1}
			mutation := spanner.Insert("IdempotencyKeys",
				[]string{"KeyID", "SourceSystem", "EventType", "EventID", "PayloadHash", "Completed", "FirstSeenAt", "AttemptCount"},
				[]interface{}{key.String(), key.SourceSystem, key.EventType, key.EventID, payloadHash, false, now, int64(1)},
			)
			return txn.BufferWrite([]*spanner.Mutation{mutation})
		}

		var existingHash, result string
		var completed bool
		var resultData spanner.NullJSON
		var firstSeenAt time.Time
		var attemptCount int64
		if err := row.Columns(&existingHash, &completed, &result, &resultData, &firstSeenAt, &attemptCount); err != nil {
			return err
		}
		attemptCount++

		outcome = idempotency.ReserveOutcome{
			ShouldProcess:   false,
			FirstSeenAt:     firstSeenAt,
			PreviousResult:  result,
			PayloadMismatch: existingHash != payloadHash,
			AttemptCount:    int(attemptCount),
		}
		if resultData.Valid {
			outcome.PreviousData = resultData.Value
		}

		mutation := spanner.Update("IdempotencyKeys",
			[]string{"KeyID", "AttemptCount"},
			[]interface{}{key.String(), attemptCount},
		)
		return txn.BufferWrite([]*spanner.Mutation{mutation})
	})
	if err != nil {
		return idempotency.ReserveOutcome{}, fmt.Errorf("spanner: reserve transaction: %w", err)
	}

	return outcome, nil
}

// Complete records the terminal result for an already-reserved key.
func (s *IdempotencyStore) Complete(ctx context.Context, key idempotency.Key, result string, resultData interface{}) error {
	mutation := spanner.Update("IdempotencyKeys",
		[]string{"KeyID", "Completed", "Result", "ResultData"},
		[]interface{}{key.String(), true, result, spanner.NullJSON{Value: resultData, Valid: resultData != nil}},
	)
	_, err := s.client.Apply(ctx, []*spanner.Mutation{mutation})
	if err != nil {
		return fmt.Errorf("spanner: complete %s: %w", key, err)
	}
	return nil
}

// Cleanup deletes reservations whose FirstSeenAt predates olderThan,
// returning the number removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    `SELECT KeyID FROM IdempotencyKeys WHERE FirstSeenAt < @cutoff`,
		Params: map[string]interface{}{"cutoff": olderThan},
	})
	defer iter.Stop()

	var mutations []*spanner.Mutation
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("spanner: query stale keys: %w", err)
		}
		var keyID string
		if err := row.Columns(&keyID); err != nil {
			return 0, fmt.Errorf("spanner: scan stale key: %w", err)
		}
		mutations = append(mutations, spanner.Delete("IdempotencyKeys", spanner.Key{keyID}))
	}

	if len(mutations) == 0 {
		return 0, nil
	}
	if _, err := s.client.Apply(ctx, mutations); err != nil {
		return 0, fmt.Errorf("spanner: delete stale keys: %w", err)
	}
	return len(mutations), nil
}
