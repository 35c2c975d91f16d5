package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory idempotency.Store fake, standing in for the
// Spanner-backed production store in unit tests.
type memStore struct {
	records map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*Record{}}
}

func (s *memStore) Reserve(ctx context.Context, key Key, payloadHash string, now time.Time) (ReserveOutcome, error) {
	rec, ok := s.records[key.String()]
	if !ok {
		s.records[key.String()] = &Record{
			Key:          key,
			PayloadHash:  payloadHash,
			FirstSeenAt:  now,
			AttemptCount: 1,
		}
		return ReserveOutcome{ShouldProcess: true, FirstSeenAt: now, AttemptCount: 1}, nil
	}

	rec.AttemptCount++
	return ReserveOutcome{
		ShouldProcess:   false,
		FirstSeenAt:     rec.FirstSeenAt,
		PreviousResult:  rec.Result,
		PreviousData:    rec.ResultData,
		PayloadMismatch: rec.PayloadHash != payloadHash,
		AttemptCount:    rec.AttemptCount,
	}, nil
}

func (s *memStore) Complete(ctx context.Context, key Key, result string, resultData interface{}) error {
	rec, ok := s.records[key.String()]
	if !ok {
		return ErrNotFound
	}
	rec.Completed = true
	rec.Result = result
	rec.ResultData = resultData
	return nil
}

func (s *memStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	n := 0
	for k, rec := range s.records {
		if rec.FirstSeenAt.Before(olderThan) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

var testKey = Key{SourceSystem: "MT5", EventType: "exec", EventID: "EX-1"}

func TestCheckAndReserve_FirstCallProcesses(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil)

	outcome, err := svc.CheckAndReserve(context.Background(), testKey, map[string]interface{}{"fill_qty": 100}, time.Now())
	require.NoError(t, err)
	assert.True(t, outcome.ShouldProcess)
	assert.Equal(t, 1, outcome.AttemptCount)
	assert.False(t, outcome.PayloadMismatch)
}

func TestCheckAndReserve_DuplicateSamePayloadReturnsPreviousResultAndIncrementsAttempts(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil)
	payload := map[string]interface{}{"fill_qty": 100}

	first, err := svc.CheckAndReserve(context.Background(), testKey, payload, time.Now())
	require.NoError(t, err)
	require.True(t, first.ShouldProcess)
	require.NoError(t, svc.Complete(context.Background(), testKey, "SUCCESS", nil))

	second, err := svc.CheckAndReserve(context.Background(), testKey, payload, time.Now())
	require.NoError(t, err)
	assert.False(t, second.ShouldProcess)
	assert.Equal(t, "SUCCESS", second.PreviousResult)
	assert.False(t, second.PayloadMismatch)
	assert.Equal(t, 2, second.AttemptCount)

	third, err := svc.CheckAndReserve(context.Background(), testKey, payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, third.AttemptCount)
}

func TestCheckAndReserve_DuplicateDifferentPayloadFlagsMismatchWithoutOverwriting(t *testing.T) {
	store := newMemStore()
	svc := New(store, nil)

	first, err := svc.CheckAndReserve(context.Background(), testKey, map[string]interface{}{"fill_qty": 100}, time.Now())
	require.NoError(t, err)
	require.True(t, first.ShouldProcess)
	require.NoError(t, svc.Complete(context.Background(), testKey, "SUCCESS", nil))

	second, err := svc.CheckAndReserve(context.Background(), testKey, map[string]interface{}{"fill_qty": 200}, time.Now())
	require.NoError(t, err)
	assert.False(t, second.ShouldProcess)
	assert.True(t, second.PayloadMismatch)
	assert.Equal(t, "SUCCESS", second.PreviousResult)

	rec := store.records[testKey.String()]
	assert.Equal(t, "SUCCESS", rec.Result)
}
