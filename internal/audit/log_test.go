package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	chains map[string][]Event
}

func newMemStore() *memStore {
	return &memStore{chains: make(map[string][]Event)}
}

func (m *memStore) AppendEvent(_ context.Context, ev Event) error {
	m.chains[ev.TraceID] = append(m.chains[ev.TraceID], ev)
	return nil
}

func (m *memStore) ReadChain(_ context.Context, traceID string) ([]Event, error) {
	return m.chains[traceID], nil
}

func TestLog_AppendChainsPrevHash(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	first, err := l.Append(ctx, "trace-1", "order.requested", "1", map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.Empty(t, first.PrevHash)
	assert.Len(t, first.Hash, 64)

	second, err := l.Append(ctx, "trace-1", "authorize.decision", "1", map[string]interface{}{"decision": "AUTHORIZED"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
}

func TestLog_VerifyChainValid(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	l.Append(ctx, "trace-1", "order.requested", "1", map[string]interface{}{"a": 1})
	l.Append(ctx, "trace-1", "authorize.decision", "1", map[string]interface{}{"decision": "AUTHORIZED"})

	events, err := l.Read(ctx, "trace-1")
	require.NoError(t, err)

	result := VerifyChain(events)
	assert.True(t, result.Valid)
	assert.Equal(t, -1, result.BrokenAt)
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	l.Append(ctx, "trace-1", "order.requested", "1", map[string]interface{}{"a": 1})
	l.Append(ctx, "trace-1", "authorize.decision", "1", map[string]interface{}{"decision": "AUTHORIZED"})

	events, _ := l.Read(ctx, "trace-1")
	events[1].Payload = map[string]interface{}{"decision": "BLOCKED"}

	result := VerifyChain(events)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.BrokenAt)
}

func TestVerifyChain_DetectsBrokenLinkage(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	l.Append(ctx, "trace-1", "order.requested", "1", map[string]interface{}{"a": 1})
	l.Append(ctx, "trace-1", "authorize.decision", "1", map[string]interface{}{"decision": "AUTHORIZED"})

	events, _ := l.Read(ctx, "trace-1")
	events[1].PrevHash = "deadbeef"

	result := VerifyChain(events)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.BrokenAt)
}

func TestVerifyChain_RejectsFirstEventWithPredecessor(t *testing.T) {
	events := []Event{
		{TraceID: "trace-1", EventType: "order.requested", EventVersion: "1", PrevHash: "nonempty", Hash: "x"},
	}
	result := VerifyChain(events)
	assert.False(t, result.Valid)
	assert.Equal(t, 0, result.BrokenAt)
}

func TestLog_ReadMissingChainReturnsErrChainNotFound(t *testing.T) {
	store := newMemStore()
	l := New(store)

	_, err := l.Read(context.Background(), "no-such-trace")
	assert.ErrorIs(t, err, ErrChainNotFound)
}
