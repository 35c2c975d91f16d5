package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAfterFiveConsecutiveFailures(t *testing.T) {
	cb := New(DefaultConfig("test"))

	var err error
	for i := 0; i < 4; i++ {
		_, err = cb.Execute(func() (interface{}, error) {
			return nil, errors.New("boom")
		})
		require.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	_, err = cb.Execute(func() (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenRejectsImmediately(t *testing.T) {
	cb := New(DefaultConfig("test"))
	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) {
		t.Fatal("request func should not run while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenClosesAfterThreeSuccesses(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 1 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 1 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Execute(func() (interface{}, error) { return nil, errors.New("still broken") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestGateCircuitBreakers_HealthStatusDegradesOnTrip(t *testing.T) {
	g := NewGateCircuitBreakers()
	status, _ := g.HealthStatus()
	assert.Equal(t, "HEALTHY", status)

	for i := 0; i < 5; i++ {
		g.Ledger.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	}

	status, breakerStates := g.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", breakerStates["shadow_ledger"])
}

func TestExecuteWithFallback_UsesFallbackWhenOpen(t *testing.T) {
	cb := New(DefaultConfig("test"))
	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}

	result, err := ExecuteWithFallback(cb,
		func() (string, error) { return "primary", nil },
		func(error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}
