package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel/ecology/infrastructure/resilience"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := resilience.New(resilience.Config{MaxFailures: 3, Timeout: 50 * time.Millisecond, HalfOpenMax: 1})
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error { return failing })
		require.ErrorIs(t, err, failing)
	}

	assert.Equal(t, resilience.StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	cb := resilience.New(resilience.Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("fail") }))
	require.Equal(t, resilience.StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, resilience.StateClosed, cb.State())
}

func TestRetrySucceedsWithinMaxAttempts(t *testing.T) {
	attempts := 0
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("permanent")
	err := resilience.Retry(context.Background(), resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 2, attempts)
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second
	assert.Equal(t, initial, resilience.NextBackoff(initial, max, 2.0, 0))
	assert.Equal(t, 200*time.Millisecond, resilience.NextBackoff(initial, max, 2.0, 1))
	assert.Equal(t, max, resilience.NextBackoff(initial, max, 2.0, 10))
}
