package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingCall(ctx context.Context) (int, error) {
	return 0, eris.New("provider down")
}

func okCall(ctx context.Context) (int, error) {
	return 42, nil
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Guard(ctx, b, failingCall)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	assert.Equal(t, CircuitOpen, b.State())
	_, err := Guard(ctx, b, okCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, err := Guard(ctx, b, failingCall)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, b.State())

	// After the reset timeout, a probe is allowed and success closes the circuit.
	now = now.Add(2 * time.Minute)
	val, err := Guard(ctx, b, okCall)
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = Guard(ctx, b, failingCall)
	now = now.Add(2 * time.Minute)
	_, err := Guard(ctx, b, failingCall)
	require.Error(t, err)

	_, err = Guard(ctx, b, okCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerShouldTripFilter(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsRetryable,
	})
	ctx := context.Background()

	// Validation failures never trip the breaker.
	_, err := Guard(ctx, b, func(ctx context.Context) (int, error) {
		return 0, NewValidationError("wrong hospital")
	})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, b.State())

	_, err = Guard(ctx, b, func(ctx context.Context) (int, error) {
		return 0, NewTransientError(eris.New("503"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_, _ = Guard(context.Background(), b, failingCall)
	b.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
