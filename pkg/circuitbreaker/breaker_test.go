package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

func newTestBreaker(clock clockwork.Clock) *CircuitBreaker {
	return NewCircuitBreaker("test", Config{
		MaxRequests:      2,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Clock:            clock,
	})
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errBackend })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, fail(cb), ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(clockwork.NewFakeClock())

	require.ErrorIs(t, fail(cb), errBackend)
	require.ErrorIs(t, fail(cb), errBackend)
	require.NoError(t, succeed(cb))
	require.ErrorIs(t, fail(cb), errBackend)
	require.ErrorIs(t, fail(cb), errBackend)

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbesAndCloses(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	clock.Advance(31 * time.Second)

	started := make(chan struct{}, 2)
	slow := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- cb.Execute(context.Background(), func() error {
				started <- struct{}{}
				<-slow
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both probe slots are taken while the calls are in flight.
	assert.ErrorIs(t, succeed(cb), ErrTooManyRequests)

	close(slow)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(cb), errBackend)
	}
	clock.Advance(31 * time.Second)

	require.ErrorIs(t, fail(cb), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestPanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		require.Panics(t, func() {
			_ = cb.Execute(context.Background(), func() error { panic("boom") })
		})
	}
	assert.Equal(t, StateOpen, cb.State())
}
