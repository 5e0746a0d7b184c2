package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote call failed")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(func() error { return errRemote })
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New(Settings{Name: "bridge"})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Do(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(10), b.Counts().TotalSuccesses)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	b := New(Settings{
		Name:        "bridge",
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	failN(b, 3)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	err := b.Do(func() error {
		t.Fatal("open breaker must not run the call")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Settings{
		Name:        "bridge",
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	failN(b, 1)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Settings{
		Name:        "bridge",
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	failN(b, 1)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	b := New(Settings{
		Name:        "bridge",
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	failN(b, 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error { <-release; return nil })
	}()

	// The single probe slot is taken by the goroutine above.
	time.Sleep(5 * time.Millisecond)
	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
}
