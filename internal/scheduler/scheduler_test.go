package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextWakeAlignsToBoundaryPlusOffset(t *testing.T) {
	s := NewAligned("test", time.Hour, 5*time.Second)

	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 5, 0, time.UTC), s.nextWake(now))

	// Exactly on the wake instant skips to the next bar.
	now = time.Date(2026, 3, 1, 13, 0, 5, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 5, 0, time.UTC), s.nextWake(now))

	// Inside the offset window still fires for the bar that just closed.
	now = time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 5, 0, time.UTC), s.nextWake(now))
}

func TestAlignedRejectsZeroInterval(t *testing.T) {
	s := NewAligned("bad", 0, 0)
	err := s.Run(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestEveryRunsUntilCanceled(t *testing.T) {
	e := NewEvery("tick", 5*time.Millisecond)
	e.RunImmediately = true

	var count atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(context.Context) error {
			count.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEveryKeepsGoingAfterTaskError(t *testing.T) {
	e := NewEvery("tick", time.Millisecond)

	var count atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = e.Run(ctx, func(context.Context) error {
			count.Add(1)
			return assert.AnError
		})
	}()

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, time.Millisecond)
}
