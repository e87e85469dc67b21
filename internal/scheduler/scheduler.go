// Package scheduler provides the loop timers of the daemon. Aligned
// fires just after each candle close, Every at a fixed cadence. Both
// run their task serially and never stack an overrunning tick: a missed
// boundary is skipped, not replayed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"arena/internal/logger"
)

type Task func(ctx context.Context) error

// Aligned wakes at every interval boundary plus offset, UTC-aligned.
// The decision loop runs on this so a 1h strategy always sees the bar
// that just closed.
type Aligned struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewAligned(name string, interval, offset time.Duration) *Aligned {
	return &Aligned{Name: name, Interval: interval, Offset: offset, nowFn: time.Now}
}

// Run blocks until ctx is canceled.
func (s *Aligned) Run(ctx context.Context, task Task) error {
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler %s: invalid interval %s", s.Name, s.Interval)
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	logger.Infof("scheduler %s: aligned interval=%s offset=%s", s.Name, s.Interval, s.Offset)

	if s.RunImmediately {
		s.exec(ctx, task)
	}
	for {
		now := s.nowFn().UTC()
		wakeAt := s.nextWake(now)
		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("scheduler %s: stopped", s.Name)
			return ctx.Err()
		case <-timer.C:
		}
		s.exec(ctx, task)
	}
}

// nextWake is the first boundary+offset strictly after now, so an
// overrunning task skips to the following bar instead of firing twice.
func (s *Aligned) nextWake(now time.Time) time.Time {
	wakeAt := now.Truncate(s.Interval).Add(s.Offset)
	for !wakeAt.After(now) {
		wakeAt = wakeAt.Add(s.Interval)
	}
	return wakeAt
}

func (s *Aligned) exec(ctx context.Context, task Task) {
	if err := task(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("scheduler %s: tick failed: %v", s.Name, err)
	}
}

// Every runs task at a fixed cadence measured from each tick's start.
type Every struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
}

func NewEvery(name string, interval time.Duration) *Every {
	return &Every{Name: name, Interval: interval}
}

// Run blocks until ctx is canceled.
func (e *Every) Run(ctx context.Context, task Task) error {
	if e.Interval <= 0 {
		return fmt.Errorf("scheduler %s: invalid interval %s", e.Name, e.Interval)
	}
	logger.Infof("scheduler %s: every %s", e.Name, e.Interval)

	if e.RunImmediately {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("scheduler %s: tick failed: %v", e.Name, err)
		}
	}
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler %s: stopped", e.Name)
			return ctx.Err()
		case <-ticker.C:
		}
		if err := task(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("scheduler %s: tick failed: %v", e.Name, err)
		}
	}
}
