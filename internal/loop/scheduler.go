package loop

import (
	"context"
	"time"
)

// Scheduler decides when the next tick may run. Wait blocks until the next
// scheduling opportunity and returns false when the loop should exit.
// The loop only calls Wait after the previous tick has completed, so a
// scheduler never causes two ticks to overlap.
type Scheduler interface {
	Wait(ctx context.Context) bool
}

// SignalScheduler ticks whenever the capture source signals a new frame.
// Idle bounds how long it waits without a signal so a paused source still
// produces (skipped) ticks and cancellation is observed promptly.
type SignalScheduler struct {
	Ready <-chan struct{}
	Idle  time.Duration
}

// Wait implements Scheduler.
func (s *SignalScheduler) Wait(ctx context.Context) bool {
	idle := s.Idle
	if idle <= 0 {
		idle = 200 * time.Millisecond
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case _, ok := <-s.Ready:
		if !ok {
			// Source ended; keep ticking on the idle timer.
			s.Ready = nil
		}
		return true
	case <-timer.C:
		return true
	}
}

// IntervalScheduler ticks at a fixed rate. Ticks missed while a slow
// inference call was outstanding are dropped, not queued.
type IntervalScheduler struct {
	ticker *time.Ticker
	every  time.Duration
}

// NewIntervalScheduler creates a scheduler firing every d.
func NewIntervalScheduler(d time.Duration) *IntervalScheduler {
	if d <= 0 {
		d = 33 * time.Millisecond
	}
	return &IntervalScheduler{every: d}
}

// Wait implements Scheduler.
func (s *IntervalScheduler) Wait(ctx context.Context) bool {
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.every)
	}
	select {
	case <-ctx.Done():
		s.ticker.Stop()
		return false
	case <-s.ticker.C:
		return true
	}
}
