package loop

import "sync/atomic"

// Stats are cumulative counters for one loop.
type Stats struct {
	Ticks       atomic.Int64
	Skipped     atomic.Int64
	Failures    atomic.Int64
	Faces       atomic.Int64
	Matches     atomic.Int64
	Alerts      atomic.Int64
	Suppressed  atomic.Int64
	RenderSkips atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Ticks       int64 `json:"ticks"`
	Skipped     int64 `json:"skipped"`
	Failures    int64 `json:"failures"`
	Faces       int64 `json:"faces"`
	Matches     int64 `json:"matches"`
	Alerts      int64 `json:"alerts"`
	Suppressed  int64 `json:"suppressed"`
	RenderSkips int64 `json:"render_skips"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Ticks:       s.Ticks.Load(),
		Skipped:     s.Skipped.Load(),
		Failures:    s.Failures.Load(),
		Faces:       s.Faces.Load(),
		Matches:     s.Matches.Load(),
		Alerts:      s.Alerts.Load(),
		Suppressed:  s.Suppressed.Load(),
		RenderSkips: s.RenderSkips.Load(),
	}
}
