// Package loop runs the per-frame detection-to-alert pipeline: one inference
// pass per tick, then coordinate mapping, identity matching, emotion
// evaluation, redraw and alert hand-off, strictly in that order.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facewatch/internal/emotion"
	"github.com/andresmejia3/facewatch/internal/geometry"
	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrStopped is returned by Step when the loop is not running.
	ErrStopped = errors.New("detection loop is not running")
	// ErrAlreadyRunning is returned by Start on a running loop.
	ErrAlreadyRunning = errors.New("detection loop already running")
	// ErrInferenceFailure wraps an engine error for one tick.
	ErrInferenceFailure = errors.New("inference failure")
)

// State is the loop's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source provides the most recent captured frame. ok is false while the
// source is paused, ended or not yet producing frames.
type Source interface {
	Latest() (frame types.Frame, ok bool)
	NativeSize() types.Size
}

// Engine runs face detection, landmarks, descriptors and expressions on one frame.
type Engine interface {
	Detect(ctx context.Context, frame []byte, minConfidence float64) ([]types.Detection, error)
}

// Surface is the presentation target. Render replaces whatever was drawn
// before with this tick's instructions only.
type Surface interface {
	DisplaySize() types.Size
	Render(frame types.Frame, instructions []Instruction) error
}

// Sink receives alerts. Publish must not block the tick.
type Sink interface {
	Publish(ev types.AlertEvent)
}

// Reporter receives operator-facing log lines.
type Reporter interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Alertf(format string, args ...any)
}

// Instruction describes one face to draw, already in display coordinates.
type Instruction struct {
	Box          types.Box     `json:"box"`
	Label        string        `json:"label"`
	Known        bool          `json:"known"`
	Emotion      types.Emotion `json:"emotion,omitempty"`
	EmotionScore float64       `json:"emotion_score,omitempty"`
	Distance     float64       `json:"distance,omitempty"`
	Landmarks    []types.Point `json:"landmarks,omitempty"`
	Age          *float64      `json:"age,omitempty"`
	Gender       string        `json:"gender,omitempty"`
}

// UnknownLabel is drawn for faces that match no identity.
const UnknownLabel = "Unknown"

// Deps are the collaborators of one loop. Registry, Thresholds, Source and
// Engine are required.
type Deps struct {
	Source     Source
	Engine     Engine
	Surface    Surface
	Registry   *registry.Registry
	Thresholds *emotion.ThresholdStore
	Debouncer  *emotion.Debouncer
	Sink       Sink
	Reporter   Reporter
}

// Config tunes matching and inference.
type Config struct {
	MinConfidence float64
	Radius        float64
	Now           func() time.Time
}

// TickResult summarises one tick.
type TickResult struct {
	FrameIndex   int
	Skipped      bool
	Instructions []Instruction
	Alerts       []types.AlertEvent
	Rendered     bool
}

// Loop is the cooperative detection scheduler.
type Loop struct {
	deps Deps
	cfg  Config

	mu        sync.Mutex
	state     State
	running   atomic.Bool
	tickMu    sync.Mutex
	lastFrame int
	hasFrame  bool

	stats Stats
}

// New creates an idle loop.
func New(deps Deps, cfg Config) (*Loop, error) {
	if deps.Source == nil || deps.Engine == nil || deps.Registry == nil || deps.Thresholds == nil {
		return nil, errors.New("loop: source, engine, registry and thresholds are required")
	}
	if cfg.Radius <= 0 {
		cfg.Radius = matcher.DefaultRadius
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{deps: deps, cfg: cfg, state: Idle}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() StatsSnapshot {
	return l.stats.Snapshot()
}

// Start moves Idle or Stopped to Running.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Running {
		return ErrAlreadyRunning
	}
	l.state = Running
	l.hasFrame = false
	l.running.Store(true)
	return nil
}

// Stop clears the running flag. The flag is observed at the top of the next
// tick; a tick already in flight completes. Stopping twice is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running.Store(false)
	if l.state == Running {
		l.state = Stopped
	}
}

// Run starts the loop and drives Step from sched until the context is
// cancelled or Stop is called. Ticks never overlap.
func (l *Loop) Run(ctx context.Context, sched Scheduler) error {
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Stop()

	for {
		if !l.running.Load() {
			return nil
		}
		if !sched.Wait(ctx) {
			return ctx.Err()
		}
		if _, err := l.Step(ctx); errors.Is(err, ErrStopped) {
			return nil
		}
	}
}

// Step runs exactly one tick. An inference failure is reported and
// returned wrapped in ErrInferenceFailure; the loop stays Running.
func (l *Loop) Step(ctx context.Context) (TickResult, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if !l.running.Load() {
		return TickResult{}, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return TickResult{}, err
	}
	l.stats.Ticks.Add(1)

	// 1. Skip when the source has nothing new.
	frame, ok := l.deps.Source.Latest()
	if !ok || (l.hasFrame && frame.Index == l.lastFrame) {
		l.stats.Skipped.Add(1)
		return TickResult{Skipped: true}, nil
	}
	l.lastFrame, l.hasFrame = frame.Index, true
	res := TickResult{FrameIndex: frame.Index}

	// 2. One inference pass; may outlast the scheduling interval.
	detections, err := l.deps.Engine.Detect(ctx, frame.Data, l.cfg.MinConfidence)
	if err != nil {
		l.stats.Failures.Add(1)
		l.report().Errorf("Frame %d: inference failed: %v", frame.Index, err)
		return res, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	l.stats.Faces.Add(int64(len(detections)))

	// 3. Geometry, identity and emotion for every face.
	renderable := true
	// Detections are in the coordinates of the decoded frame.
	native := frame.Size
	if native.Width <= 0 || native.Height <= 0 {
		native = l.deps.Source.NativeSize()
	}
	display := native
	if l.deps.Surface != nil {
		display = l.deps.Surface.DisplaySize()
	}
	if display.Width <= 0 || display.Height <= 0 {
		// Surface draws at native resolution.
		display = native
	}
	sx, sy, gerr := geometry.Scale(native, display)
	if gerr != nil {
		renderable = false
	}

	now := l.cfg.Now()
	var alerts []types.AlertEvent
	l.deps.Registry.WithLock(func(identities []*types.Identity) {
		for _, det := range detections {
			instr := Instruction{Label: UnknownLabel, Age: det.Age, Gender: det.Gender}
			if renderable {
				instr.Box = geometry.ScaleBoxBy(det.Box, sx, sy)
				instr.Landmarks = geometry.ScalePointsBy(det.Landmarks, sx, sy)
			}

			if det.HasDescriptor() {
				if m, ok := matcher.Match(det.Descriptor, identities, l.cfg.Radius); ok {
					l.stats.Matches.Add(1)
					instr.Label, instr.Known, instr.Distance = m.Identity.Name, true, m.Distance

					if det.HasExpressions() {
						ev := emotion.Evaluate(m.Identity, det.Expressions, l.deps.Thresholds.Snapshot(), now)
						instr.Emotion, instr.EmotionScore = ev.Dominant, ev.DominantScore
						if !l.deps.Thresholds.Paused() {
							alerts = append(alerts, ev.Alerts...)
						}
					} else {
						seen := now
						m.Identity.LastSeenAt = &seen
					}
				}
			}
			res.Instructions = append(res.Instructions, instr)
		}
	})

	if n := len(alerts); n > 0 {
		alerts = l.deps.Debouncer.Filter(alerts)
		l.stats.Suppressed.Add(int64(n - len(alerts)))
	}
	res.Alerts = alerts

	// 4. Clear and redraw with this tick only.
	if l.deps.Surface != nil {
		if !renderable {
			l.stats.RenderSkips.Add(1)
			l.report().Warnf("Frame %d: invalid geometry (native %dx%d), render skipped", frame.Index, native.Width, native.Height)
		} else if err := l.deps.Surface.Render(frame, res.Instructions); err != nil {
			l.stats.RenderSkips.Add(1)
			l.report().Warnf("Frame %d: render failed: %v", frame.Index, err)
		} else {
			res.Rendered = true
		}
	}

	// Fire-and-forget hand-off.
	for _, ev := range alerts {
		l.stats.Alerts.Add(1)
		l.report().Alertf("%s: %s above threshold (%.1f%%)", ev.IdentityName, ev.Emotion, ev.Score*100)
		if l.deps.Sink != nil {
			l.deps.Sink.Publish(ev)
		}
	}

	return res, nil
}

func (l *Loop) report() Reporter {
	if l.deps.Reporter == nil {
		return nopReporter{}
	}
	return l.deps.Reporter
}

type nopReporter struct{}

func (nopReporter) Infof(string, ...any)  {}
func (nopReporter) Warnf(string, ...any)  {}
func (nopReporter) Errorf(string, ...any) {}
func (nopReporter) Alertf(string, ...any) {}
