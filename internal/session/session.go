// Package session owns one watch session: the loaded inference engine, the
// camera, the known-face registry and the detection loop running over them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/emotion"
	"github.com/andresmejia3/facewatch/internal/loop"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrNotReady is returned when the camera is started before the models
	// finished loading. It is not retried.
	ErrNotReady = errors.New("models not loaded yet")
	// ErrAlreadyActive is returned by Start while a camera is running.
	ErrAlreadyActive = errors.New("session already active")
	// ErrNoFrame is returned by SaveCurrentFace when no frame is available.
	ErrNoFrame = errors.New("no camera frame available")
	// ErrStartAborted is returned by Start when Stop or Close ran before the
	// camera produced its first frame.
	ErrStartAborted = errors.New("camera start aborted")
)

// State is the session lifecycle state.
type State int

const (
	ModelsLoading State = iota
	ModelsReady
	CameraActive
	Detecting
	Stopped
)

func (s State) String() string {
	switch s {
	case ModelsLoading:
		return "models_loading"
	case ModelsReady:
		return "models_ready"
	case CameraActive:
		return "camera_active"
	case Detecting:
		return "detecting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Engine is a loaded inference engine.
type Engine interface {
	loop.Engine
	Close() error
}

// EngineLoader loads the models and returns a ready engine.
type EngineLoader func(ctx context.Context) (Engine, error)

// Camera is a capture resource. Stop must release the hardware and be safe
// to call more than once.
type Camera interface {
	loop.Source
	Start(ctx context.Context) error
	Stop()
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	WaitFirstFrame(ctx context.Context) error
}

// CameraFactory acquires a fresh camera for each Start.
type CameraFactory func() (Camera, error)

// FaceStore persists enrolled faces next to the in-memory registry.
type FaceStore interface {
	SaveFace(ctx context.Context, id types.Identity, image []byte) (int64, error)
	DeleteFace(ctx context.Context, name string) error
	ClearFaces(ctx context.Context) (int64, error)
}

// Options wires a session. Loader and Cameras are required for Start.
type Options struct {
	Loader     EngineLoader
	Cameras    CameraFactory
	Surface    loop.Surface
	Sink       loop.Sink
	Reporter   loop.Reporter
	FaceStore  FaceStore
	Registry   *registry.Registry
	Thresholds *emotion.ThresholdStore
	Cooldown   time.Duration

	MinConfidence float64
	MatchRadius   float64
	// Interval fixes the tick rate; zero ticks on every new frame.
	Interval time.Duration
	// FirstFrameTimeout bounds how long Start waits for the camera.
	FirstFrameTimeout time.Duration
}

// Status is a point-in-time view of the session.
type Status struct {
	State      State              `json:"state"`
	Identities int                `json:"identities"`
	NativeSize types.Size         `json:"native_size"`
	Paused     bool               `json:"alerts_paused"`
	Loop       loop.StatsSnapshot `json:"loop"`
	LastError  string             `json:"last_error,omitempty"`
}

// Session is the explicit owner of everything one watch needs.
type Session struct {
	opts      Options
	registry  *registry.Registry
	threshold *emotion.ThresholdStore
	debouncer *emotion.Debouncer

	mu       sync.Mutex
	state    State
	engine   Engine
	camera   Camera
	loop     *loop.Loop
	cancel   context.CancelFunc
	loopDone chan struct{}
	lastErr  error
	stats    loop.StatsSnapshot
	// startCancel aborts a Start that is waiting for the first frame.
	startCancel context.CancelFunc
}

// New creates a session in ModelsLoading.
func New(opts Options) (*Session, error) {
	if opts.Registry == nil {
		opts.Registry = registry.New(types.DescriptorDim)
	}
	if opts.Thresholds == nil {
		th, err := emotion.NewThresholdStore(nil)
		if err != nil {
			return nil, err
		}
		opts.Thresholds = th
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.5
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = 10 * time.Second
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	return &Session{
		opts:      opts,
		registry:  opts.Registry,
		threshold: opts.Thresholds,
		debouncer: emotion.NewDebouncer(opts.Cooldown),
		state:     ModelsLoading,
	}, nil
}

// Registry returns the session's identity registry.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Thresholds returns the live threshold store.
func (s *Session) Thresholds() *emotion.ThresholdStore { return s.threshold }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports state and counters.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      s.state,
		Identities: s.registry.Len(),
		Paused:     s.threshold.Paused(),
		Loop:       s.stats,
	}
	if s.loop != nil {
		st.Loop = s.loop.Stats()
	}
	if s.camera != nil {
		st.NativeSize = s.camera.NativeSize()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// LoadModels loads the inference engine. Calling it again after success is
// a no-op.
func (s *Session) LoadModels(ctx context.Context) error {
	s.mu.Lock()
	if s.engine != nil {
		s.mu.Unlock()
		return nil
	}
	if s.opts.Loader == nil {
		s.mu.Unlock()
		return errors.New("session: no engine loader configured")
	}
	s.state = ModelsLoading
	s.mu.Unlock()

	start := time.Now()
	eng, err := s.opts.Loader(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("failed to load models: %w", err)
	}
	s.engine = eng
	s.state = ModelsReady
	s.lastErr = nil
	s.opts.Reporter.Infof("Models loaded in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// Start acquires the camera and starts detection. It fails with ErrNotReady
// before LoadModels has succeeded. The camera is released on every failure.
// The session lock is not held while waiting for the first frame, so Status
// and Stop stay responsive; Stop during that wait aborts the start.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case ModelsLoading:
		s.mu.Unlock()
		s.opts.Reporter.Warnf("Camera start rejected: %v", ErrNotReady)
		return ErrNotReady
	case CameraActive, Detecting:
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	if s.opts.Cameras == nil {
		s.mu.Unlock()
		return errors.New("session: no camera factory configured")
	}

	cam, err := s.opts.Cameras()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to acquire camera: %w", err)
	}
	s.camera = cam
	s.state = CameraActive
	waitCtx, cancelWait := context.WithTimeout(ctx, s.opts.FirstFrameTimeout)
	defer cancelWait()
	s.startCancel = cancelWait
	s.mu.Unlock()

	// The camera and loop outlive the caller's context (e.g. an HTTP
	// request); Stop ends them.
	detached := context.WithoutCancel(ctx)
	startErr := cam.Start(detached)
	var waitErr error
	if startErr == nil {
		waitErr = cam.WaitFirstFrame(waitCtx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCancel = nil
	if s.camera != cam {
		// Stop ran while we waited; the camera is ours to release.
		cam.Stop()
		return ErrStartAborted
	}
	if startErr != nil {
		s.releaseLocked(fmt.Errorf("camera start: %w", startErr))
		return startErr
	}
	if waitErr != nil {
		s.releaseLocked(fmt.Errorf("camera not ready: %w", waitErr))
		return fmt.Errorf("camera not ready: %w", waitErr)
	}
	s.opts.Reporter.Infof("Camera ready (%dx%d)", cam.NativeSize().Width, cam.NativeSize().Height)

	lp, err := loop.New(loop.Deps{
		Source:     cam,
		Engine:     s.engine,
		Surface:    s.opts.Surface,
		Registry:   s.registry,
		Thresholds: s.threshold,
		Debouncer:  s.debouncer,
		Sink:       s.opts.Sink,
		Reporter:   s.opts.Reporter,
	}, loop.Config{MinConfidence: s.opts.MinConfidence, Radius: s.opts.MatchRadius})
	if err != nil {
		s.releaseLocked(err)
		return err
	}

	var sched loop.Scheduler = &loop.SignalScheduler{Ready: cam.Ready()}
	if s.opts.Interval > 0 {
		sched = loop.NewIntervalScheduler(s.opts.Interval)
	}

	runCtx, cancel := context.WithCancel(detached)
	done := make(chan struct{})
	s.loop, s.cancel, s.loopDone = lp, cancel, done
	s.state = Detecting
	s.lastErr = nil

	go func() {
		defer close(done)
		if err := lp.Run(runCtx, sched); err != nil && !errors.Is(err, context.Canceled) {
			s.opts.Reporter.Errorf("Detection loop exited: %v", err)
		}
	}()
	go s.watchCamera(cam, done)

	s.opts.Reporter.Infof("Detection started")
	return nil
}

// watchCamera collapses the session to Stopped if the camera dies on its own.
func (s *Session) watchCamera(cam Camera, loopDone <-chan struct{}) {
	select {
	case <-loopDone:
		return
	case <-cam.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.camera != cam {
		return // already released by Stop
	}
	err := cam.Err()
	if err == nil {
		err = errors.New("camera stopped unexpectedly")
	}
	s.opts.Reporter.Errorf("Camera failure: %v", err)
	s.releaseLocked(err)
}

// Stop cancels detection and releases the camera. Stopping an inactive
// session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != CameraActive && s.state != Detecting {
		return
	}
	if s.startCancel != nil {
		// Start is still waiting for the first frame and releases the camera.
		s.startCancel()
		s.camera = nil
		s.state = Stopped
		s.opts.Reporter.Infof("Session stopped")
		return
	}
	s.releaseLocked(nil)
	s.opts.Reporter.Infof("Session stopped")
}

// releaseLocked stops the loop, waits for its last tick, releases the
// camera once and moves to Stopped. s.mu must be held.
func (s *Session) releaseLocked(cause error) {
	if s.loop != nil {
		s.loop.Stop()
		s.cancel()
		<-s.loopDone
		s.stats = s.loop.Stats()
		s.loop, s.cancel, s.loopDone = nil, nil, nil
	}
	if s.camera != nil {
		s.camera.Stop()
		s.camera = nil
	}
	s.state = Stopped
	if cause != nil {
		s.lastErr = cause
	}
}

// Close stops the session and shuts down the engine.
func (s *Session) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	s.state = ModelsLoading
	return err
}

// currentFrame returns the camera's latest frame.
func (s *Session) currentFrame() (types.Frame, bool) {
	s.mu.Lock()
	cam := s.camera
	s.mu.Unlock()
	if cam == nil {
		return types.Frame{}, false
	}
	return cam.Latest()
}

func (s *Session) currentEngine() (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil, ErrNotReady
	}
	return s.engine, nil
}

type nopReporter struct{}

func (nopReporter) Infof(string, ...any)  {}
func (nopReporter) Warnf(string, ...any)  {}
func (nopReporter) Errorf(string, ...any) {}
func (nopReporter) Alertf(string, ...any) {}
