package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/emotion"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
)

// --- fakes ---

type fakeSource struct {
	mu     sync.Mutex
	frame  types.Frame
	ok     bool
	native types.Size
}

func (s *fakeSource) Latest() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.ok
}

func (s *fakeSource) NativeSize() types.Size { return s.native }

func (s *fakeSource) push(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = types.Frame{Index: index, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Size: s.native}
	s.ok = true
}

type fakeEngine struct {
	mu         sync.Mutex
	detections []types.Detection
	err        error
	calls      int
	inFlight   atomic.Int32
	overlapped atomic.Bool
	delay      time.Duration
}

func (e *fakeEngine) Detect(ctx context.Context, frame []byte, minConfidence float64) ([]types.Detection, error) {
	if e.inFlight.Add(1) > 1 {
		e.overlapped.Store(true)
	}
	defer e.inFlight.Add(-1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.detections, e.err
}

type fakeSurface struct {
	size    types.Size
	renders [][]Instruction
	err     error
}

func (s *fakeSurface) DisplaySize() types.Size { return s.size }

func (s *fakeSurface) Render(frame types.Frame, instructions []Instruction) error {
	s.renders = append(s.renders, append([]Instruction(nil), instructions...))
	return s.err
}

type captureSink struct {
	mu     sync.Mutex
	events []types.AlertEvent
}

func (c *captureSink) Publish(ev types.AlertEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

type manualScheduler struct {
	ticks chan struct{}
}

func (m *manualScheduler) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.ticks:
		return true
	}
}

// --- helpers ---

const dim = 4

func embedding(x, y float64) []float64 {
	return []float64{x, y, 0, 0}
}

type harness struct {
	source  *fakeSource
	engine  *fakeEngine
	surface *fakeSurface
	reg     *registry.Registry
	th      *emotion.ThresholdStore
	sink    *captureSink
	loop    *Loop
}

func newHarness(t *testing.T, cooldown time.Duration) *harness {
	t.Helper()
	th, err := emotion.NewThresholdStore(emotion.Thresholds{types.Angry: 0.5, types.Happy: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		source:  &fakeSource{native: types.Size{Width: 640, Height: 480}},
		engine:  &fakeEngine{},
		surface: &fakeSurface{size: types.Size{Width: 320, Height: 240}},
		reg:     registry.New(dim),
		th:      th,
		sink:    &captureSink{},
	}
	h.loop, err = New(Deps{
		Source:     h.source,
		Engine:     h.engine,
		Surface:    h.surface,
		Registry:   h.reg,
		Thresholds: h.th,
		Debouncer:  emotion.NewDebouncer(cooldown),
		Sink:       h.sink,
	}, Config{MinConfidence: 0.5, Now: func() time.Time { return time.Unix(1700000000, 0) }})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// --- tests ---

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Error("Expected error for missing dependencies")
	}
}

func TestStateMachine(t *testing.T) {
	h := newHarness(t, 0)
	if h.loop.State() != Idle {
		t.Fatalf("Initial state = %s, want idle", h.loop.State())
	}
	if _, err := h.loop.Step(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Step on idle loop error = %v, want ErrStopped", err)
	}
	if err := h.loop.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.loop.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Second Start error = %v, want ErrAlreadyRunning", err)
	}
	h.loop.Stop()
	h.loop.Stop()
	if h.loop.State() != Stopped {
		t.Errorf("State = %s, want stopped", h.loop.State())
	}
	if err := h.loop.Start(); err != nil || h.loop.State() != Running {
		t.Errorf("Restart from stopped failed: %v (%s)", err, h.loop.State())
	}
}

func TestStep_EndToEndAlert(t *testing.T) {
	h := newHarness(t, 0)
	_ = h.reg.Add(types.Identity{Name: "Alice", Embedding: embedding(0.3, 0)})
	_ = h.reg.Add(types.Identity{Name: "Bob", Embedding: embedding(0, 0.9)})

	h.engine.detections = []types.Detection{{
		Box:         types.Box{X: 100, Y: 100, Width: 200, Height: 100},
		Descriptor:  embedding(0, 0), // 0.3 from Alice, 0.9 from Bob
		Expressions: types.Expressions{types.Angry: 0.8, types.Neutral: 0.1},
	}}
	h.source.push(1)
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if len(res.Alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(res.Alerts))
	}
	a := res.Alerts[0]
	if a.IdentityName != "Alice" || a.Emotion != types.Angry || a.Score != 0.8 {
		t.Errorf("Unexpected alert %+v", a)
	}
	if len(h.sink.events) != 1 {
		t.Errorf("Expected alert forwarded to sink, got %d", len(h.sink.events))
	}

	instr := res.Instructions[0]
	if instr.Label != "Alice" || !instr.Known || instr.Emotion != types.Angry {
		t.Errorf("Unexpected instruction %+v", instr)
	}
	want := types.Box{X: 50, Y: 50, Width: 100, Height: 50}
	if instr.Box != want {
		t.Errorf("Box = %+v, want %+v (scaled to display)", instr.Box, want)
	}

	alice, _ := h.reg.Get("Alice")
	if alice.LastSeenAt == nil || alice.LastSeenExpressions[types.Angry] != 0.8 {
		t.Errorf("Registry not updated after match: %+v", alice)
	}
	bob, _ := h.reg.Get("Bob")
	if bob.LastSeenAt != nil {
		t.Error("Unmatched identity must not be updated")
	}
}

func TestStep_UnknownFace(t *testing.T) {
	h := newHarness(t, 0)
	_ = h.reg.Add(types.Identity{Name: "Alice", Embedding: embedding(5, 5)})
	h.engine.detections = []types.Detection{{
		Box:         types.Box{X: 0, Y: 0, Width: 10, Height: 10},
		Descriptor:  embedding(0, 0),
		Expressions: types.Expressions{types.Angry: 1},
	}}
	h.source.push(1)
	_ = h.loop.Start()

	res, _ := h.loop.Step(context.Background())
	if res.Instructions[0].Label != UnknownLabel || res.Instructions[0].Known {
		t.Errorf("Expected unknown face, got %+v", res.Instructions[0])
	}
	if len(res.Alerts) != 0 {
		t.Error("Unknown faces must never alert")
	}
}

func TestStep_DetectionWithoutDescriptor(t *testing.T) {
	h := newHarness(t, 0)
	_ = h.reg.Add(types.Identity{Name: "Alice", Embedding: embedding(0, 0)})
	h.engine.detections = []types.Detection{{Box: types.Box{Width: 10, Height: 10}}}
	h.source.push(1)
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Instructions[0].Known {
		t.Error("A detection without a descriptor cannot be matched")
	}
}

func TestStep_SkipsWhenSourceIdle(t *testing.T) {
	h := newHarness(t, 0)
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil || !res.Skipped {
		t.Fatalf("Expected skipped tick, got %+v (%v)", res, err)
	}

	h.source.push(7)
	if res, _ := h.loop.Step(context.Background()); res.Skipped {
		t.Error("Expected tick to run once a frame is available")
	}
	// Same frame again: nothing new to infer on.
	if res, _ := h.loop.Step(context.Background()); !res.Skipped {
		t.Error("Expected a repeated frame to be skipped")
	}
	if h.engine.calls != 1 {
		t.Errorf("Expected 1 engine call, got %d", h.engine.calls)
	}
	if s := h.loop.Stats(); s.Skipped != 2 || s.Ticks != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestStep_InferenceFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.engine.err = errors.New("model exploded")
	h.source.push(1)
	_ = h.loop.Start()

	_, err := h.loop.Step(context.Background())
	if !errors.Is(err, ErrInferenceFailure) {
		t.Fatalf("Expected ErrInferenceFailure, got %v", err)
	}
	if h.loop.State() != Running {
		t.Error("Loop must stay running after an inference failure")
	}

	h.engine.err = nil
	h.source.push(2)
	if _, err := h.loop.Step(context.Background()); err != nil {
		t.Errorf("Next tick should succeed, got %v", err)
	}
	if h.loop.Stats().Failures != 1 {
		t.Errorf("Expected 1 failure counted, got %d", h.loop.Stats().Failures)
	}
}

func TestStep_InvalidGeometrySkipsRender(t *testing.T) {
	h := newHarness(t, 0)
	h.source.native = types.Size{}
	h.engine.detections = []types.Detection{{Box: types.Box{Width: 10, Height: 10}}}
	h.source.push(1)
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Rendered || len(h.surface.renders) != 0 {
		t.Error("Render must be skipped on invalid geometry")
	}
	if h.loop.State() != Running {
		t.Error("Loop must continue after invalid geometry")
	}
}

func TestStep_UnsizedSurfaceDrawsAtNative(t *testing.T) {
	h := newHarness(t, 0)
	h.surface.size = types.Size{}
	h.engine.detections = []types.Detection{{Box: types.Box{X: 100, Y: 100, Width: 200, Height: 100}}}
	h.source.push(1)
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rendered {
		t.Fatal("Expected render at native size")
	}
	if want := (types.Box{X: 100, Y: 100, Width: 200, Height: 100}); res.Instructions[0].Box != want {
		t.Errorf("Box = %+v, want unscaled %+v", res.Instructions[0].Box, want)
	}
}

func TestStep_MapsFromDecodedFrameSize(t *testing.T) {
	h := newHarness(t, 0)
	// The probe said 1280x720 but the frames are 640x480.
	h.source.native = types.Size{Width: 1280, Height: 720}
	h.engine.detections = []types.Detection{{Box: types.Box{X: 320, Y: 240, Width: 64, Height: 48}}}
	h.source.mu.Lock()
	h.source.frame = types.Frame{Index: 1, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Size: types.Size{Width: 640, Height: 480}}
	h.source.ok = true
	h.source.mu.Unlock()
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := (types.Box{X: 160, Y: 120, Width: 32, Height: 24}); res.Instructions[0].Box != want {
		t.Errorf("Box = %+v, want %+v", res.Instructions[0].Box, want)
	}
}

func TestStep_LandmarksAndAttributesFollowTheBox(t *testing.T) {
	h := newHarness(t, 0)
	age := 31.6
	h.engine.detections = []types.Detection{{
		Box:       types.Box{X: 100, Y: 100, Width: 200, Height: 100},
		Landmarks: []types.Point{{X: 150, Y: 120}, {X: 250, Y: 120}, {X: 200, Y: 180}},
		Age:       &age,
		Gender:    "female",
	}}
	h.source.push(1)
	_ = h.loop.Start()

	res, err := h.loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	in := res.Instructions[0]
	want := []types.Point{{X: 75, Y: 60}, {X: 125, Y: 60}, {X: 100, Y: 90}}
	if len(in.Landmarks) != len(want) {
		t.Fatalf("Landmarks = %+v, want %+v", in.Landmarks, want)
	}
	for i := range want {
		if in.Landmarks[i] != want[i] {
			t.Errorf("Landmark %d = %+v, want %+v", i, in.Landmarks[i], want[i])
		}
	}
	if in.Age == nil || *in.Age != age || in.Gender != "female" {
		t.Errorf("Age/gender not carried: %+v", in)
	}
}

func TestStep_RenderHoldsOnlyCurrentTick(t *testing.T) {
	h := newHarness(t, 0)
	h.engine.detections = []types.Detection{{Box: types.Box{Width: 10, Height: 10}}, {Box: types.Box{Width: 20, Height: 20}}}
	h.source.push(1)
	_ = h.loop.Start()
	_, _ = h.loop.Step(context.Background())

	h.engine.detections = nil
	h.source.push(2)
	_, _ = h.loop.Step(context.Background())

	if len(h.surface.renders) != 2 {
		t.Fatalf("Expected 2 renders, got %d", len(h.surface.renders))
	}
	if len(h.surface.renders[1]) != 0 {
		t.Errorf("Second render must not accumulate earlier faces, got %d", len(h.surface.renders[1]))
	}
}

func TestStep_ReAlertsWithoutCooldown(t *testing.T) {
	h := newHarness(t, 0)
	_ = h.reg.Add(types.Identity{Name: "Alice", Embedding: embedding(0, 0)})
	h.engine.detections = []types.Detection{{
		Box:         types.Box{Width: 10, Height: 10},
		Descriptor:  embedding(0, 0),
		Expressions: types.Expressions{types.Happy: 0.9},
	}}
	_ = h.loop.Start()
	for i := 1; i <= 3; i++ {
		h.source.push(i)
		_, _ = h.loop.Step(context.Background())
	}
	if len(h.sink.events) != 3 {
		t.Errorf("Expected an alert on every tick, got %d", len(h.sink.events))
	}
}

func TestStep_CooldownSuppressesRepeats(t *testing.T) {
	h := newHarness(t, time.Minute)
	_ = h.reg.Add(types.Identity{Name: "Alice", Embedding: embedding(0, 0)})
	h.engine.detections = []types.Detection{{
		Box:         types.Box{Width: 10, Height: 10},
		Descriptor:  embedding(0, 0),
		Expressions: types.Expressions{types.Happy: 0.9},
	}}
	_ = h.loop.Start()
	for i := 1; i <= 3; i++ {
		h.source.push(i)
		_, _ = h.loop.Step(context.Background())
	}
	if len(h.sink.events) != 1 {
		t.Errorf("Expected 1 alert inside the cool-down, got %d", len(h.sink.events))
	}
	if h.loop.Stats().Suppressed != 2 {
		t.Errorf("Expected 2 suppressed, got %d", h.loop.Stats().Suppressed)
	}
}

func TestStep_ThresholdsReadLiveAndPause(t *testing.T) {
	h := newHarness(t, 0)
	_ = h.reg.Add(types.Identity{Name: "Alice", Embedding: embedding(0, 0)})
	h.engine.detections = []types.Detection{{
		Box:         types.Box{Width: 10, Height: 10},
		Descriptor:  embedding(0, 0),
		Expressions: types.Expressions{types.Happy: 0.65},
	}}
	_ = h.loop.Start()

	h.source.push(1)
	res, _ := h.loop.Step(context.Background())
	if len(res.Alerts) != 0 {
		t.Fatal("0.65 must not cross the 0.7 threshold")
	}

	_ = h.th.Set(types.Happy, 0.6)
	h.source.push(2)
	res, _ = h.loop.Step(context.Background())
	if len(res.Alerts) != 1 {
		t.Fatal("Lowered threshold must apply on the next tick")
	}

	h.th.SetPaused(true)
	h.source.push(3)
	res, _ = h.loop.Step(context.Background())
	if len(res.Alerts) != 0 {
		t.Error("Paused alerts must not be emitted")
	}
	if res.Instructions[0].Emotion != types.Happy {
		t.Error("Dominant emotion should still be reported while paused")
	}
}

func TestRun_StopsOnCancelAndNeverOverlaps(t *testing.T) {
	h := newHarness(t, 0)
	h.engine.delay = 5 * time.Millisecond
	sched := &manualScheduler{ticks: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx, sched) }()

	for i := 1; i <= 5; i++ {
		h.source.push(i)
		sched.ticks <- struct{}{}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if h.engine.overlapped.Load() {
		t.Error("Two inference calls were in flight at once")
	}
	if h.loop.State() != Stopped {
		t.Errorf("State after Run = %s, want stopped", h.loop.State())
	}
}

func TestRun_StopObservedAtNextTick(t *testing.T) {
	h := newHarness(t, 0)
	sched := &manualScheduler{ticks: make(chan struct{}, 1)}

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(context.Background(), sched) }()

	// Wait for Run to have started the loop.
	deadline := time.Now().Add(time.Second)
	for h.loop.State() != Running && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.loop.Stop()
	sched.ticks <- struct{}{}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe Stop")
	}
}

func TestSignalScheduler(t *testing.T) {
	ready := make(chan struct{}, 1)
	s := &SignalScheduler{Ready: ready, Idle: 10 * time.Millisecond}

	ready <- struct{}{}
	if !s.Wait(context.Background()) {
		t.Error("Expected a tick on the ready signal")
	}
	// No signal: the idle timer still yields a tick.
	if !s.Wait(context.Background()) {
		t.Error("Expected a tick on the idle timer")
	}

	close(ready)
	if !s.Wait(context.Background()) || s.Ready != nil {
		t.Error("Closed ready channel should fall back to the idle timer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Wait(ctx) {
		t.Error("Expected false after cancel")
	}
}
