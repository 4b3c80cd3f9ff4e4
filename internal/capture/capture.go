// Package capture pulls frames from a camera through ffmpeg and keeps only
// the most recent one. Frames that arrive while the consumer is busy are
// dropped, never queued.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var (
	// ErrEnded is reported by Err when the stream ends without Stop.
	ErrEnded = errors.New("capture stream ended")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture already started")
)

// maxFrame bounds the scanner buffer; a 4K MJPEG frame fits comfortably.
const maxFrame = 16 << 20

// Camera is an ffmpeg-backed frame source.
type Camera struct {
	Input utils.CaptureInput

	mu      sync.Mutex
	latest  types.Frame
	hasAny  bool
	native  types.Size
	err     error
	started bool
	stopped bool

	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stderr bytes.Buffer

	stopOnce sync.Once
	now      func() time.Time
}

// New returns an unstarted camera for the given input.
func New(in utils.CaptureInput) *Camera {
	return &Camera{
		Input: in,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// Start probes the device and launches ffmpeg. Frames flow until Stop, the
// stream ends, or ctx is cancelled.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	// Probing is best-effort: the first JPEG header is the fallback.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	if w, h, err := utils.ProbeResolution(probeCtx, c.Input); err == nil && w > 0 && h > 0 {
		c.setNative(types.Size{Width: w, Height: h})
	}
	cancelProbe()

	runCtx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(runCtx, c.Input)
	cmd.Stderr = &c.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return c.fail(fmt.Errorf("failed to open ffmpeg stdout: %w", err))
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return c.fail(fmt.Errorf("failed to start ffmpeg: %w", err))
	}

	c.mu.Lock()
	c.cmd, c.cancel = cmd, cancel
	c.mu.Unlock()

	go func() {
		readErr := c.consume(stdout)
		waitErr := cmd.Wait()
		c.finish(readErr, waitErr)
	}()
	return nil
}

// startReader runs the frame reader on r without spawning ffmpeg.
func (c *Camera) startReader(r io.Reader) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go func() {
		c.finish(c.consume(r), nil)
	}()
}

func (c *Camera) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxFrame)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		index++

		c.mu.Lock()
		// The JPEG header is authoritative; the probe can disagree when
		// ffmpeg negotiates a different mode than ffprobe saw.
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil && cfg.Width > 0 && cfg.Height > 0 {
			c.native = types.Size{Width: cfg.Width, Height: cfg.Height}
		}
		c.latest = types.Frame{Index: index, Data: data, Size: c.native, CapturedAt: c.now()}
		c.hasAny = true
		c.mu.Unlock()

		// Wake the consumer; if a wake-up is already pending this frame
		// simply replaces the one it would have seen.
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
	return scanner.Err()
}

func (c *Camera) finish(readErr, waitErr error) {
	c.mu.Lock()
	if !c.stopped && c.err == nil {
		switch {
		case readErr != nil:
			c.err = fmt.Errorf("%w: %w", ErrEnded, readErr)
		case waitErr != nil:
			c.err = fmt.Errorf("%w: ffmpeg: %w: %s", ErrEnded, waitErr, bytes.TrimSpace(c.stderr.Bytes()))
		default:
			c.err = ErrEnded
		}
	}
	c.hasAny = false
	c.mu.Unlock()
	close(c.done)
}

func (c *Camera) fail(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
	return err
}

func (c *Camera) setNative(s types.Size) {
	c.mu.Lock()
	c.native = s
	c.mu.Unlock()
}

// Latest returns the newest frame. ok is false before the first frame and
// after the stream has ended.
func (c *Camera) Latest() (types.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasAny
}

// NativeSize is the camera's intrinsic resolution, zero until known.
func (c *Camera) NativeSize() types.Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.native
}

// Ready receives a value whenever a new frame lands in the slot.
func (c *Camera) Ready() <-chan struct{} { return c.ready }

// Done is closed once the stream has ended for any reason.
func (c *Camera) Done() <-chan struct{} { return c.done }

// Err reports why the stream ended. It is nil while running and after a
// clean Stop.
func (c *Camera) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop kills ffmpeg and waits for the reader to drain. Calling Stop more
// than once, or on a camera that never started, is a no-op.
func (c *Camera) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		started := c.started
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}
	})
}

// WaitFirstFrame blocks until a frame is available, the stream ends, or ctx
// is done.
func (c *Camera) WaitFirstFrame(ctx context.Context) error {
	for {
		if _, ok := c.Latest(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if err := c.Err(); err != nil {
				return err
			}
			return ErrEnded
		case <-time.After(10 * time.Millisecond):
		}
	}
}
