package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCamera_LatestFrameWins(t *testing.T) {
	c := New(utils.CaptureInput{Device: "test"})
	r, w := io.Pipe()
	c.startReader(r)

	if _, ok := c.Latest(); ok {
		t.Fatal("Expected no frame before the stream produces one")
	}

	frame := encodeJPEG(t, 64, 48)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(frame); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		f, ok := c.Latest()
		return ok && f.Index == 3
	})

	f, _ := c.Latest()
	if !bytes.Equal(f.Data, frame) {
		t.Error("Latest frame is not the last JPEG written")
	}
	if got := c.NativeSize(); got.Width != 64 || got.Height != 48 {
		t.Errorf("NativeSize = %+v, want 64x48 from the JPEG header", got)
	}

	// Three frames, at most one pending wake-up.
	if len(c.Ready()) != 1 {
		t.Errorf("Expected exactly one pending ready signal, got %d", len(c.Ready()))
	}

	w.Close()
	<-c.Done()
	if !errors.Is(c.Err(), ErrEnded) {
		t.Errorf("Err() = %v, want ErrEnded", c.Err())
	}
	if _, ok := c.Latest(); ok {
		t.Error("Ended camera must not report a frame")
	}
}

func TestCamera_FrameSizeFromJPEGHeader(t *testing.T) {
	c := New(utils.CaptureInput{Device: "test"})
	// ffprobe reported a mode ffmpeg did not end up using.
	c.setNative(types.Size{Width: 1280, Height: 720})
	r, w := io.Pipe()
	c.startReader(r)
	defer w.Close()

	if _, err := w.Write(encodeJPEG(t, 640, 480)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := c.Latest()
		return ok
	})

	f, _ := c.Latest()
	if f.Size != (types.Size{Width: 640, Height: 480}) {
		t.Errorf("Frame size = %+v, want 640x480 from the JPEG header", f.Size)
	}
	if got := c.NativeSize(); got != (types.Size{Width: 640, Height: 480}) {
		t.Errorf("NativeSize = %+v, want 640x480", got)
	}
}

func TestCamera_StopIsCleanAndIdempotent(t *testing.T) {
	c := New(utils.CaptureInput{Device: "test"})
	r, w := io.Pipe()
	c.startReader(r)

	go func() {
		// The reader exits once the writer side is closed by the test below.
		<-time.After(10 * time.Millisecond)
		w.Close()
	}()
	c.Stop()
	c.Stop()

	if err := c.Err(); err != nil {
		t.Errorf("Err() after Stop = %v, want nil", err)
	}
}

func TestCamera_StopWithoutStart(t *testing.T) {
	c := New(utils.CaptureInput{Device: "test"})
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on an unstarted camera blocked")
	}
}

func TestCamera_WaitFirstFrame(t *testing.T) {
	c := New(utils.CaptureInput{Device: "test"})
	r, w := io.Pipe()
	c.startReader(r)

	go w.Write(encodeJPEG(t, 8, 8))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitFirstFrame(ctx); err != nil {
		t.Fatalf("WaitFirstFrame failed: %v", err)
	}
	w.Close()
	<-c.Done()

	c2 := New(utils.CaptureInput{Device: "test"})
	r2, w2 := io.Pipe()
	c2.startReader(r2)
	w2.Close()
	if err := c2.WaitFirstFrame(ctx); !errors.Is(err, ErrEnded) {
		t.Errorf("Expected ErrEnded from an empty stream, got %v", err)
	}
}

func TestCamera_DoubleStart(t *testing.T) {
	c := New(utils.CaptureInput{Device: "test"})
	r, w := io.Pipe()
	defer w.Close()
	c.startReader(r)
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}
