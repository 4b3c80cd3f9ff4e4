package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/andresmejia3/facewatch/internal/loop"
	"github.com/andresmejia3/facewatch/internal/types"
)

func testFrame(t *testing.T, index, w, h int) types.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{0, 0, 80, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return types.Frame{Index: index, Data: buf.Bytes(), Size: types.Size{Width: w, Height: h}}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Snapshot is not a JPEG: %v", err)
	}
	return img
}

func isGreenish(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return g>>8 > 150 && r>>8 < 100 && b>>8 < 100
}

func TestRender_ScalesToDisplaySize(t *testing.T) {
	c := NewCanvas(types.Size{Width: 160, Height: 120})
	if _, ok := c.Snapshot(); ok {
		t.Fatal("Expected no snapshot before the first render")
	}

	if err := c.Render(testFrame(t, 1, 320, 240), nil); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	snap, ok := c.Snapshot()
	if !ok {
		t.Fatal("Expected a snapshot after render")
	}
	if b := decode(t, snap).Bounds(); b.Dx() != 160 || b.Dy() != 120 {
		t.Errorf("Snapshot is %dx%d, want 160x120", b.Dx(), b.Dy())
	}
}

func TestRender_ZeroDisplayUsesFrameSize(t *testing.T) {
	c := NewCanvas(types.Size{})
	if err := c.Render(testFrame(t, 1, 64, 48), nil); err != nil {
		t.Fatal(err)
	}
	snap, _ := c.Snapshot()
	if b := decode(t, snap).Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("Snapshot is %dx%d, want 64x48", b.Dx(), b.Dy())
	}
}

func TestRender_DrawsBoxAndReplacesPrevious(t *testing.T) {
	c := NewCanvas(types.Size{Width: 200, Height: 200})
	instr := []loop.Instruction{{
		Box:          types.Box{X: 50, Y: 50, Width: 100, Height: 100},
		Label:        "Alice",
		Known:        true,
		Emotion:      types.Happy,
		EmotionScore: 0.9,
	}}
	if err := c.Render(testFrame(t, 1, 200, 200), instr); err != nil {
		t.Fatal(err)
	}

	img := decode(t, mustSnapshot(t, c))
	// Middle of the left edge of the box.
	if !isGreenish(img.At(50, 100)) {
		t.Errorf("Expected box outline at (50,100), got %v", img.At(50, 100))
	}
	if got, idx := c.Instructions(); len(got) != 1 || idx != 1 {
		t.Errorf("Instructions() = %d items on frame %d", len(got), idx)
	}

	// Next tick with no faces: the old box must be gone.
	if err := c.Render(testFrame(t, 2, 200, 200), nil); err != nil {
		t.Fatal(err)
	}
	img = decode(t, mustSnapshot(t, c))
	if isGreenish(img.At(50, 100)) {
		t.Error("Previous tick's box is still drawn")
	}
	if got, idx := c.Instructions(); len(got) != 0 || idx != 2 {
		t.Errorf("Instructions() = %d items on frame %d, want 0 on frame 2", len(got), idx)
	}
}

func TestRender_BoxOutsideSurfaceIsClamped(t *testing.T) {
	c := NewCanvas(types.Size{Width: 100, Height: 100})
	instr := []loop.Instruction{
		{Box: types.Box{X: -20, Y: -20, Width: 200, Height: 200}, Label: "Unknown"},
		{Box: types.Box{X: 500, Y: 500, Width: 10, Height: 10}, Label: "Gone"},
	}
	if err := c.Render(testFrame(t, 1, 100, 100), instr); err != nil {
		t.Fatalf("Render must tolerate out-of-bounds boxes: %v", err)
	}
}

func TestRender_BadFrame(t *testing.T) {
	c := NewCanvas(types.Size{Width: 10, Height: 10})
	if err := c.Render(types.Frame{Index: 3, Data: []byte("nope")}, nil); err == nil {
		t.Error("Expected decode error")
	}
	if _, ok := c.Snapshot(); ok {
		t.Error("A failed render must not produce a snapshot")
	}
}

func TestDrawInstruction_Landmarks(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 100, 100))
	drawInstruction(dst, loop.Instruction{
		Box:       types.Box{X: 20, Y: 20, Width: 60, Height: 60},
		Label:     "Unknown",
		Landmarks: []types.Point{{X: 40, Y: 45}, {X: 60, Y: 45}, {X: 99, Y: 0}},
	}, types.Size{Width: 100, Height: 100})

	for _, p := range []image.Point{{40, 45}, {41, 46}, {60, 45}, {99, 0}} {
		if got := dst.RGBAAt(p.X, p.Y); got != pointColor {
			t.Errorf("pixel %v = %v, want landmark color", p, got)
		}
	}
	if got := dst.RGBAAt(50, 60); got == pointColor {
		t.Error("Landmark color outside any landmark")
	}
}

func TestFaceLabel(t *testing.T) {
	age := 31.6
	tests := []struct {
		name   string
		age    *float64
		gender string
		want   string
	}{
		{"Name only", nil, "", "Alice"},
		{"Age and gender", &age, "female", "Alice, 32, female"},
		{"Gender only", nil, "male", "Alice, male"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FaceLabel("Alice", tt.age, tt.gender); got != tt.want {
				t.Errorf("FaceLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmotionLabel(t *testing.T) {
	if got := EmotionLabel(types.Happy, 0.9); got != "happy (90%)" {
		t.Errorf("EmotionLabel = %q", got)
	}
}

func mustSnapshot(t *testing.T, c *Canvas) []byte {
	t.Helper()
	snap, ok := c.Snapshot()
	if !ok {
		t.Fatal("No snapshot")
	}
	return snap
}
