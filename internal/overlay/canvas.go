// Package overlay draws detection results over camera frames. The canvas
// holds exactly one picture: each Render replaces the previous one.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/facewatch/internal/geometry"
	"github.com/andresmejia3/facewatch/internal/loop"
	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	boxColor     = color.RGBA{0, 255, 0, 255}
	knownColor   = color.RGBA{0, 255, 0, 255}
	unknownColor = color.RGBA{255, 165, 0, 255}
	labelBack    = color.RGBA{0, 0, 0, 160}
	pointColor   = color.RGBA{255, 0, 255, 255}
)

const (
	lineWidth   = 2
	pointRadius = 1
	jpegQuality = 85
)

// Canvas is an in-memory render surface.
type Canvas struct {
	mu           sync.RWMutex
	display      types.Size
	snapshot     []byte
	instructions []loop.Instruction
	frameIndex   int
}

// NewCanvas creates a canvas of the given display size. A zero size means
// "same as the captured frame".
func NewCanvas(display types.Size) *Canvas {
	return &Canvas{display: display}
}

// DisplaySize returns the current display size.
func (c *Canvas) DisplaySize() types.Size {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.display
}

// SetDisplaySize resizes the canvas. The next tick picks it up.
func (c *Canvas) SetDisplaySize(s types.Size) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.display = s
}

// Render decodes frame, scales it to the display size and draws the
// instructions. Boxes are expected in display coordinates already.
func (c *Canvas) Render(frame types.Frame, instructions []loop.Instruction) error {
	src, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return fmt.Errorf("failed to decode frame %d: %w", frame.Index, err)
	}

	display := c.DisplaySize()
	if display.Width <= 0 || display.Height <= 0 {
		b := src.Bounds()
		display = types.Size{Width: b.Dx(), Height: b.Dy()}
	}

	resized := imaging.Resize(src, display.Width, display.Height, imaging.Linear)
	dst := image.NewRGBA(resized.Bounds())
	draw.Draw(dst, dst.Bounds(), resized, resized.Bounds().Min, draw.Src)

	for _, in := range instructions {
		drawInstruction(dst, in, display)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return fmt.Errorf("failed to encode frame %d: %w", frame.Index, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = buf.Bytes()
	c.instructions = append([]loop.Instruction(nil), instructions...)
	c.frameIndex = frame.Index
	return nil
}

// Snapshot returns the last rendered JPEG, if any.
func (c *Canvas) Snapshot() ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.snapshot != nil
}

// Instructions returns what the last render drew and the frame it drew on.
func (c *Canvas) Instructions() ([]loop.Instruction, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]loop.Instruction(nil), c.instructions...), c.frameIndex
}

// Clear drops the current picture.
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	c.instructions = nil
	c.frameIndex = 0
}

func drawInstruction(dst *image.RGBA, in loop.Instruction, display types.Size) {
	for _, p := range in.Landmarks {
		drawPoint(dst, int(p.X), int(p.Y), pointColor)
	}

	box := geometry.ClampBox(in.Box, display)
	x1, y1 := int(box.X), int(box.Y)
	x2, y2 := int(box.X+box.Width), int(box.Y+box.Height)
	if x2 <= x1 || y2 <= y1 {
		return
	}

	for w := range lineWidth {
		drawHLine(dst, x1, x2, y1+w, boxColor)
		drawHLine(dst, x1, x2, y2-w, boxColor)
		drawVLine(dst, y1, y2, x1+w, boxColor)
		drawVLine(dst, y1, y2, x2-w, boxColor)
	}

	nameColor := unknownColor
	if in.Known {
		nameColor = knownColor
	}
	drawLabel(dst, x1, y1-2, FaceLabel(in.Label, in.Age, in.Gender), nameColor)

	if in.Emotion != "" {
		drawLabel(dst, x1, y2+14, EmotionLabel(in.Emotion, in.EmotionScore), knownColor)
	}
}

// EmotionLabel formats the dominant emotion, e.g. "happy (90%)".
func EmotionLabel(e types.Emotion, score float64) string {
	return fmt.Sprintf("%s (%.0f%%)", e, score*100)
}

// FaceLabel appends the estimated age and gender when present,
// e.g. "Alice, 32, female".
func FaceLabel(name string, age *float64, gender string) string {
	if age != nil {
		name = fmt.Sprintf("%s, %.0f", name, *age)
	}
	if gender != "" {
		name += ", " + gender
	}
	return name
}

func drawPoint(dst *image.RGBA, x, y int, c color.RGBA) {
	r := image.Rect(x-pointRadius, y-pointRadius, x+pointRadius+1, y+pointRadius+1).Intersect(dst.Bounds())
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawLabel writes text with its baseline at y, on a dark backing strip.
func drawLabel(dst *image.RGBA, x, y int, text string, c color.Color) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	width := font.MeasureString(face, text).Ceil()
	back := image.Rect(x, y-face.Ascent, x+width, y+face.Descent)
	draw.Draw(dst, back.Intersect(dst.Bounds()), image.NewUniform(labelBack), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func drawHLine(dst *image.RGBA, x1, x2, y int, c color.RGBA) {
	bounds := dst.Bounds()
	if y < 0 || y >= bounds.Dy() {
		return
	}
	for x := x1; x <= x2; x++ {
		if x >= 0 && x < bounds.Dx() {
			dst.Set(x, y, c)
		}
	}
}

func drawVLine(dst *image.RGBA, y1, y2, x int, c color.RGBA) {
	bounds := dst.Bounds()
	if x < 0 || x >= bounds.Dx() {
		return
	}
	for y := y1; y <= y2; y++ {
		if y >= 0 && y < bounds.Dy() {
			dst.Set(x, y, c)
		}
	}
}
