// Package geometry maps detection boxes from capture space to display space.
package geometry

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrInvalidGeometry is returned when a scale factor cannot be computed.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Scale returns the per-axis factors taking native pixels to display pixels.
// It must be called with the sizes current at the time of use; nothing is cached.
func Scale(native, display types.Size) (float64, float64, error) {
	if native.Width <= 0 || native.Height <= 0 {
		return 0, 0, fmt.Errorf("%w: native size %dx%d", ErrInvalidGeometry, native.Width, native.Height)
	}
	if display.Width < 0 || display.Height < 0 {
		return 0, 0, fmt.Errorf("%w: display size %dx%d", ErrInvalidGeometry, display.Width, display.Height)
	}
	return float64(display.Width) / float64(native.Width), float64(display.Height) / float64(native.Height), nil
}

// ScaleBox converts a box in native capture pixels to display pixels.
func ScaleBox(box types.Box, native, display types.Size) (types.Box, error) {
	sx, sy, err := Scale(native, display)
	if err != nil {
		return types.Box{}, err
	}
	return ScaleBoxBy(box, sx, sy), nil
}

// ScaleBoxBy multiplies every coordinate and dimension by the axis factor.
func ScaleBoxBy(box types.Box, sx, sy float64) types.Box {
	return types.Box{
		X:      box.X * sx,
		Y:      box.Y * sy,
		Width:  box.Width * sx,
		Height: box.Height * sy,
	}
}

// ScalePointsBy scales landmark points by the axis factors. nil stays nil.
func ScalePointsBy(pts []types.Point, sx, sy float64) []types.Point {
	if pts == nil {
		return nil
	}
	out := make([]types.Point, len(pts))
	for i, p := range pts {
		out[i] = types.Point{X: p.X * sx, Y: p.Y * sy}
	}
	return out
}

// ClampBox trims a box so it lies inside a surface of the given size.
func ClampBox(box types.Box, size types.Size) types.Box {
	x1 := max(box.X, 0)
	y1 := max(box.Y, 0)
	x2 := min(box.X+box.Width, float64(size.Width))
	y2 := min(box.Y+box.Height, float64(size.Height))
	if x2 <= x1 || y2 <= y1 {
		return types.Box{X: x1, Y: y1}
	}
	return types.Box{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
