package imageprocessor

import (
	"fmt"
	"image"
)

// DepthMap is a single-channel grid of model-relative depth values stored in
// row-major order.
type DepthMap struct {
	Width  int
	Height int
	Values []float32
}

// NewDepthMap validates the dimensions against the value count.
func NewDepthMap(width, height int, values []float32) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid depth map size %dx%d", width, height)
	}
	if len(values) != width*height {
		return nil, fmt.Errorf("depth map has %d values, want %d", len(values), width*height)
	}
	return &DepthMap{Width: width, Height: height, Values: values}, nil
}

// Size reports the map dimensions as a point.
func (m *DepthMap) Size() image.Point {
	return image.Pt(m.Width, m.Height)
}

// Bounds returns the full map rectangle.
func (m *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// At returns the value at (x, y). Coordinates must lie inside Bounds.
func (m *DepthMap) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}

// Range returns the minimum and maximum value in the map.
func (m *DepthMap) Range() (lo, hi float32) {
	if len(m.Values) == 0 {
		return 0, 0
	}
	lo, hi = m.Values[0], m.Values[0]
	for _, v := range m.Values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}
