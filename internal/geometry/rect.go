// Package geometry reconciles face rectangles between the coordinate space of
// a decoded frame and the fixed-size spaces that inference models work in.
package geometry

import "image"

// Scale maps r from a source frame of size src into a destination frame of
// size dst. Origin and extent are scaled independently and truncated to whole
// pixels, then the result is intersected with the destination frame.
//
// An empty result means there is no usable region; callers must not extract
// pixels from it.
func Scale(r image.Rectangle, src, dst image.Point) image.Rectangle {
	if src.X <= 0 || src.Y <= 0 || dst.X <= 0 || dst.Y <= 0 {
		return image.Rectangle{}
	}
	sx := float64(dst.X) / float64(src.X)
	sy := float64(dst.Y) / float64(src.Y)

	x := int(float64(r.Min.X) * sx)
	y := int(float64(r.Min.Y) * sy)
	w := int(float64(r.Dx()) * sx)
	h := int(float64(r.Dy()) * sy)

	return Clamp(image.Rect(x, y, x+w, y+h), image.Rectangle{Max: dst})
}

// Clamp intersects r with bounds. Rectangles that do not overlap bounds, or
// that have no area, collapse to the zero rectangle.
func Clamp(r, bounds image.Rectangle) image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	return r.Intersect(bounds)
}

// Dilate grows r by margin (a fraction of its width and height) split evenly
// across both sides of each axis, clamped to bounds. This is the context
// region handed to liveness models that need surrounding facial geometry.
func Dilate(r image.Rectangle, margin float64, bounds image.Rectangle) image.Rectangle {
	if r.Empty() {
		return image.Rectangle{}
	}
	if margin <= 0 {
		return Clamp(r, bounds)
	}
	dw := int(float64(r.Dx()) * margin)
	dh := int(float64(r.Dy()) * margin)

	x := max(bounds.Min.X, r.Min.X-dw/2)
	y := max(bounds.Min.Y, r.Min.Y-dh/2)
	return Clamp(image.Rect(x, y, x+r.Dx()+dw, y+r.Dy()+dh), bounds)
}

// Largest returns the rectangle with the greatest area. Ties keep the first
// candidate. The boolean is false when no candidate has positive area.
func Largest(rects []image.Rectangle) (image.Rectangle, bool) {
	var (
		best     image.Rectangle
		bestArea int
		found    bool
	)
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		if area := r.Dx() * r.Dy(); !found || area > bestArea {
			best, bestArea, found = r, area, true
		}
	}
	return best, found
}
