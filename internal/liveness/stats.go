package liveness

import (
	"image"
	"math"

	"github.com/example/faceguard/internal/imageprocessor"
)

// PatchStdDev returns the population standard deviation of the depth values
// inside r. Regions that miss the map entirely yield 0.
func PatchStdDev(m *imageprocessor.DepthMap, r image.Rectangle) float64 {
	r = r.Intersect(m.Bounds())
	if r.Empty() {
		return 0
	}

	n := float64(r.Dx() * r.Dy())
	var sum float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += float64(m.At(x, y))
		}
	}
	mean := sum / n

	var sq float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			d := float64(m.At(x, y)) - mean
			sq += d * d
		}
	}
	return math.Sqrt(sq / n)
}
