package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Default decode limits.
const (
	DefaultMaxBytes  = 10 << 20
	DefaultMaxPixels = 40_000_000
)

var (
	// ErrImageEmpty covers empty payloads and images with no pixels.
	ErrImageEmpty = errors.New("image empty")
	// ErrImageTooLarge is returned when a payload or its pixel count exceeds the limits.
	ErrImageTooLarge = errors.New("image too large")
)

// ImageDecoder decodes JPEG, PNG, GIF, BMP, TIFF and WebP payloads into RGBA
// frames that the pipeline owns and may clear after use.
type ImageDecoder struct {
	maxBytes  int
	maxPixels int
}

// NewImageDecoder constructs a decoder. Non-positive limits fall back to the defaults.
func NewImageDecoder(maxBytes, maxPixels int) *ImageDecoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &ImageDecoder{maxBytes: maxBytes, maxPixels: maxPixels}
}

// Decode implements Decoder.
func (d *ImageDecoder) Decode(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, ErrImageEmpty
	}
	if len(data) > d.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageEmpty, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrImageEmpty
	}
	if cfg.Width*cfg.Height > d.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageEmpty, err)
	}
	return ToRGBA(img), nil
}

// ToRGBA copies img into a fresh RGBA buffer anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Crop copies the region r of frame into a new RGBA image. The copy keeps
// later mutations of frame from reaching the crop.
func Crop(frame image.Image, r image.Rectangle) *image.RGBA {
	r = r.Intersect(frame.Bounds())
	if r.Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, r.Min, draw.Src)
	return dst
}

// Clear zeroes every pixel of img in place.
func Clear(img *image.RGBA) {
	if img == nil {
		return
	}
	clear(img.Pix)
}
