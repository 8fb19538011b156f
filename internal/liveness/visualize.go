package liveness

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/example/faceguard/internal/imageprocessor"
)

// Sink receives depth verdicts for offline inspection.
type Sink interface {
	Publish(frame image.Image, depth *imageprocessor.DepthMap, face image.Rectangle, v Verdict)
}

var (
	rectColor  = color.RGBA{G: 255, A: 255}
	labelColor = color.RGBA{G: 255, A: 255}
)

// magma anchors, sampled at equal steps from 0 to 255.
var magma = []color.RGBA{
	{0, 0, 4, 255},
	{28, 16, 68, 255},
	{79, 18, 123, 255},
	{129, 37, 129, 255},
	{181, 54, 122, 255},
	{229, 80, 100, 255},
	{251, 135, 97, 255},
	{254, 194, 135, 255},
	{252, 253, 191, 255},
}

func magmaAt(v uint8) color.RGBA {
	pos := float64(v) / 255 * float64(len(magma)-1)
	i := int(pos)
	if i >= len(magma)-1 {
		return magma[len(magma)-1]
	}
	t := pos - float64(i)
	a, b := magma[i], magma[i+1]
	lerp := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5) }
	return color.RGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}

// Colorize maps a depth map onto the magma palette after min-max normalisation.
func Colorize(m *imageprocessor.DepthMap) *image.RGBA {
	img := image.NewRGBA(m.Bounds())
	lo, hi := m.Range()
	span := hi - lo
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			var v uint8
			if span > 0 {
				v = uint8((m.At(x, y) - lo) / span * 255)
			}
			img.SetRGBA(x, y, magmaAt(v))
		}
	}
	return img
}

// Render builds the debug picture: the colorized depth map resized to the
// frame, the face rectangle and the verdict label.
func Render(frame image.Image, depth *imageprocessor.DepthMap, face image.Rectangle, v Verdict) *image.RGBA {
	bounds := image.Rectangle{Max: frame.Bounds().Size()}
	out := image.NewRGBA(bounds)
	colored := Colorize(depth)
	draw.BiLinear.Scale(out, bounds, colored, colored.Bounds(), draw.Src, nil)

	face = face.Sub(frame.Bounds().Min).Intersect(bounds)
	strokeRect(out, face, 2)

	d := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(face.Min.X, max(face.Min.Y-5, 13)),
	}
	d.DrawString(v.Label())
	return out
}

func strokeRect(img *image.RGBA, r image.Rectangle, width int) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(rectColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// FileSink writes the most recent debug picture to a JPEG file. Rendering
// happens on the caller's goroutine so the frame may be released right after
// Publish returns; the file write happens in the background.
type FileSink struct {
	path    string
	logger  *zap.Logger
	writeMu sync.Mutex
	pending sync.WaitGroup
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string, logger *zap.Logger) *FileSink {
	return &FileSink{path: path, logger: logger.Named("liveness_debug")}
}

// Publish implements Sink.
func (s *FileSink) Publish(frame image.Image, depth *imageprocessor.DepthMap, face image.Rectangle, v Verdict) {
	img := Render(frame, depth, face, v)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.write(img); err != nil {
			s.logger.Warn("failed to write liveness debug image", zap.String("path", s.path), zap.Error(err))
		}
	}()
}

// Wait blocks until every queued write has finished.
func (s *FileSink) Wait() {
	s.pending.Wait()
}

func (s *FileSink) write(img image.Image) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
