// Package thumbs renders deterministic grayscale preview images from
// extracted imaging data. Identical input always yields byte-identical PNG
// output, so rebuilt records never churn their thumbnail files.
package thumbs

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"curator/internal/extractors"
)

// Suffix is appended to a data file's relative path to name its preview.
const Suffix = ".thumb.png"

// Renderer converts imaging datasets to square padded previews.
type Renderer struct {
	size        int
	clipPercent float64
}

// New returns a renderer producing size x size previews with the given
// percentile contrast clip (0 disables clipping).
func New(size int, clipPercent float64) *Renderer {
	if size <= 0 {
		size = 500
	}
	if clipPercent < 0 {
		clipPercent = 0
	}
	if clipPercent > 50 {
		clipPercent = 50
	}
	return &Renderer{size: size, clipPercent: clipPercent}
}

// Path returns the preview path for a data file's relative path.
func Path(relPath string) string {
	return relPath + Suffix
}

// Render produces the preview for a dataset. A degenerate dataset (empty,
// bad shape, non-finite values) yields the deterministic placeholder rather
// than an error; degraded reports when that happened so callers can flag the
// preview instead of passing it off as real imaging.
func (r *Renderer) Render(ds extractors.Dataset) (img image.Image, degraded bool) {
	frame, width, height := selectFrame(ds)
	if frame == nil || len(frame) < 2 || !allFinite(frame) {
		return r.Placeholder(), true
	}
	scaled := r.normalize(frame)
	resized, outW, outH := resample(scaled, width, height, r.size)
	return padSquare(resized, outW, outH, r.size), false
}

// WriteFile renders the dataset and writes it as a PNG at path, creating
// parent directories as needed. The degraded flag carries through from
// Render.
func (r *Renderer) WriteFile(path string, ds extractors.Dataset) (bool, error) {
	img, degraded := r.Render(ds)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return degraded, fmt.Errorf("create thumbnail directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return degraded, fmt.Errorf("create thumbnail: %w", err)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return degraded, fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := file.Close(); err != nil {
		return degraded, fmt.Errorf("close thumbnail: %w", err)
	}
	return degraded, nil
}

// Placeholder is the preview used when a file has no renderable imaging
// data: a mid-gray square with a darker inset border.
func (r *Renderer) Placeholder() image.Image {
	img := image.NewGray(image.Rect(0, 0, r.size, r.size))
	for y := 0; y < r.size; y++ {
		for x := 0; x < r.size; x++ {
			img.SetGray(x, y, color.Gray{Y: 0xd0})
		}
	}
	inset := r.size / 10
	for y := inset; y < r.size-inset; y++ {
		for x := inset; x < r.size-inset; x++ {
			onEdge := y == inset || y == r.size-inset-1 || x == inset || x == r.size-inset-1
			if onEdge {
				img.SetGray(x, y, color.Gray{Y: 0x60})
			}
		}
	}
	return img
}

// selectFrame picks the slice to preview: the whole image for single-frame
// data, the middle frame for stacks. Returns nil for unusable shapes.
func selectFrame(ds extractors.Dataset) ([]float64, int, int) {
	if ds.Width <= 0 || ds.Height <= 0 || len(ds.Pixels) == 0 {
		return nil, 0, 0
	}
	frames := ds.Frames
	if frames <= 0 {
		frames = 1
	}
	frameLen := ds.Width * ds.Height
	if frameLen*frames != len(ds.Pixels) {
		return nil, 0, 0
	}
	pick := frames / 2
	start := pick * frameLen
	return ds.Pixels[start : start+frameLen], ds.Width, ds.Height
}

func allFinite(pixels []float64) bool {
	for _, v := range pixels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// normalize maps pixel values to 0..255 after clipping the configured
// percentile from each end of the intensity distribution.
func (r *Renderer) normalize(pixels []float64) []float64 {
	lo, hi := clipBounds(pixels, r.clipPercent)
	out := make([]float64, len(pixels))
	span := hi - lo
	if span <= 0 {
		// Flat image: render mid-gray.
		for i := range out {
			out[i] = 128
		}
		return out
	}
	for i, v := range pixels {
		scaled := (v - lo) / span * 255
		out[i] = math.Max(0, math.Min(255, scaled))
	}
	return out
}

func clipBounds(pixels []float64, clipPercent float64) (float64, float64) {
	sorted := make([]float64, len(pixels))
	copy(sorted, pixels)
	sort.Float64s(sorted)
	n := len(sorted)
	cut := int(float64(n) * clipPercent / 100)
	if 2*cut >= n {
		cut = 0
	}
	return sorted[cut], sorted[n-1-cut]
}

// resample box-averages the frame down so its longer side fits the target.
// Images already within bounds pass through unscaled.
func resample(pixels []float64, width, height, target int) ([]float64, int, int) {
	if width <= target && height <= target {
		return pixels, width, height
	}
	scale := float64(target) / float64(width)
	if height > width {
		scale = float64(target) / float64(height)
	}
	outW := int(math.Max(1, math.Round(float64(width)*scale)))
	outH := int(math.Max(1, math.Round(float64(height)*scale)))

	out := make([]float64, outW*outH)
	for oy := 0; oy < outH; oy++ {
		y0 := oy * height / outH
		y1 := (oy + 1) * height / outH
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for ox := 0; ox < outW; ox++ {
			x0 := ox * width / outW
			x1 := (ox + 1) * width / outW
			if x1 <= x0 {
				x1 = x0 + 1
			}
			sum := 0.0
			for y := y0; y < y1; y++ {
				row := y * width
				for x := x0; x < x1; x++ {
					sum += pixels[row+x]
				}
			}
			out[oy*outW+ox] = sum / float64((y1-y0)*(x1-x0))
		}
	}
	return out, outW, outH
}

// padSquare centers the frame on a white square canvas of the target size.
func padSquare(pixels []float64, width, height, target int) image.Image {
	img := image.NewGray(image.Rect(0, 0, target, target))
	for y := 0; y < target; y++ {
		for x := 0; x < target; x++ {
			img.SetGray(x, y, color.Gray{Y: 0xff})
		}
	}
	offX := (target - width) / 2
	offY := (target - height) / 2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(math.Round(pixels[y*width+x]))
			img.SetGray(offX+x, offY+y, color.Gray{Y: v})
		}
	}
	return img
}
