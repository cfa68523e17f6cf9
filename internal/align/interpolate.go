package align

import (
	"math"

	"skydiff/internal/imaging"
)

// snap absorbs round-off from the pixel→sky→pixel round trip so that an
// identity mapping samples exactly one source pixel.
const snap = 1e-6

// Interpolator samples a source image at fractional pixel coordinates.
// ok is false when any contributing source pixel is out of bounds or unusable.
type Interpolator interface {
	Name() string
	Sample(src *imaging.Image, x, y float64) (v float64, ok bool)
}

// Bilinear weights the four neighbouring pixels.
type Bilinear struct{}

func (Bilinear) Name() string { return "bilinear" }

func (Bilinear) Sample(src *imaging.Image, x, y float64) (float64, bool) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	x0, fx := split(x)
	y0, fy := split(y)

	var sum float64
	for dy := 0; dy <= 1; dy++ {
		wy := 1 - fy
		if dy == 1 {
			wy = fy
		}
		if wy == 0 {
			continue
		}
		for dx := 0; dx <= 1; dx++ {
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			if wx == 0 {
				continue
			}
			px, py := x0+dx, y0+dy
			if px < 0 || py < 0 || px >= src.Width || py >= src.Height {
				return 0, false
			}
			i := src.Index(px, py)
			if !src.Usable(i) {
				return 0, false
			}
			sum += wx * wy * src.Pixels[i]
		}
	}
	return sum, true
}

func split(v float64) (int, float64) {
	base := math.Floor(v)
	frac := v - base
	if frac < snap {
		frac = 0
	} else if frac > 1-snap {
		base++
		frac = 0
	}
	return int(base), frac
}

// Nearest takes the closest pixel.
type Nearest struct{}

func (Nearest) Name() string { return "nearest" }

func (Nearest) Sample(src *imaging.Image, x, y float64) (float64, bool) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	px, py := int(math.Floor(x+0.5)), int(math.Floor(y+0.5))
	if px < 0 || py < 0 || px >= src.Width || py >= src.Height {
		return 0, false
	}
	i := src.Index(px, py)
	if !src.Usable(i) {
		return 0, false
	}
	return src.Pixels[i], true
}
