// Package extract finds connected regions of significant residual in a
// difference map and summarises each one as a Candidate.
package extract

import (
	"fmt"
	"math"
	"sort"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
)

// Options control detection.
type Options struct {
	Threshold    float64 // |significance| strictly above this flags a pixel
	MinPixels    int
	Connectivity int // 4 or 8
	MinSNR       float64
	BorderPixels int
}

// OptionsFromConfig copies the detection section of the engine config.
func OptionsFromConfig(cfg config.DetectionConfig) Options {
	return Options{
		Threshold:    cfg.Threshold,
		MinPixels:    cfg.MinPixels,
		Connectivity: cfg.Connectivity,
		MinSNR:       cfg.MinSNR,
		BorderPixels: cfg.BorderPixels,
	}
}

// Extractor labels blobs with fixed options.
type Extractor struct {
	opts Options
}

// New validates opts.
func New(opts Options) (*Extractor, error) {
	if opts.Connectivity != 4 && opts.Connectivity != 8 {
		return nil, fmt.Errorf("connectivity must be 4 or 8, got %d", opts.Connectivity)
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %g", opts.Threshold)
	}
	if opts.MinPixels < 1 {
		opts.MinPixels = 1
	}
	return &Extractor{opts: opts}, nil
}

var (
	neighbours4 = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	neighbours8 = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
)

type blob struct {
	first  int
	pixels int
	weight float64
	sumX   float64
	sumY   float64
	flux   float64
	peak   float64
	varSum float64
	bounds imaging.Box
}

// Extract returns the candidates of dm sorted by SNR descending; ties keep
// raster order of each blob's first pixel. Output is deterministic.
func (e *Extractor) Extract(dm *imaging.DifferenceMap) ([]imaging.Candidate, error) {
	w, h := dm.Width, dm.Height
	n := w * h
	if len(dm.Significance) != n || len(dm.Valid) != n || len(dm.Residual) != n || len(dm.Noise) != n {
		return nil, imaging.Errorf(imaging.KindInput, dm.PairID, "extract", "difference planes do not match %dx%d", w, h)
	}

	sign := make([]int8, n)
	for i, ok := range dm.Valid {
		if !ok {
			continue
		}
		s := dm.Significance[i]
		switch {
		case s > e.opts.Threshold:
			sign[i] = 1
		case s < -e.opts.Threshold:
			sign[i] = -1
		}
	}

	nbrs := neighbours8
	if e.opts.Connectivity == 4 {
		nbrs = neighbours4
	}

	visited := make([]bool, n)
	var blobs []blob
	queue := make([]int, 0, 64)
	for start := 0; start < n; start++ {
		if sign[start] == 0 || visited[start] {
			continue
		}
		sx, sy := start%w, start/w
		b := blob{first: start, bounds: imaging.Box{MinX: sx, MinY: sy, MaxX: sx, MaxY: sy}}
		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			x, y := i%w, i/w
			b.add(x, y, dm.Residual[i], dm.Noise[i], dm.Significance[i])
			for _, d := range nbrs {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if visited[j] || sign[j] == 0 {
					continue
				}
				visited[j] = true
				queue = append(queue, j)
			}
		}
		blobs = append(blobs, b)
	}

	cands := make([]imaging.Candidate, 0, len(blobs))
	firsts := make([]int, 0, len(blobs))
	for _, b := range blobs {
		if b.pixels < e.opts.MinPixels {
			continue
		}
		c := e.candidate(dm, &b)
		if e.opts.MinSNR > 0 && c.SNR < e.opts.MinSNR {
			continue
		}
		if e.opts.BorderPixels > 0 && nearBorder(c.X, c.Y, w, h, e.opts.BorderPixels) {
			continue
		}
		cands = append(cands, c)
		firsts = append(firsts, b.first)
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := cands[order[a]], cands[order[b]]
		if ca.SNR != cb.SNR {
			return ca.SNR > cb.SNR
		}
		return firsts[order[a]] < firsts[order[b]]
	})
	out := make([]imaging.Candidate, len(cands))
	for rank, idx := range order {
		c := cands[idx]
		c.ID = fmt.Sprintf("%s-%04d", dm.PairID, rank)
		out[rank] = c
	}
	return out, nil
}

func (b *blob) add(x, y int, residual, noise, sig float64) {
	wgt := math.Abs(residual)
	b.pixels++
	b.weight += wgt
	b.sumX += wgt * float64(x)
	b.sumY += wgt * float64(y)
	b.flux += residual
	b.varSum += noise * noise
	if a := math.Abs(sig); a > b.peak {
		b.peak = a
	}
	b.bounds.MinX = min(b.bounds.MinX, x)
	b.bounds.MinY = min(b.bounds.MinY, y)
	b.bounds.MaxX = max(b.bounds.MaxX, x)
	b.bounds.MaxY = max(b.bounds.MaxY, y)
}

func (e *Extractor) candidate(dm *imaging.DifferenceMap, b *blob) imaging.Candidate {
	var cx, cy float64
	if b.weight > 0 {
		cx, cy = b.sumX/b.weight, b.sumY/b.weight
	} else {
		cx = float64(b.bounds.MinX+b.bounds.MaxX) / 2
		cy = float64(b.bounds.MinY+b.bounds.MaxY) / 2
	}
	snr := 0.0
	if b.varSum > 0 {
		snr = math.Abs(b.flux) / math.Sqrt(b.varSum)
	}
	return imaging.Candidate{
		PairID:           dm.PairID,
		X:                cx,
		Y:                cy,
		Coord:            dm.WCS.PixelToSky(cx, cy),
		Flux:             b.flux,
		PeakSignificance: b.peak,
		SNR:              snr,
		Pixels:           b.pixels,
		Bounds:           b.bounds,
		Field:            dm.Field,
		SensorRegion:     dm.SensorRegion,
		Filter:           dm.Filter,
		Time:             dm.Time,
	}
}

func nearBorder(x, y float64, w, h, border int) bool {
	b := float64(border)
	return x < b || y < b || x > float64(w-1)-b || y > float64(h-1)-b
}
