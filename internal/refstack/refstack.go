// Package refstack combines several reference exposures of one field into a
// single deep reference with per-pixel iterative sigma clipping.
package refstack

import (
	"fmt"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
	"skydiff/internal/stats"
)

// Options control the per-pixel rejection.
type Options struct {
	SigmaLow   float64
	SigmaHigh  float64
	Iterations int
	MinSamples int // pixels with fewer surviving samples are flagged FlagNoData
	UseMedian  bool
}

// DefaultOptions mirrors the engine defaults: 3σ, median of survivors.
func DefaultOptions() Options {
	return Options{SigmaLow: 3, SigmaHigh: 3, Iterations: 5, MinSamples: 2, UseMedian: true}
}

// OptionsFromConfig applies the alignment section's stacking settings.
func OptionsFromConfig(cfg config.AlignmentConfig) Options {
	o := DefaultOptions()
	if cfg.StackSigma > 0 {
		o.SigmaLow, o.SigmaHigh = cfg.StackSigma, cfg.StackSigma
	}
	if cfg.StackMinSamples > 0 {
		o.MinSamples = cfg.StackMinSamples
	}
	return o
}

// Result is the combined reference plus rejection bookkeeping.
type Result struct {
	Image    imaging.Image
	Rejected int64
	NoData   int
}

// Combine stacks exposures that share one pixel grid. The first exposure
// supplies geometry and metadata. A single exposure is returned unchanged.
func Combine(exposures []imaging.Image, opts Options) (Result, error) {
	if len(exposures) == 0 {
		return Result{}, fmt.Errorf("no reference exposures")
	}
	first := exposures[0]
	if err := first.CheckShape(); err != nil {
		return Result{}, err
	}
	if len(exposures) == 1 {
		return Result{Image: first}, nil
	}
	for _, e := range exposures[1:] {
		if err := e.CheckShape(); err != nil {
			return Result{}, err
		}
		if e.Width != first.Width || e.Height != first.Height {
			return Result{}, fmt.Errorf("exposure %q is %dx%d, want %dx%d", e.ID, e.Width, e.Height, first.Width, first.Height)
		}
		if e.WCS != first.WCS {
			return Result{}, fmt.Errorf("exposure %q is not on the grid of %q", e.ID, first.ID)
		}
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 1
	}

	out := imaging.NewImage(first.Width, first.Height)
	out.ID = first.ID + "+stack"
	out.WCS = first.WCS
	out.Field, out.SensorRegion, out.Filter, out.Time = first.Field, first.SensorRegion, first.Filter, first.Time

	var result Result
	values := make([]float64, 0, len(exposures))
	for i := range out.Pixels {
		values = values[:0]
		for j := range exposures {
			if exposures[j].Usable(i) {
				values = append(values, exposures[j].Pixels[i])
			}
		}
		c := stats.SigmaClip(values, opts.SigmaLow, opts.SigmaHigh, opts.Iterations)
		result.Rejected += int64(c.Rejected)
		if c.Kept < opts.MinSamples {
			out.MarkFlag(i, imaging.FlagNoData)
			result.NoData++
			continue
		}
		if opts.UseMedian {
			out.Pixels[i] = c.Median
		} else {
			out.Pixels[i] = c.Mean
		}
	}
	result.Image = out
	return result, nil
}
