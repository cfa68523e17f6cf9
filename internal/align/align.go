// Package align resamples the reference exposure of a pair onto the science
// pixel grid and estimates the photometric scale between them.
package align

import (
	"fmt"
	"math"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
)

// Options configure an Aligner.
type Options struct {
	Interpolation    string
	ScaleEstimator   string
	FixedScale       float64
	MinOverlap       float64
	ScaleMin         float64
	ScaleMax         float64
	MinReferenceFlux float64
}

// OptionsFromConfig copies the alignment section of the engine config.
func OptionsFromConfig(cfg config.AlignmentConfig) Options {
	return Options{
		Interpolation:    cfg.Interpolation,
		ScaleEstimator:   cfg.ScaleEstimator,
		FixedScale:       cfg.FixedScale,
		MinOverlap:       cfg.MinOverlap,
		ScaleMin:         cfg.ScaleMin,
		ScaleMax:         cfg.ScaleMax,
		MinReferenceFlux: cfg.MinReferenceFlux,
	}
}

// Aligner selects an interpolator and scale estimator by name.
type Aligner struct {
	opts          Options
	interpolators map[string]Interpolator
	estimators    map[string]ScaleEstimator
}

// New registers the built-in interpolators and estimators and checks that
// the configured names resolve.
func New(opts Options) (*Aligner, error) {
	a := &Aligner{
		opts:          opts,
		interpolators: make(map[string]Interpolator),
		estimators:    make(map[string]ScaleEstimator),
	}
	a.RegisterInterpolator(Bilinear{})
	a.RegisterInterpolator(Nearest{})
	a.RegisterEstimator(MedianRatio{MinReferenceFlux: opts.MinReferenceFlux})
	a.RegisterEstimator(Fixed{Scale: opts.FixedScale})

	if _, err := a.interpolator(); err != nil {
		return nil, err
	}
	if _, err := a.estimator(); err != nil {
		return nil, err
	}
	return a, nil
}

// RegisterInterpolator adds or replaces an interpolator.
func (a *Aligner) RegisterInterpolator(i Interpolator) {
	if i != nil {
		a.interpolators[i.Name()] = i
	}
}

// RegisterEstimator adds or replaces a scale estimator.
func (a *Aligner) RegisterEstimator(e ScaleEstimator) {
	if e != nil {
		a.estimators[e.Name()] = e
	}
}

func (a *Aligner) interpolator() (Interpolator, error) {
	name := a.opts.Interpolation
	if name == "" {
		name = "bilinear"
	}
	i, ok := a.interpolators[name]
	if !ok {
		return nil, fmt.Errorf("unknown interpolation %q", name)
	}
	return i, nil
}

func (a *Aligner) estimator() (ScaleEstimator, error) {
	name := a.opts.ScaleEstimator
	if name == "" {
		name = "median_ratio"
	}
	e, ok := a.estimators[name]
	if !ok {
		return nil, fmt.Errorf("unknown scale estimator %q", name)
	}
	return e, nil
}

// Align maps every science pixel through the sky onto the reference grid,
// samples the reference there and derives the photometric scale. Science
// pixels that land outside the reference image are flagged
// FlagOutOfFootprint on the returned copy; the overlap is the fraction of
// pixels that land inside it, whether or not the reference is masked there.
func (a *Aligner) Align(pair *imaging.ImagePair) (imaging.AlignedPair, error) {
	if err := pair.Validate(); err != nil {
		return imaging.AlignedPair{}, err
	}
	sci, ref := &pair.Science, &pair.Reference
	if err := sci.WCS.Validate(); err != nil {
		return imaging.AlignedPair{}, imaging.NewError(imaging.KindAlignment, pair.ID, "science mapping", err)
	}
	if err := ref.WCS.Validate(); err != nil {
		return imaging.AlignedPair{}, imaging.NewError(imaging.KindAlignment, pair.ID, "reference mapping", err)
	}
	interp, err := a.interpolator()
	if err != nil {
		return imaging.AlignedPair{}, imaging.NewError(imaging.KindAlignment, pair.ID, "resample", err)
	}

	n := sci.Width * sci.Height
	out := *sci
	if sci.Flags != nil {
		out.Flags = append([]imaging.Flag(nil), sci.Flags...)
	}
	resampled := make([]float64, n)
	valid := make([]bool, n)
	inside := 0
	for y := 0; y < sci.Height; y++ {
		for x := 0; x < sci.Width; x++ {
			i := sci.Index(x, y)
			c := sci.WCS.PixelToSky(float64(x), float64(y))
			rx, ry, ok := ref.WCS.SkyToPixel(c)
			if !ok || !inFootprint(ref, rx, ry) {
				resampled[i] = math.NaN()
				out.MarkFlag(i, imaging.FlagOutOfFootprint)
				continue
			}
			inside++
			v, ok := interp.Sample(ref, rx, ry)
			if !ok {
				resampled[i] = math.NaN()
				continue
			}
			resampled[i] = v
			valid[i] = sci.Usable(i)
		}
	}

	overlap := float64(inside) / float64(n)
	if overlap < a.opts.MinOverlap {
		return imaging.AlignedPair{}, imaging.Errorf(imaging.KindAlignment, pair.ID, "footprint",
			"overlap %.3f below minimum %.3f", overlap, a.opts.MinOverlap)
	}

	est, err := a.estimator()
	if err != nil {
		return imaging.AlignedPair{}, imaging.NewError(imaging.KindPhotometric, pair.ID, "scale", err)
	}
	scale, err := est.Estimate(sci.Pixels, resampled, valid)
	if err != nil {
		return imaging.AlignedPair{}, imaging.NewError(imaging.KindPhotometric, pair.ID, "scale", err)
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale < a.opts.ScaleMin || scale > a.opts.ScaleMax {
		return imaging.AlignedPair{}, imaging.Errorf(imaging.KindPhotometric, pair.ID, "scale",
			"scale %g outside [%g, %g]", scale, a.opts.ScaleMin, a.opts.ScaleMax)
	}

	return imaging.AlignedPair{
		PairID:    pair.ID,
		Science:   out,
		Reference: resampled,
		Valid:     valid,
		Scale:     scale,
		Overlap:   overlap,
	}, nil
}

// inFootprint reports whether the nearest reference pixel to (x, y) exists.
func inFootprint(ref *imaging.Image, x, y float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	return x >= -0.5 && y >= -0.5 && x < float64(ref.Width)-0.5 && y < float64(ref.Height)-0.5
}
