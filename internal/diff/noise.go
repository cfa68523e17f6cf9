package diff

import (
	"fmt"
	"math"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
	"skydiff/internal/stats"
)

// NoiseModel fills sigma for every valid pixel of an aligned pair.
// residual holds sci − scale·ref at valid pixels.
type NoiseModel interface {
	Name() string
	Estimate(ap *imaging.AlignedPair, residual, sigma []float64) error
}

// Quadrature adds the per-image variances: for each image
// var(x) = max(x,0)/gain + read², with gain ≤ 0 dropping the Poisson term,
// and the reference variance is scaled by scale². Floor is added in quadrature.
type Quadrature struct {
	ScienceGain        float64
	ScienceReadNoise   float64
	ReferenceGain      float64
	ReferenceReadNoise float64
	Floor              float64
}

func (Quadrature) Name() string { return "quadrature" }

func pixelVariance(x, gain, read float64) float64 {
	v := read * read
	if gain > 0 && x > 0 {
		v += x / gain
	}
	return v
}

func (q Quadrature) Estimate(ap *imaging.AlignedPair, _ []float64, sigma []float64) error {
	s2 := ap.Scale * ap.Scale
	floor2 := q.Floor * q.Floor
	for i, ok := range ap.Valid {
		if !ok {
			continue
		}
		v := pixelVariance(ap.Science.Pixels[i], q.ScienceGain, q.ScienceReadNoise) +
			s2*pixelVariance(ap.Reference[i], q.ReferenceGain, q.ReferenceReadNoise) +
			floor2
		sigma[i] = math.Sqrt(v)
	}
	return nil
}

// ClippedBackground assigns every valid pixel the sigma-clipped standard
// deviation of the residual, for data without a calibrated detector model.
type ClippedBackground struct {
	Sigma      float64
	Iterations int
}

func (ClippedBackground) Name() string { return "clipped" }

func (c ClippedBackground) Estimate(ap *imaging.AlignedPair, residual, sigma []float64) error {
	values := make([]float64, 0, len(residual))
	for i, ok := range ap.Valid {
		if ok {
			values = append(values, residual[i])
		}
	}
	if len(values) == 0 {
		return fmt.Errorf("no valid pixels for background estimate")
	}
	clipped := stats.SigmaClip(values, c.Sigma, c.Sigma, c.Iterations)
	for i, ok := range ap.Valid {
		if ok {
			sigma[i] = clipped.StdDev
		}
	}
	return nil
}

// ModelFromConfig builds the configured noise model.
func ModelFromConfig(cfg config.NoiseConfig) (NoiseModel, error) {
	switch cfg.Model {
	case "", "quadrature":
		return Quadrature{
			ScienceGain:        cfg.ScienceGain,
			ScienceReadNoise:   cfg.ScienceReadNoise,
			ReferenceGain:      cfg.ReferenceGain,
			ReferenceReadNoise: cfg.ReferenceReadNoise,
			Floor:              cfg.Floor,
		}, nil
	case "clipped":
		return ClippedBackground{Sigma: cfg.ClipSigma, Iterations: cfg.ClipIterations}, nil
	default:
		return nil, fmt.Errorf("unknown noise model %q", cfg.Model)
	}
}
