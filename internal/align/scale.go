package align

import (
	"fmt"
	"math"

	"skydiff/internal/stats"
)

// minScaleSamples is the fewest usable ratios median_ratio will trust.
const minScaleSamples = 16

// ScaleEstimator derives the photometric scale that maps reference flux onto
// the science image.
type ScaleEstimator interface {
	Name() string
	Estimate(sci, ref []float64, valid []bool) (float64, error)
}

// MedianRatio is the median of sci/ref over valid pixels whose reference
// flux exceeds MinReferenceFlux.
type MedianRatio struct {
	MinReferenceFlux float64
}

func (MedianRatio) Name() string { return "median_ratio" }

func (m MedianRatio) Estimate(sci, ref []float64, valid []bool) (float64, error) {
	ratios := make([]float64, 0, len(sci)/2)
	for i := range sci {
		if !valid[i] || ref[i] <= m.MinReferenceFlux {
			continue
		}
		ratios = append(ratios, sci[i]/ref[i])
	}
	if len(ratios) < minScaleSamples {
		return 0, fmt.Errorf("only %d pixels with reference flux above %g", len(ratios), m.MinReferenceFlux)
	}
	return stats.Median(ratios), nil
}

// Fixed returns a configured scale.
type Fixed struct {
	Scale float64
}

func (Fixed) Name() string { return "fixed" }

func (f Fixed) Estimate([]float64, []float64, []bool) (float64, error) {
	if f.Scale <= 0 || math.IsNaN(f.Scale) || math.IsInf(f.Scale, 0) {
		return 0, fmt.Errorf("fixed scale %g is not positive", f.Scale)
	}
	return f.Scale, nil
}
