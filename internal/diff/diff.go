// Package diff turns an aligned pair into a difference map: residual flux,
// per-pixel noise from an injectable model, and significance. Compute is
// pure, so re-running a map unit yields bit-identical output.
package diff

import (
	"fmt"
	"math"

	"skydiff/internal/imaging"
)

// Computer applies one noise model.
type Computer struct {
	noise NoiseModel
}

// NewComputer returns a Computer using m.
func NewComputer(m NoiseModel) *Computer {
	return &Computer{noise: m}
}

// Compute subtracts the scaled reference and normalises by the noise.
// Invalid pixels stay invalid and carry NaN in every plane.
func (c *Computer) Compute(ap *imaging.AlignedPair) (imaging.DifferenceMap, error) {
	sci := &ap.Science
	dm := imaging.NewDifferenceMap(ap.PairID, sci)
	if len(ap.Reference) != len(sci.Pixels) || len(ap.Valid) != len(sci.Pixels) {
		return imaging.DifferenceMap{}, imaging.Errorf(imaging.KindInput, ap.PairID, "difference",
			"aligned planes have %d/%d entries for %d pixels", len(ap.Reference), len(ap.Valid), len(sci.Pixels))
	}

	nan := math.NaN()
	for i, ok := range ap.Valid {
		if ok {
			dm.Residual[i] = sci.Pixels[i] - ap.Scale*ap.Reference[i]
		} else {
			dm.Residual[i] = nan
		}
		dm.Noise[i] = nan
		dm.Significance[i] = nan
	}

	if err := c.noise.Estimate(ap, dm.Residual, dm.Noise); err != nil {
		return imaging.DifferenceMap{}, imaging.NewError(imaging.KindNoise, ap.PairID, c.noise.Name(), err)
	}

	for i, ok := range ap.Valid {
		if !ok {
			continue
		}
		s := dm.Noise[i]
		if !(s > 0) || math.IsInf(s, 0) {
			x, y := i%sci.Width, i/sci.Width
			return imaging.DifferenceMap{}, imaging.NewError(imaging.KindNoise, ap.PairID, c.noise.Name(),
				fmt.Errorf("sigma %g at pixel (%d,%d)", s, x, y))
		}
		dm.Valid[i] = true
		dm.Significance[i] = dm.Residual[i] / s
	}
	return dm, nil
}
