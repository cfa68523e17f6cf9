// Package stats provides the robust estimators shared by reference stacking,
// photometric scaling and background noise estimation.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Clipped summarises the values that survived sigma clipping.
type Clipped struct {
	Mean     float64
	Median   float64
	StdDev   float64
	Kept     int
	Rejected int
}

// Median returns the median of values without modifying them. NaN for no input.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sortedMedian(sorted)
}

func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// SigmaClip iteratively rejects values further than sigmaLow/sigmaHigh
// standard deviations below/above the median, until nothing is rejected or
// maxIterations is reached. Non-finite values are rejected up front.
func SigmaClip(values []float64, sigmaLow, sigmaHigh float64, maxIterations int) Clipped {
	active := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			active = append(active, v)
		}
	}
	rejected := len(values) - len(active)
	if len(active) == 0 {
		return Clipped{Mean: math.NaN(), Median: math.NaN(), StdDev: math.NaN(), Rejected: rejected}
	}
	sort.Float64s(active)

	for iteration := 0; iteration < maxIterations && len(active) > 2; iteration++ {
		center := sortedMedian(active)
		_, std := stat.PopMeanStdDev(active, nil)
		if std == 0 {
			break
		}
		lo, hi := center-sigmaLow*std, center+sigmaHigh*std

		// active is sorted, so survivors form one contiguous run.
		start := sort.SearchFloat64s(active, lo)
		end := sort.Search(len(active), func(i int) bool { return active[i] > hi })
		if start == 0 && end == len(active) {
			break
		}
		rejected += len(active) - (end - start)
		active = active[start:end]
	}

	mean, std := stat.PopMeanStdDev(active, nil)
	return Clipped{
		Mean:     mean,
		Median:   sortedMedian(active),
		StdDev:   std,
		Kept:     len(active),
		Rejected: rejected,
	}
}

// Quantile returns the empirical p-quantile of values.
func Quantile(p float64, values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
