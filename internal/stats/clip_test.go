package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedian(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.True(t, math.IsNaN(Median(nil)))
}

func TestSigmaClipRejectsOutlier(t *testing.T) {
	t.Parallel()
	values := []float64{10, 10.1, 9.9, 10.05, 9.95, 10.02, 9.98, 500}
	c := SigmaClip(values, 2, 2, 5)

	assert.Equal(t, 1, c.Rejected)
	assert.Equal(t, 7, c.Kept)
	assert.InDelta(t, 10.0, c.Mean, 0.01)
	assert.InDelta(t, 10.0, c.Median, 0.03)
}

func TestSigmaClipDropsNonFinite(t *testing.T) {
	t.Parallel()
	c := SigmaClip([]float64{1, math.NaN(), 1, math.Inf(1)}, 3, 3, 3)
	assert.Equal(t, 2, c.Kept)
	assert.Equal(t, 2, c.Rejected)
	assert.Equal(t, 1.0, c.Mean)
	assert.Equal(t, 0.0, c.StdDev)
}

func TestSigmaClipEmpty(t *testing.T) {
	t.Parallel()
	c := SigmaClip(nil, 3, 3, 3)
	assert.Zero(t, c.Kept)
	assert.True(t, math.IsNaN(c.Mean))
}
