package align

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydiff/internal/imaging"
	"skydiff/internal/sky"
)

var center = sky.Coord{RA: 150, Dec: 2}

func defaultOptions() Options {
	return Options{
		Interpolation:    "bilinear",
		ScaleEstimator:   "median_ratio",
		FixedScale:       1,
		MinOverlap:       0.5,
		ScaleMin:         0.1,
		ScaleMax:         10,
		MinReferenceFlux: 1e-6,
	}
}

func makePair(w, h int, sciWCS, refWCS sky.WCS, sciFn, refFn func(x, y int) float64) imaging.ImagePair {
	sci := imaging.NewImage(w, h)
	ref := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sci.Set(x, y, sciFn(x, y))
			ref.Set(x, y, refFn(x, y))
		}
	}
	sci.WCS, ref.WCS = sciWCS, refWCS
	for _, im := range []*imaging.Image{&sci, &ref} {
		im.Field, im.SensorRegion, im.Filter = "f", "ccd", "r"
	}
	sci.Time = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return imaging.ImagePair{ID: "p", Science: sci, Reference: ref}
}

func TestAlignIdentityMapping(t *testing.T) {
	t.Parallel()
	w := sky.SimpleWCS(center, 20, 20, 1)
	pair := makePair(40, 40, w, w,
		func(x, y int) float64 { return float64(100 + x + y) },
		func(x, y int) float64 { return float64(100+x+y) / 2 })

	a, err := New(defaultOptions())
	require.NoError(t, err)
	out, err := a.Align(&pair)
	require.NoError(t, err)

	assert.Equal(t, 1.0, out.Overlap)
	assert.InDelta(t, 2.0, out.Scale, 1e-9)
	for i := range out.Reference {
		require.True(t, out.Valid[i])
		require.InDelta(t, pair.Reference.Pixels[i], out.Reference[i], 1e-6)
	}
}

func TestAlignShiftedReference(t *testing.T) {
	t.Parallel()
	pair := makePair(40, 40,
		sky.SimpleWCS(center, 20, 20, 1),
		sky.SimpleWCS(center, 30, 20, 1),
		func(x, y int) float64 { return 50 },
		func(x, y int) float64 { return float64(1000*y + x) })

	a, err := New(Options{Interpolation: "nearest", ScaleEstimator: "fixed", FixedScale: 1, MinOverlap: 0.5, ScaleMin: 0.1, ScaleMax: 10})
	require.NoError(t, err)
	out, err := a.Align(&pair)
	require.NoError(t, err)

	assert.InDelta(t, 0.75, out.Overlap, 1e-12)
	sci := &pair.Science
	assert.Equal(t, float64(1000*5+17), out.Reference[sci.Index(7, 5)])
	assert.False(t, out.Valid[sci.Index(30, 5)])
	assert.True(t, math.IsNaN(out.Reference[sci.Index(39, 0)]), "uncovered pixels are marked, not zeroed")
	assert.Equal(t, imaging.FlagOutOfFootprint, out.Science.Flag(sci.Index(30, 5)))
	assert.Zero(t, out.Science.Flag(sci.Index(29, 5)))
	assert.Nil(t, pair.Science.Flags, "input science image is not modified")
}

func TestMaskedReferenceCountsAsOverlap(t *testing.T) {
	t.Parallel()
	w := sky.SimpleWCS(center, 20, 20, 1)
	pair := makePair(40, 40, w, w,
		func(x, y int) float64 { return 10 },
		func(x, y int) float64 { return 10 })
	for y := 0; y < 40; y++ {
		for x := 0; x < 30; x++ {
			pair.Reference.MarkFlag(pair.Reference.Index(x, y), imaging.FlagBadPixel)
		}
	}

	opts := defaultOptions()
	opts.MinOverlap = 0.9
	a, err := New(opts)
	require.NoError(t, err)
	out, err := a.Align(&pair)
	require.NoError(t, err, "masked reference pixels are inside the footprint")

	assert.Equal(t, 1.0, out.Overlap)
	i := pair.Science.Index(5, 5)
	assert.False(t, out.Valid[i])
	assert.True(t, math.IsNaN(out.Reference[i]))
	assert.Zero(t, out.Science.Flag(i)&imaging.FlagOutOfFootprint)
	assert.True(t, out.Valid[pair.Science.Index(35, 5)])
}

func TestAlignPropagatesInvalidity(t *testing.T) {
	t.Parallel()
	w := sky.SimpleWCS(center, 20, 20, 1)
	pair := makePair(40, 40, w, w,
		func(x, y int) float64 { return 10 },
		func(x, y int) float64 { return 10 })
	pair.Reference.MarkFlag(pair.Reference.Index(12, 12), imaging.FlagSaturated)
	pair.Science.MarkFlag(pair.Science.Index(3, 3), imaging.FlagCosmicRay)

	a, err := New(defaultOptions())
	require.NoError(t, err)
	out, err := a.Align(&pair)
	require.NoError(t, err)

	assert.False(t, out.Valid[pair.Science.Index(12, 12)])
	assert.False(t, out.Valid[pair.Science.Index(3, 3)])
	assert.True(t, out.Valid[pair.Science.Index(13, 12)])
}

func TestAlignErrors(t *testing.T) {
	t.Parallel()
	good := sky.SimpleWCS(center, 20, 20, 1)
	flat := func(v float64) func(x, y int) float64 { return func(int, int) float64 { return v } }

	cases := []struct {
		name   string
		pair   imaging.ImagePair
		target error
	}{
		{"missing reference mapping", makePair(40, 40, good, sky.WCS{}, flat(1), flat(1)), imaging.ErrAlignment},
		{"insufficient overlap", makePair(40, 40, good, sky.SimpleWCS(center, 50, 20, 1), flat(1), flat(1)), imaging.ErrAlignment},
		{"scale out of range", makePair(40, 40, good, good, flat(100), flat(1)), imaging.ErrPhotometric},
		{"no reference flux", makePair(40, 40, good, good, flat(100), flat(0)), imaging.ErrPhotometric},
	}
	a, err := New(defaultOptions())
	require.NoError(t, err)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pair := tc.pair
			_, err := a.Align(&pair)
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestNewRejectsUnknownNames(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.Interpolation = "lanczos"
	_, err := New(opts)
	assert.Error(t, err)
}

func TestBilinearHalfPixel(t *testing.T) {
	t.Parallel()
	im := imaging.NewImage(2, 2)
	copy(im.Pixels, []float64{0, 10, 20, 30})
	v, ok := Bilinear{}.Sample(&im, 0.5, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 15.0, v, 1e-12)

	_, ok = Bilinear{}.Sample(&im, 1.5, 0)
	assert.False(t, ok)
	v, ok = Bilinear{}.Sample(&im, 1, 1)
	require.True(t, ok)
	assert.Equal(t, 30.0, v)
}
