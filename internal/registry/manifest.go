package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"skydiff/internal/imaging"
	"skydiff/internal/refstack"
	"skydiff/internal/sky"
)

// Manifest describes one batch: the science exposures to difference and
// the reference exposures stacked for each of them.
//
//	batch: night-2024-03-01
//	expected: [SN2024abc]
//	pairs:
//	  - field: F0421
//	    sensor_region: ccd07
//	    filter: r
//	    time: 2024-03-01T04:12:00Z
//	    wcs: {crval: [150.1, 2.2], crpix: [1024, 1024], scale_arcsec: 0.4}
//	    science: {path: sci/F0421-07-r.fits, saturation: 60000}
//	    references:
//	      - {path: ref/F0421-07-r-a.fits}
//	      - {path: ref/F0421-07-r-b.fits}
type Manifest struct {
	Batch    string          `koanf:"batch" json:"batch"`
	Expected []string        `koanf:"expected" json:"expected,omitempty"`
	Pairs    []ManifestEntry `koanf:"pairs" json:"pairs"`

	// Dir resolves relative exposure paths; LoadManifest sets it to the
	// manifest's directory.
	Dir string `koanf:"-" json:"-"`
}

// ManifestEntry is one science exposure and its references.
type ManifestEntry struct {
	Field        string      `koanf:"field" json:"field"`
	SensorRegion string      `koanf:"sensor_region" json:"sensor_region"`
	Filter       string      `koanf:"filter" json:"filter"`
	Time         string      `koanf:"time" json:"time"` // RFC 3339
	WCS          ManifestWCS `koanf:"wcs" json:"wcs"`
	Science      Exposure    `koanf:"science" json:"science"`
	References   []Exposure  `koanf:"references" json:"references"`
}

// Exposure points at one pixel file. WCS overrides the entry's WCS when set.
type Exposure struct {
	Path       string       `koanf:"path" json:"path"`
	Saturation float64      `koanf:"saturation" json:"saturation,omitempty"`
	WCS        *ManifestWCS `koanf:"wcs" json:"wcs,omitempty"`
}

// ManifestWCS is either a full CD matrix or a north-up scale.
type ManifestWCS struct {
	CRVal       []float64   `koanf:"crval" json:"crval"`
	CRPix       []float64   `koanf:"crpix" json:"crpix"`
	CD          [][]float64 `koanf:"cd" json:"cd,omitempty"`
	ScaleArcsec float64     `koanf:"scale_arcsec" json:"scale_arcsec,omitempty"`
}

// Build converts the manifest form into a sky.WCS.
func (w ManifestWCS) Build() (sky.WCS, error) {
	if len(w.CRVal) != 2 || len(w.CRPix) != 2 {
		return sky.WCS{}, fmt.Errorf("wcs needs two crval and two crpix values")
	}
	center := sky.Coord{RA: w.CRVal[0], Dec: w.CRVal[1]}
	if len(w.CD) == 0 {
		if w.ScaleArcsec <= 0 {
			return sky.WCS{}, fmt.Errorf("wcs needs a cd matrix or a positive scale_arcsec")
		}
		return sky.SimpleWCS(center, w.CRPix[0], w.CRPix[1], w.ScaleArcsec), nil
	}
	if len(w.CD) != 2 || len(w.CD[0]) != 2 || len(w.CD[1]) != 2 {
		return sky.WCS{}, fmt.Errorf("wcs cd matrix must be 2x2")
	}
	out := sky.WCS{
		CRVal: center,
		CRPix: [2]float64{w.CRPix[0], w.CRPix[1]},
		CD:    [2][2]float64{{w.CD[0][0], w.CD[0][1]}, {w.CD[1][0], w.CD[1][1]}},
	}
	return out, out.Validate()
}

// Key parses the entry's key.
func (e ManifestEntry) Key() (Key, error) {
	t, err := time.Parse(time.RFC3339, e.Time)
	if err != nil {
		return Key{}, fmt.Errorf("entry %s/%s/%s: bad time %q: %w", e.Field, e.SensorRegion, e.Filter, e.Time, err)
	}
	return Key{Field: e.Field, SensorRegion: e.SensorRegion, Filter: e.Filter, Time: t}, nil
}

// LoadManifest parses a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}
	var m Manifest
	if err := k.UnmarshalWithConf("", &m, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	if m.Batch == "" {
		base := filepath.Base(path)
		m.Batch = base[:len(base)-len(filepath.Ext(base))]
	}
	if len(m.Pairs) == 0 {
		return nil, fmt.Errorf("manifest %s lists no pairs", path)
	}
	for _, e := range m.Pairs {
		if _, err := e.Key(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Frame is a decoded single-channel pixel plane.
type Frame struct {
	Width  int
	Height int
	Pixels []float64
}

// PixelLoader decodes one exposure file.
type PixelLoader interface {
	Load(ctx context.Context, path string) (Frame, error)
}

// ManifestRegistry serves the pairs of a manifest, loading and stacking
// pixels on demand.
type ManifestRegistry struct {
	manifest *Manifest
	loader   PixelLoader
	stack    refstack.Options
	entries  map[string]ManifestEntry
	keys     []Key
}

// NewManifestRegistry indexes m. Duplicate keys are rejected.
func NewManifestRegistry(m *Manifest, loader PixelLoader, stack refstack.Options) (*ManifestRegistry, error) {
	r := &ManifestRegistry{manifest: m, loader: loader, stack: stack, entries: make(map[string]ManifestEntry)}
	for _, e := range m.Pairs {
		k, err := e.Key()
		if err != nil {
			return nil, err
		}
		if _, dup := r.entries[k.PairID()]; dup {
			return nil, fmt.Errorf("manifest lists %s twice", k)
		}
		r.entries[k.PairID()] = e
		r.keys = append(r.keys, k)
	}
	SortKeys(r.keys)
	return r, nil
}

// Keys returns the manifest's keys in time order.
func (r *ManifestRegistry) Keys() []Key { return append([]Key(nil), r.keys...) }

// Manifest returns the manifest being served.
func (r *ManifestRegistry) Manifest() *Manifest { return r.manifest }

func (r *ManifestRegistry) FetchImagePair(ctx context.Context, key Key) (imaging.ImagePair, error) {
	pairID := key.PairID()
	if r.manifest.Dir != "" {
		if _, err := os.Stat(r.manifest.Dir); err != nil {
			return imaging.ImagePair{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	e, ok := r.entries[pairID]
	if !ok {
		return imaging.ImagePair{}, imaging.Errorf(imaging.KindInput, pairID, "fetch", "no manifest entry for %s", key)
	}
	base, err := e.WCS.Build()
	if err != nil && e.Science.WCS == nil {
		return imaging.ImagePair{}, imaging.NewError(imaging.KindInput, pairID, "wcs", err)
	}

	sci, err := r.load(ctx, pairID, key, e.Science, base)
	if err != nil {
		return imaging.ImagePair{}, err
	}
	if len(e.References) == 0 {
		return imaging.ImagePair{}, imaging.Errorf(imaging.KindInput, pairID, "fetch", "no reference exposures")
	}
	refs := make([]imaging.Image, 0, len(e.References))
	for _, x := range e.References {
		ref, err := r.load(ctx, pairID, key, x, base)
		if err != nil {
			return imaging.ImagePair{}, err
		}
		refs = append(refs, ref)
	}
	stacked, err := refstack.Combine(refs, r.stack)
	if err != nil {
		return imaging.ImagePair{}, imaging.NewError(imaging.KindInput, pairID, "stack references", err)
	}
	stacked.Image.ID = pairID + "/reference"
	return imaging.ImagePair{ID: pairID, Science: sci, Reference: stacked.Image}, nil
}

func (r *ManifestRegistry) load(ctx context.Context, pairID string, key Key, x Exposure, base sky.WCS) (imaging.Image, error) {
	path := x.Path
	if !filepath.IsAbs(path) && r.manifest.Dir != "" {
		path = filepath.Join(r.manifest.Dir, path)
	}
	frame, err := r.loader.Load(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return imaging.Image{}, ctx.Err()
		}
		if errors.Is(err, ErrUnavailable) {
			return imaging.Image{}, err
		}
		return imaging.Image{}, imaging.NewError(imaging.KindInput, pairID, "load "+filepath.Base(path), err)
	}

	w := base
	if x.WCS != nil {
		if w, err = x.WCS.Build(); err != nil {
			return imaging.Image{}, imaging.NewError(imaging.KindInput, pairID, "wcs", err)
		}
	}
	im := imaging.Image{
		ID:           path,
		Width:        frame.Width,
		Height:       frame.Height,
		Pixels:       frame.Pixels,
		WCS:          w,
		Field:        key.Field,
		SensorRegion: key.SensorRegion,
		Filter:       key.Filter,
		Time:         key.Time,
	}
	if err := im.CheckShape(); err != nil {
		return imaging.Image{}, imaging.NewError(imaging.KindInput, pairID, "load", err)
	}
	for i, v := range im.Pixels {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			im.MarkFlag(i, imaging.FlagNoData)
		case x.Saturation > 0 && v >= x.Saturation:
			im.MarkFlag(i, imaging.FlagSaturated)
		}
	}
	return im, nil
}
