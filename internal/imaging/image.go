// Package imaging defines the pixel containers that flow through the map
// stage (image pairs, aligned pairs, difference maps), the candidates the
// extractor emits, and the typed data-quality errors shared by every stage.
package imaging

import (
	"fmt"
	"math"
	"time"

	"skydiff/internal/sky"
)

// Flag is a per-pixel quality bitmask. Zero means the pixel is usable.
type Flag uint8

const (
	FlagSaturated Flag = 1 << iota
	FlagBadPixel
	FlagCosmicRay
	FlagNoData
	FlagOutOfFootprint
)

// Image is a single exposure: row-major pixels plus quality flags and the
// sky mapping. Flags may be nil when every pixel is good.
type Image struct {
	ID           string
	Width        int
	Height       int
	Pixels       []float64
	Flags        []Flag
	WCS          sky.WCS
	Field        string
	SensorRegion string
	Filter       string
	Time         time.Time
}

// NewImage allocates a zeroed width×height image.
func NewImage(width, height int) Image {
	return Image{
		Width:  width,
		Height: height,
		Pixels: make([]float64, width*height),
	}
}

// Index returns the row-major offset of (x, y).
func (im *Image) Index(x, y int) int { return y*im.Width + x }

// At returns the pixel value at (x, y).
func (im *Image) At(x, y int) float64 { return im.Pixels[y*im.Width+x] }

// Set stores v at (x, y).
func (im *Image) Set(x, y int, v float64) { im.Pixels[y*im.Width+x] = v }

// Flag returns the quality flags of pixel i.
func (im *Image) Flag(i int) Flag {
	if im.Flags == nil {
		return 0
	}
	return im.Flags[i]
}

// MarkFlag ORs f into the flags of pixel i, allocating the flag plane on first use.
func (im *Image) MarkFlag(i int, f Flag) {
	if im.Flags == nil {
		im.Flags = make([]Flag, len(im.Pixels))
	}
	im.Flags[i] |= f
}

// Usable reports whether pixel i carries no quality flag and a finite value.
func (im *Image) Usable(i int) bool {
	v := im.Pixels[i]
	return im.Flag(i) == 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CheckShape verifies that the pixel and flag planes match the declared size.
func (im *Image) CheckShape() error {
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("image %q has non-positive size %dx%d", im.ID, im.Width, im.Height)
	}
	if len(im.Pixels) != im.Width*im.Height {
		return fmt.Errorf("image %q has %d pixels, want %d", im.ID, len(im.Pixels), im.Width*im.Height)
	}
	if im.Flags != nil && len(im.Flags) != len(im.Pixels) {
		return fmt.Errorf("image %q has %d flags for %d pixels", im.ID, len(im.Flags), len(im.Pixels))
	}
	return nil
}

// ImagePair is the unit of work of the map stage. The science exposure's
// time stamps everything derived from the pair; the reference time is ignored.
type ImagePair struct {
	ID        string
	Science   Image
	Reference Image
}

// Validate checks the pair invariants and returns an input error on violation.
func (p *ImagePair) Validate() error {
	if p.ID == "" {
		return NewError(KindInput, p.ID, "validate", fmt.Errorf("pair has no id"))
	}
	if err := p.Science.CheckShape(); err != nil {
		return NewError(KindInput, p.ID, "validate science", err)
	}
	if err := p.Reference.CheckShape(); err != nil {
		return NewError(KindInput, p.ID, "validate reference", err)
	}
	s, r := &p.Science, &p.Reference
	if s.Field != r.Field || s.SensorRegion != r.SensorRegion || s.Filter != r.Filter {
		return NewError(KindInput, p.ID, "validate",
			fmt.Errorf("science %s/%s/%s does not match reference %s/%s/%s",
				s.Field, s.SensorRegion, s.Filter, r.Field, r.SensorRegion, r.Filter))
	}
	if s.Time.IsZero() {
		return NewError(KindInput, p.ID, "validate", fmt.Errorf("science exposure has no observation time"))
	}
	return nil
}

// AlignedPair holds the science image and the reference resampled onto the
// science grid. Pixels outside Valid are marked, never zeroed.
type AlignedPair struct {
	PairID    string
	Science   Image
	Reference []float64
	Valid     []bool
	Scale     float64
	Overlap   float64
}

// DifferenceMap is the per-pixel residual, its noise and significance.
// Noise is positive and finite wherever Valid is set.
type DifferenceMap struct {
	PairID       string
	Width        int
	Height       int
	Residual     []float64
	Noise        []float64
	Significance []float64
	Valid        []bool
	WCS          sky.WCS
	Field        string
	SensorRegion string
	Filter       string
	Time         time.Time
}

// NewDifferenceMap allocates a map with the geometry and metadata of sci.
func NewDifferenceMap(pairID string, sci *Image) DifferenceMap {
	n := sci.Width * sci.Height
	return DifferenceMap{
		PairID:       pairID,
		Width:        sci.Width,
		Height:       sci.Height,
		Residual:     make([]float64, n),
		Noise:        make([]float64, n),
		Significance: make([]float64, n),
		Valid:        make([]bool, n),
		WCS:          sci.WCS,
		Field:        sci.Field,
		SensorRegion: sci.SensorRegion,
		Filter:       sci.Filter,
		Time:         sci.Time,
	}
}

// Box is an inclusive pixel bounding box.
type Box struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// Contains reports whether (x, y) lies in the box.
func (b Box) Contains(x, y float64) bool {
	return x >= float64(b.MinX) && x <= float64(b.MaxX) && y >= float64(b.MinY) && y <= float64(b.MaxY)
}

// Candidate is one significant residual region. Immutable once produced.
type Candidate struct {
	ID               string    `json:"id"`
	PairID           string    `json:"pair_id"`
	X                float64   `json:"x"`
	Y                float64   `json:"y"`
	Coord            sky.Coord `json:"coord"`
	Flux             float64   `json:"flux"`
	PeakSignificance float64   `json:"peak_significance"`
	SNR              float64   `json:"snr"`
	Pixels           int       `json:"pixels"`
	Bounds           Box       `json:"bounds"`
	Field            string    `json:"field"`
	SensorRegion     string    `json:"sensor_region"`
	Filter           string    `json:"filter"`
	Time             time.Time `json:"time"`
}
