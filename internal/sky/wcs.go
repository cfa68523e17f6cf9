package sky

import (
	"errors"
	"math"
)

// ErrInvalidWCS is returned when a mapping is absent or cannot be inverted.
var ErrInvalidWCS = errors.New("invalid world coordinate system")

// WCS is a gnomonic (TAN) projection with a linear CD matrix.
// Pixel coordinates are zero-based with (0,0) at the centre of the first pixel.
type WCS struct {
	// CRVal is the sky position of the reference pixel CRPix (x, y).
	CRVal Coord         `json:"crval" koanf:"crval"`
	CRPix [2]float64    `json:"crpix" koanf:"crpix"`
	CD    [2][2]float64 `json:"cd" koanf:"cd"` // degrees per pixel
}

// SimpleWCS builds a north-up, east-left mapping with square pixels.
func SimpleWCS(center Coord, crpixX, crpixY, arcsecPerPixel float64) WCS {
	scale := arcsecPerPixel / ArcsecPerDegree
	return WCS{
		CRVal: center,
		CRPix: [2]float64{crpixX, crpixY},
		CD:    [2][2]float64{{-scale, 0}, {0, scale}},
	}
}

func (w WCS) det() float64 {
	return w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]
}

// Valid reports whether the mapping is present and invertible.
func (w WCS) Valid() bool {
	if !w.CRVal.Valid() {
		return false
	}
	for _, v := range []float64{w.CRPix[0], w.CRPix[1], w.CD[0][0], w.CD[0][1], w.CD[1][0], w.CD[1][1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	d := w.det()
	return d != 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}

// Validate returns ErrInvalidWCS when Valid is false.
func (w WCS) Validate() error {
	if !w.Valid() {
		return ErrInvalidWCS
	}
	return nil
}

// PixelScaleArcsec is the geometric-mean pixel size.
func (w WCS) PixelScaleArcsec() float64 {
	return math.Sqrt(math.Abs(w.det())) * ArcsecPerDegree
}

// PixelToSky maps a pixel position to the sky.
func (w WCS) PixelToSky(x, y float64) Coord {
	dx, dy := x-w.CRPix[0], y-w.CRPix[1]
	xi := radians(w.CD[0][0]*dx + w.CD[0][1]*dy)
	eta := radians(w.CD[1][0]*dx + w.CD[1][1]*dy)

	ra0, dec0 := radians(w.CRVal.RA), radians(w.CRVal.Dec)
	denom := math.Cos(dec0) - eta*math.Sin(dec0)
	ra := ra0 + math.Atan2(xi, denom)
	dec := math.Atan2(math.Sin(dec0)+eta*math.Cos(dec0), math.Hypot(xi, denom))
	return Coord{RA: NormalizeRA(degrees(ra)), Dec: degrees(dec)}
}

// SkyToPixel maps a sky position to pixel coordinates. ok is false for
// positions on or behind the tangent plane's horizon.
func (w WCS) SkyToPixel(c Coord) (x, y float64, ok bool) {
	ra, dec := radians(c.RA), radians(c.Dec)
	ra0, dec0 := radians(w.CRVal.RA), radians(w.CRVal.Dec)
	dra := ra - ra0
	cosc := math.Sin(dec0)*math.Sin(dec) + math.Cos(dec0)*math.Cos(dec)*math.Cos(dra)
	if cosc <= 1e-9 {
		return 0, 0, false
	}
	xi := degrees(math.Cos(dec) * math.Sin(dra) / cosc)
	eta := degrees((math.Cos(dec0)*math.Sin(dec) - math.Sin(dec0)*math.Cos(dec)*math.Cos(dra)) / cosc)

	d := w.det()
	dx := (w.CD[1][1]*xi - w.CD[0][1]*eta) / d
	dy := (-w.CD[1][0]*xi + w.CD[0][0]*eta) / d
	return dx + w.CRPix[0], dy + w.CRPix[1], true
}
