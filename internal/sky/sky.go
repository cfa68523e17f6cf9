// Package sky holds celestial coordinates, angular distances and the
// gnomonic (TAN) world-coordinate mapping between pixels and the sky.
package sky

import (
	"fmt"
	"math"
)

// ArcsecPerDegree converts between the two angular units used across the engine.
const ArcsecPerDegree = 3600.0

// Coord is an equatorial position in degrees.
type Coord struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%.6f, %+.6f)", c.RA, c.Dec)
}

// Valid reports whether the coordinate is finite and Dec lies in [-90, 90].
func (c Coord) Valid() bool {
	return !math.IsNaN(c.RA) && !math.IsInf(c.RA, 0) &&
		!math.IsNaN(c.Dec) && c.Dec >= -90 && c.Dec <= 90
}

// Separation returns the great-circle distance in degrees (haversine form,
// stable at the sub-arcsecond scales the tracker works with).
func Separation(a, b Coord) float64 {
	ra1, dec1 := radians(a.RA), radians(a.Dec)
	ra2, dec2 := radians(b.RA), radians(b.Dec)
	sdDec := math.Sin((dec2 - dec1) / 2)
	sdRA := math.Sin((ra2 - ra1) / 2)
	h := sdDec*sdDec + math.Cos(dec1)*math.Cos(dec2)*sdRA*sdRA
	if h > 1 {
		h = 1
	}
	return degrees(2 * math.Asin(math.Sqrt(h)))
}

// SeparationArcsec is Separation in arcseconds.
func SeparationArcsec(a, b Coord) float64 {
	return Separation(a, b) * ArcsecPerDegree
}

// Vector returns the unit vector for c.
func (c Coord) Vector() [3]float64 {
	ra, dec := radians(c.RA), radians(c.Dec)
	cd := math.Cos(dec)
	return [3]float64{cd * math.Cos(ra), cd * math.Sin(ra), math.Sin(dec)}
}

// FromVector converts any non-zero vector back to a coordinate.
func FromVector(v [3]float64) Coord {
	norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if norm == 0 {
		return Coord{}
	}
	dec := math.Asin(clamp(v[2]/norm, -1, 1))
	ra := math.Atan2(v[1], v[0])
	return Coord{RA: NormalizeRA(degrees(ra)), Dec: degrees(dec)}
}

// Offset moves c by the given tangent-plane offsets in arcseconds (east, north).
// Used by tests and simulations; accurate for small offsets.
func (c Coord) Offset(eastArcsec, northArcsec float64) Coord {
	dec := c.Dec + northArcsec/ArcsecPerDegree
	ra := c.RA
	if cd := math.Cos(radians(c.Dec)); cd > 1e-12 {
		ra += eastArcsec / ArcsecPerDegree / cd
	}
	return Coord{RA: NormalizeRA(ra), Dec: dec}
}

// NormalizeRA wraps ra into [0, 360).
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func radians(d float64) float64 { return d * math.Pi / 180 }
func degrees(r float64) float64 { return r * 180 / math.Pi }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
