package track

import (
	"fmt"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
)

// ArtifactPolicy flags tracks whose detections look instrumental.
type ArtifactPolicy interface {
	Name() string
	Check(t *EventTrack) (reason string, artifact bool)
}

// BadPixelPolicy rejects tracks whose every detection falls inside a
// registered bad-pixel rectangle of its sensor region.
type BadPixelPolicy struct {
	Regions map[string][]imaging.Box
}

// BadPixelPolicyFromConfig groups the configured rectangles by sensor region.
func BadPixelPolicyFromConfig(regions []config.BadPixelRegion) BadPixelPolicy {
	p := BadPixelPolicy{Regions: make(map[string][]imaging.Box)}
	for _, r := range regions {
		p.Regions[r.SensorRegion] = append(p.Regions[r.SensorRegion],
			imaging.Box{MinX: r.MinX, MinY: r.MinY, MaxX: r.MaxX, MaxY: r.MaxY})
	}
	return p
}

func (BadPixelPolicy) Name() string { return "bad_pixel" }

func (p BadPixelPolicy) Check(t *EventTrack) (string, bool) {
	if len(p.Regions) == 0 || len(t.Candidates) == 0 {
		return "", false
	}
	for _, c := range t.Candidates {
		if !p.inside(c) {
			return "", false
		}
	}
	return "all detections inside registered bad-pixel regions", true
}

func (p BadPixelPolicy) inside(c imaging.Candidate) bool {
	for _, b := range p.Regions[c.SensorRegion] {
		if b.Contains(c.X, c.Y) {
			return true
		}
	}
	return false
}

// SpreadPolicy rejects multi-detection tracks whose RMS spread about the
// centroid exceeds MaxSpreadArcsec. Zero disables it.
type SpreadPolicy struct {
	MaxSpreadArcsec float64
}

func (SpreadPolicy) Name() string { return "spread" }

func (p SpreadPolicy) Check(t *EventTrack) (string, bool) {
	if p.MaxSpreadArcsec <= 0 || len(t.Candidates) < 2 {
		return "", false
	}
	if s := t.SpreadArcsec(); s > p.MaxSpreadArcsec {
		return fmt.Sprintf("spread %.3f\" exceeds %.3f\"", s, p.MaxSpreadArcsec), true
	}
	return "", false
}

// PoliciesFromConfig returns the artifact policies enabled by cfg.
func PoliciesFromConfig(cfg *config.Config) []ArtifactPolicy {
	var out []ArtifactPolicy
	if len(cfg.BadPixels) > 0 {
		out = append(out, BadPixelPolicyFromConfig(cfg.BadPixels))
	}
	if cfg.Tracking.MaxSpreadArcsec > 0 {
		out = append(out, SpreadPolicy{MaxSpreadArcsec: cfg.Tracking.MaxSpreadArcsec})
	}
	return out
}
