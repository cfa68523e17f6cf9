// Package validate cross-matches finalised event tracks against an external
// catalog and reports how well the detections agree with it.
package validate

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
	"skydiff/internal/sky"
	"skydiff/internal/track"
)

// Options configure lookups.
type Options struct {
	MatchRadiusArcsec float64
	MaxRetries        int
	InitialBackoff    time.Duration
	LookupTimeout     time.Duration
	Workers           int
}

// OptionsFromConfig copies the validation section of the engine config.
func OptionsFromConfig(cfg config.ValidationConfig) Options {
	return Options{
		MatchRadiusArcsec: cfg.MatchRadiusArcsec,
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		LookupTimeout:     cfg.LookupTimeout,
		Workers:           cfg.Workers,
	}
}

// Report summarises one validation pass. Tracks whose lookup was
// unavailable are excluded from the confusion matrix.
type Report struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	FalseNegatives int     `json:"false_negatives"`
	Unavailable    int     `json:"unavailable"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	Accuracy       float64 `json:"accuracy"`

	// Expected-catalog recall, set only when an expected list was supplied.
	Expected        int     `json:"expected,omitempty"`
	ExpectedMatched int     `json:"expected_matched,omitempty"`
	CatalogRecall   float64 `json:"catalog_recall,omitempty"`
}

// Validator looks tracks up in a Catalog.
type Validator struct {
	catalog Catalog
	opts    Options
	logger  *slog.Logger
}

// New returns a Validator.
func New(catalog Catalog, opts Options, logger *slog.Logger) *Validator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{catalog: catalog, opts: opts, logger: logger}
}

// Match returns the nearest entry within the radius (inclusive); ties go
// to the smaller entry id.
func Match(center sky.Coord, radiusArcsec float64, entries []CatalogEntry) (CatalogEntry, float64, bool) {
	var (
		best    CatalogEntry
		bestSep = math.Inf(1)
		found   bool
	)
	for _, e := range entries {
		sep := sky.SeparationArcsec(center, e.Coord)
		if !WithinRadius(sep, radiusArcsec) {
			continue
		}
		if !found || sep < bestSep || (sep == bestSep && e.ID < best.ID) {
			best, bestSep, found = e, sep, true
		}
	}
	return best, bestSep, found
}

// Validate looks up every track. Pending tracks become VALIDATED; terminal
// ones keep their state but still feed the confusion matrix. A lookup that
// fails after all retries tags the track UNAVAILABLE and leaves its state.
// expected, when non-nil, lists catalog ids the batch should have found.
func (v *Validator) Validate(ctx context.Context, tracks []*track.EventTrack, expected []string) Report {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	for _, t := range tracks {
		g.Go(func() error {
			v.validateOne(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return Summarize(tracks, expected)
}

func (v *Validator) validateOne(ctx context.Context, t *track.EventTrack) {
	var entries []CatalogEntry
	op := func() error {
		lctx := ctx
		if v.opts.LookupTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(ctx, v.opts.LookupTimeout)
			defer cancel()
		}
		var err error
		entries, err = v.catalog.ConeSearch(lctx, t.Coord, v.opts.MatchRadiusArcsec)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	if v.opts.InitialBackoff > 0 {
		b.InitialInterval = v.opts.InitialBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(v.opts.MaxRetries, 0))), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		lookupErr := imaging.NewError(imaging.KindValidationLookup, "", "cone search", err)
		v.logger.Warn("catalog lookup unavailable", "track_id", t.ID, "error", lookupErr)
		t.Validation = track.Validation{Outcome: track.OutcomeUnavailable, Error: lookupErr.Error()}
		return
	}

	entry, sep, ok := Match(t.Coord, v.opts.MatchRadiusArcsec, entries)
	if ok {
		t.Validation = track.Validation{Outcome: track.OutcomeMatched, MatchID: entry.ID, MatchClass: entry.Class, SeparationArcsec: sep}
	} else {
		t.Validation = track.Validation{Outcome: track.OutcomeUnmatched}
	}
	if t.State.Pending() {
		t.State = track.StateValidated
	}
}

// Summarize builds the report from the tracks' recorded outcomes. Tracks
// that were pending (now VALIDATED) count as positives; REJECTED and
// EXPIRED tracks count as negatives.
func Summarize(tracks []*track.EventTrack, expected []string) Report {
	var r Report
	matchedIDs := make(map[string]bool)
	for _, t := range tracks {
		out := t.Validation.Outcome
		switch out {
		case track.OutcomeUnavailable:
			r.Unavailable++
			continue
		case track.OutcomeNone:
			continue
		}
		matched := out == track.OutcomeMatched
		positive := t.State == track.StateValidated || t.State.Pending()
		if matched && positive {
			matchedIDs[t.Validation.MatchID] = true
		}
		switch {
		case positive && matched:
			r.TruePositives++
		case positive:
			r.FalsePositives++
		case matched:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}
	r.Precision = ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
	r.Recall = ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
	total := r.TruePositives + r.FalsePositives + r.TrueNegatives + r.FalseNegatives
	r.Accuracy = ratio(r.TruePositives+r.TrueNegatives, total)

	if expected != nil {
		seen := make(map[string]bool, len(expected))
		for _, id := range expected {
			if seen[id] {
				continue
			}
			seen[id] = true
			r.Expected++
			if matchedIDs[id] {
				r.ExpectedMatched++
			}
		}
		r.CatalogRecall = ratio(r.ExpectedMatched, r.Expected)
	}
	return r
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
