package validate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
	"skydiff/internal/logging"
	"skydiff/internal/sky"
	"skydiff/internal/track"
)

var origin = sky.Coord{RA: 210.5, Dec: -12.25}

func trackAt(id string, c sky.Coord, state track.State) *track.EventTrack {
	cand := imaging.Candidate{ID: id + "-c", Coord: c, Flux: 10, PeakSignificance: 10, Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return track.Restore(id, state, []imaging.Candidate{cand})
}

func testOptions() Options {
	return Options{MatchRadiusArcsec: 2, MaxRetries: 2, InitialBackoff: time.Millisecond, LookupTimeout: time.Second, Workers: 2}
}

// flakyCatalog fails the first failures calls, then delegates.
type flakyCatalog struct {
	inner    Catalog
	failures int32
	calls    atomic.Int32
}

func (f *flakyCatalog) ConeSearch(ctx context.Context, c sky.Coord, r float64) ([]CatalogEntry, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("catalog service unavailable")
	}
	return f.inner.ConeSearch(ctx, c, r)
}

func TestCrossMatchBoundary(t *testing.T) {
	convey.Convey("Given a catalog entry and a 2 arcsecond match radius", t, func() {
		v := New(NewMemoryCatalog(CatalogEntry{ID: "SN-1", Coord: origin, Class: "SN"}), testOptions(), logging.Discard())

		convey.Convey("A track exactly at the radius matches", func() {
			tr := trackAt("t1", origin.Offset(0, 2), track.StateConfirmed)
			v.Validate(context.Background(), []*track.EventTrack{tr}, nil)
			convey.So(tr.Validation.Outcome, convey.ShouldEqual, track.OutcomeMatched)
			convey.So(tr.Validation.MatchID, convey.ShouldEqual, "SN-1")
			convey.So(tr.State, convey.ShouldEqual, track.StateValidated)
		})

		convey.Convey("A track one arcsecond beyond the radius does not match", func() {
			tr := trackAt("t2", origin.Offset(0, 3), track.StateNew)
			v.Validate(context.Background(), []*track.EventTrack{tr}, nil)
			convey.So(tr.Validation.Outcome, convey.ShouldEqual, track.OutcomeUnmatched)
			convey.So(tr.State, convey.ShouldEqual, track.StateValidated)
		})
	})
}

func TestNearestEntryWins(t *testing.T) {
	convey.Convey("Given two catalog entries inside the radius", t, func() {
		entries := []CatalogEntry{
			{ID: "far", Coord: origin.Offset(1.5, 0)},
			{ID: "near", Coord: origin.Offset(0.5, 0)},
		}
		e, sep, ok := Match(origin, 2, entries)
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(e.ID, convey.ShouldEqual, "near")
		convey.So(sep, convey.ShouldAlmostEqual, 0.5, 1e-6)

		convey.Convey("Equal separations break ties by entry id", func() {
			tied := []CatalogEntry{{ID: "b", Coord: origin}, {ID: "a", Coord: origin}}
			e, _, ok := Match(origin, 2, tied)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(e.ID, convey.ShouldEqual, "a")
		})
	})
}

func TestLookupRetries(t *testing.T) {
	convey.Convey("Given a catalog that fails transiently", t, func() {
		inner := NewMemoryCatalog(CatalogEntry{ID: "V-7", Coord: origin})

		convey.Convey("A failure within the retry budget still validates", func() {
			cat := &flakyCatalog{inner: inner, failures: 2}
			tr := trackAt("t", origin, track.StateConfirmed)
			rep := New(cat, testOptions(), logging.Discard()).Validate(context.Background(), []*track.EventTrack{tr}, nil)
			convey.So(tr.Validation.Outcome, convey.ShouldEqual, track.OutcomeMatched)
			convey.So(cat.calls.Load(), convey.ShouldEqual, 3)
			convey.So(rep.TruePositives, convey.ShouldEqual, 1)
		})

		convey.Convey("Exhausted retries tag the track unavailable without promoting it", func() {
			cat := &flakyCatalog{inner: inner, failures: 100}
			tr := trackAt("t", origin, track.StateConfirmed)
			rep := New(cat, testOptions(), logging.Discard()).Validate(context.Background(), []*track.EventTrack{tr}, nil)
			convey.So(tr.Validation.Outcome, convey.ShouldEqual, track.OutcomeUnavailable)
			convey.So(tr.Validation.Error, convey.ShouldContainSubstring, "validation_lookup")
			convey.So(tr.State, convey.ShouldEqual, track.StateConfirmed)
			convey.So(rep.Unavailable, convey.ShouldEqual, 1)
			convey.So(cat.calls.Load(), convey.ShouldEqual, 3)
		})
	})
}

func TestConfusionMatrix(t *testing.T) {
	convey.Convey("Given tracks in every state", t, func() {
		cat := NewMemoryCatalog(
			CatalogEntry{ID: "A", Coord: origin},
			CatalogEntry{ID: "B", Coord: origin.Offset(100, 0)},
			CatalogEntry{ID: "C", Coord: origin.Offset(200, 0)},
		)
		tracks := []*track.EventTrack{
			trackAt("tp", origin, track.StateConfirmed),                   // pending, matched
			trackAt("fp", origin.Offset(0, 60), track.StateNew),           // pending, unmatched
			trackAt("fn", origin.Offset(100, 0), track.StateRejected),     // terminal, matched
			trackAt("tn", origin.Offset(0, 120), track.StateExpired),      // terminal, unmatched
			trackAt("tp2", origin.Offset(200.5, 0), track.StateConfirmed), // pending, matched
		}
		rep := New(cat, testOptions(), logging.Discard()).Validate(context.Background(), tracks, []string{"A", "B", "C", "D"})

		convey.So(rep.TruePositives, convey.ShouldEqual, 2)
		convey.So(rep.FalsePositives, convey.ShouldEqual, 1)
		convey.So(rep.FalseNegatives, convey.ShouldEqual, 1)
		convey.So(rep.TrueNegatives, convey.ShouldEqual, 1)
		convey.So(rep.Precision, convey.ShouldAlmostEqual, 2.0/3.0, 1e-12)
		convey.So(rep.Recall, convey.ShouldAlmostEqual, 2.0/3.0, 1e-12)
		convey.So(rep.Accuracy, convey.ShouldAlmostEqual, 3.0/5.0, 1e-12)
		convey.So(rep.Expected, convey.ShouldEqual, 4)
		convey.So(rep.ExpectedMatched, convey.ShouldEqual, 2)
		convey.So(rep.CatalogRecall, convey.ShouldAlmostEqual, 0.5, 1e-12)

		convey.So(tracks[2].State, convey.ShouldEqual, track.StateRejected)
		convey.So(tracks[3].State, convey.ShouldEqual, track.StateExpired)
	})
}

func TestOptionsFromConfig(t *testing.T) {
	convey.Convey("Given a validation config", t, func() {
		cfg := config.Default().Validation
		cfg.Workers = 9
		cfg.MatchRadiusArcsec = 1.25

		convey.Convey("Then the options carry every configured value", func() {
			opts := OptionsFromConfig(cfg)
			convey.So(opts.Workers, convey.ShouldEqual, 9)
			convey.So(opts.MatchRadiusArcsec, convey.ShouldEqual, 1.25)
			convey.So(opts.MaxRetries, convey.ShouldEqual, cfg.MaxRetries)
			convey.So(opts.LookupTimeout, convey.ShouldEqual, cfg.LookupTimeout)
		})
	})
}
