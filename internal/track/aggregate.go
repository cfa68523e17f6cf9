package track

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
	"skydiff/internal/sky"
)

// Options configure an Aggregator.
type Options struct {
	LinkToleranceArcsec float64
	MaxGap              time.Duration
	HitsToConfirm       int
	PartitionCellArcsec float64
	Threshold           float64 // detection threshold, scales confidence
	Workers             int
	PartitionTimeout    time.Duration
	PartitionRetries    int
	RetryBackoff        time.Duration
}

// DefaultOptions returns the engine's default tracking settings.
func DefaultOptions() Options {
	return Options{
		LinkToleranceArcsec: 1.0,
		MaxGap:              72 * time.Hour,
		HitsToConfirm:       2,
		PartitionCellArcsec: 60,
		Threshold:           5,
		Workers:             4,
		PartitionTimeout:    30 * time.Second,
		PartitionRetries:    1,
		RetryBackoff:        100 * time.Millisecond,
	}
}

// OptionsFromConfig assembles options from the tracking and detection sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LinkToleranceArcsec: cfg.Tracking.LinkToleranceArcsec,
		MaxGap:              cfg.Tracking.MaxGap,
		HitsToConfirm:       cfg.Tracking.HitsToConfirm,
		PartitionCellArcsec: cfg.Tracking.PartitionCellArcsec,
		Threshold:           cfg.Detection.Threshold,
		Workers:             cfg.Tracking.ReduceWorkers,
		PartitionTimeout:    cfg.Tracking.PartitionTimeout,
		PartitionRetries:    cfg.Tracking.PartitionRetries,
		RetryBackoff:        cfg.Processing.RetryBackoff,
	}
}

// Aggregator links candidates into tracks.
type Aggregator struct {
	opts     Options
	policies []ArtifactPolicy
	logger   *slog.Logger
}

// New returns an Aggregator applying the given artifact policies at finalisation.
func New(opts Options, logger *slog.Logger, policies ...ArtifactPolicy) *Aggregator {
	if opts.HitsToConfirm < 2 {
		opts.HitsToConfirm = 2
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PartitionCellArcsec < 2*opts.LinkToleranceArcsec {
		opts.PartitionCellArcsec = 2 * opts.LinkToleranceArcsec
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{opts: opts, policies: policies, logger: logger}
}

// Options returns the effective options.
func (a *Aggregator) Options() Options { return a.opts }

// Shuffle partitions cands with the aggregator's cell size and tolerance.
func (a *Aggregator) Shuffle(cands []imaging.Candidate) []Partition {
	return Shuffle(cands, a.opts.PartitionCellArcsec, a.opts.LinkToleranceArcsec)
}

// Merge links one partition's candidates in (time, id) order and finalises
// the resulting tracks as of asOf. ctx is checked between candidates.
func (a *Aggregator) Merge(ctx context.Context, p Partition, asOf time.Time) ([]*EventTrack, error) {
	cands := append([]imaging.Candidate(nil), p.Candidates...)
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].Time.Equal(cands[j].Time) {
			return cands[i].Time.Before(cands[j].Time)
		}
		return cands[i].ID < cands[j].ID
	})

	tol := a.opts.LinkToleranceArcsec
	var all, open []*EventTrack
	for i, c := range cands {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		kept := open[:0]
		for _, t := range open {
			if c.Time.Sub(t.Last) > a.opts.MaxGap {
				a.close(t)
				continue
			}
			kept = append(kept, t)
		}
		open = kept

		var best *EventTrack
		bestSep := 0.0
		for _, t := range open {
			sep := sky.SeparationArcsec(t.Coord, c.Coord)
			if sep > tol || !t.accepts(c, tol) {
				continue
			}
			if best == nil || sep < bestSep ||
				(sep == bestSep && (t.created < best.created || (t.created == best.created && t.ID < best.ID))) {
				best, bestSep = t, sep
			}
		}

		if best == nil {
			t := newTrack(c, len(all), p.Key)
			all = append(all, t)
			open = append(open, t)
			continue
		}
		best.add(c)
		if best.State == StateNew && best.Pairs() >= a.opts.HitsToConfirm {
			best.State = StateConfirmed
		}
	}

	a.finalize(all, asOf)
	return all, nil
}

// close stops a track from accepting candidates. Confirmed tracks expire;
// single-detection tracks stay NEW.
func (a *Aggregator) close(t *EventTrack) {
	t.closed = true
	if t.State == StateConfirmed {
		t.State = StateExpired
	}
}

func (a *Aggregator) finalize(tracks []*EventTrack, asOf time.Time) {
	for _, t := range tracks {
		if !t.closed && !asOf.IsZero() && asOf.Sub(t.Last) > a.opts.MaxGap {
			a.close(t)
		}
		if t.State.Pending() {
			for _, p := range a.policies {
				if reason, bad := p.Check(t); bad {
					t.State = StateRejected
					t.RejectReason = p.Name() + ": " + reason
					break
				}
			}
		}
		t.Confidence = Score(t, a.opts.Threshold)
	}
}

// PartitionFailure records a partition that could not be merged.
type PartitionFailure struct {
	Key        string
	Candidates int
	Attempts   int
	Err        error
}

// ReduceResult holds the tracks of every merged partition, in partition
// order, plus the partitions that failed.
type ReduceResult struct {
	Tracks   []*EventTrack
	Failures []PartitionFailure
}

// Reduce merges partitions concurrently. Each partition runs under its own
// timeout and is retried; a failure is reported and never cancels siblings.
func (a *Aggregator) Reduce(ctx context.Context, parts []Partition, asOf time.Time) ReduceResult {
	results := make([][]*EventTrack, len(parts))
	failures := make([]*PartitionFailure, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for i := range parts {
		g.Go(func() error {
			tracks, attempts, err := a.mergeWithRetry(gctx, parts[i], asOf)
			if err != nil {
				failures[i] = &PartitionFailure{Key: parts[i].Key, Candidates: len(parts[i].Candidates), Attempts: attempts, Err: err}
				a.logger.Warn("partition merge failed", "partition", parts[i].Key, "attempts", attempts, "error", err)
				return nil
			}
			results[i] = tracks
			return nil
		})
	}
	_ = g.Wait()

	var out ReduceResult
	for i := range parts {
		out.Tracks = append(out.Tracks, results[i]...)
		if failures[i] != nil {
			out.Failures = append(out.Failures, *failures[i])
		}
	}
	return out
}

func (a *Aggregator) mergeWithRetry(ctx context.Context, p Partition, asOf time.Time) ([]*EventTrack, int, error) {
	var (
		tracks   []*EventTrack
		attempts int
	)
	op := func() (err error) {
		attempts++
		pctx := ctx
		if a.opts.PartitionTimeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, a.opts.PartitionTimeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("partition %s panicked: %v", p.Key, r)
			}
		}()
		tracks, err = a.Merge(pctx, p, asOf)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	if a.opts.RetryBackoff > 0 {
		b.InitialInterval = a.opts.RetryBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(a.opts.PartitionRetries, 0))), ctx)
	err := backoff.Retry(op, policy)
	return tracks, attempts, err
}
