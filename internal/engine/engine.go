// Package engine runs a batch end to end: the map stage over image pairs,
// the spatial shuffle, the partitioned reduce, catalog validation and
// delivery of the finalised tracks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"skydiff/internal/config"
	"skydiff/internal/imaging"
	"skydiff/internal/logging"
	"skydiff/internal/metrics"
	"skydiff/internal/registry"
	"skydiff/internal/sink"
	"skydiff/internal/track"
	"skydiff/internal/validate"
)

// Unit failure kinds that are not data-quality kinds.
const (
	KindTimeout   = "timeout"
	KindTransient = "transient"
	KindSystemic  = "systemic"
)

// ErrHalted is returned when a systemic failure stopped the batch.
var ErrHalted = errors.New("batch halted")

// Options control the map stage.
type Options struct {
	Workers      int
	UnitTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// OptionsFromConfig copies the processing section of the engine config.
func OptionsFromConfig(cfg config.Processing) Options {
	return Options{
		Workers:      cfg.MapWorkers,
		UnitTimeout:  cfg.UnitTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}
}

// Batch is one run of the engine.
type Batch struct {
	ID       string
	Keys     []registry.Key
	Expected []string  // catalog ids the batch should recover, optional
	AsOf     time.Time // finalisation time; zero means the latest science time
}

// Engine wires the stages together.
type Engine struct {
	exec      MapExecutor
	agg       *track.Aggregator
	validator *validate.Validator
	out       sink.Sink
	metrics   *metrics.Recorder
	logger    *slog.Logger
	opts      Options
}

// Option customises an Engine.
type Option func(*Engine)

// WithValidator enables catalog cross-matching.
func WithValidator(v *validate.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithSink sets where finalised track records go.
func WithSink(s sink.Sink) Option { return func(e *Engine) { e.out = s } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(e *Engine) { e.metrics = r } }

// New returns an Engine.
func New(exec MapExecutor, agg *track.Aggregator, opts Options, logger *slog.Logger, options ...Option) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{exec: exec, agg: agg, opts: opts, logger: logger}
	for _, o := range options {
		o(e)
	}
	return e
}

// RunBatch executes every stage for b. Data-quality failures, timed-out
// units and failed partitions are reported in the diagnostics and never
// stop the batch. A systemic registry failure halts it: the report is
// returned together with an error wrapping ErrHalted.
func (e *Engine) RunBatch(ctx context.Context, b Batch) (*BatchReport, error) {
	start := time.Now()
	rep := &BatchReport{BatchID: b.ID, Started: start.UTC(), Diagnostics: newDiagnostics(len(b.Keys))}
	logging.LogProcessingStep(e.logger, b.ID, "map", "started", map[string]any{"units": len(b.Keys), "workers": e.opts.Workers})

	cands, haltErr := e.mapStage(ctx, b, &rep.Diagnostics)
	if haltErr == nil && ctx.Err() != nil {
		haltErr = ctx.Err()
	}
	if haltErr != nil {
		rep.Halted = true
		rep.HaltReason = haltErr.Error()
		rep.Finished = time.Now().UTC()
		e.metrics.Batch("halted", time.Since(start))
		e.logger.Error("batch halted", "batch_id", b.ID, "error", haltErr)
		return rep, fmt.Errorf("%w: %w", ErrHalted, haltErr)
	}

	asOf := b.AsOf
	if asOf.IsZero() {
		for _, k := range b.Keys {
			if k.Time.After(asOf) {
				asOf = k.Time
			}
		}
	}

	parts := e.agg.Shuffle(cands)
	rep.Diagnostics.Partitions = len(parts)
	logging.LogProcessingStep(e.logger, b.ID, "reduce", "started", map[string]any{"candidates": len(cands), "partitions": len(parts)})
	res := e.agg.Reduce(ctx, parts, asOf)
	for _, f := range res.Failures {
		rep.Diagnostics.PartitionFailures = append(rep.Diagnostics.PartitionFailures, PartitionFailure{
			Key: f.Key, Candidates: f.Candidates, Attempts: f.Attempts, Error: f.Err.Error(),
		})
		e.metrics.Partition("failed")
	}
	for range len(parts) - len(res.Failures) {
		e.metrics.Partition("merged")
	}
	rep.Tracks = res.Tracks

	if e.validator != nil {
		logging.LogProcessingStep(e.logger, b.ID, "validate", "started", map[string]any{"tracks": len(res.Tracks)})
		vr := e.validator.Validate(ctx, res.Tracks, b.Expected)
		rep.Validation = &vr
		for _, t := range res.Tracks {
			e.metrics.Validation(string(t.Validation.Outcome))
		}
	}
	for _, t := range res.Tracks {
		rep.Diagnostics.TracksByState[string(t.State)]++
		e.metrics.Track(string(t.State))
	}

	e.emit(ctx, b.ID, res.Tracks, &rep.Diagnostics)

	rep.Finished = time.Now().UTC()
	e.metrics.Batch("completed", time.Since(start))
	logging.LogBatchSummary(e.logger, b.ID, time.Since(start), rep.Diagnostics.Counts())
	return rep, nil
}

// Revalidate repeats the catalog lookup for tracks whose previous lookup
// was unavailable and returns a report over all of tracks. Every track is
// re-emitted so a flushing sink rewrites the complete batch export.
func (e *Engine) Revalidate(ctx context.Context, batchID string, tracks []*track.EventTrack, expected []string) (validate.Report, error) {
	if e.validator == nil {
		return validate.Report{}, fmt.Errorf("no catalog configured")
	}
	var retry []*track.EventTrack
	for _, t := range tracks {
		if t.Validation.Outcome == track.OutcomeUnavailable || (t.State.Pending() && t.Validation.Outcome == track.OutcomeNone) {
			retry = append(retry, t)
		}
	}
	logging.LogProcessingStep(e.logger, batchID, "revalidate", "started", map[string]any{"tracks": len(retry)})
	e.validator.Validate(ctx, retry, nil)
	for _, t := range retry {
		e.metrics.Validation(string(t.Validation.Outcome))
	}
	var diag Diagnostics
	e.emit(ctx, batchID, tracks, &diag)
	return validate.Summarize(tracks, expected), nil
}

func (e *Engine) emit(ctx context.Context, batchID string, tracks []*track.EventTrack, diag *Diagnostics) {
	if e.out == nil {
		return
	}
	for _, t := range tracks {
		if err := e.out.Emit(ctx, sink.FromTrack(batchID, t)); err != nil {
			diag.SinkErrors++
			e.metrics.SinkError()
			e.logger.Warn("track emit failed", "batch_id", batchID, "track_id", t.ID, "error", err)
		}
	}
	if f, ok := e.out.(sink.Flusher); ok {
		if err := f.Flush(ctx, batchID); err != nil {
			diag.SinkErrors++
			e.metrics.SinkError()
			e.logger.Warn("sink flush failed", "batch_id", batchID, "error", err)
		}
	}
}

// mapStage fans keys out to a fixed pool of workers over a bounded
// channel. It returns the candidates of every successful unit, sorted by
// id, or the systemic error that halted the stage.
func (e *Engine) mapStage(ctx context.Context, b Batch, diag *Diagnostics) ([]imaging.Candidate, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		cands   []imaging.Candidate
		haltErr error
		wg      sync.WaitGroup
	)
	jobs := make(chan registry.Key, e.opts.Workers*2)

	worker := func() {
		defer wg.Done()
		for key := range jobs {
			if ctx.Err() != nil {
				continue
			}
			start := time.Now()
			res, attempts, err := e.runUnit(ctx, key)

			mu.Lock()
			if err == nil {
				diag.Succeeded++
				cands = append(cands, res.Candidates...)
				e.metrics.Unit("ok", time.Since(start), len(res.Candidates))
				mu.Unlock()
				continue
			}
			kind := classify(err)
			pairID := key.PairID()
			var ie *imaging.Error
			if errors.As(err, &ie) && ie.PairID != "" {
				pairID = ie.PairID
			}
			if kind == KindSystemic {
				if haltErr == nil {
					haltErr = err
				}
				cancel()
			} else if ctx.Err() == nil {
				diag.recordFailure(pairID, kind, attempts, err)
				e.metrics.UnitFailure(kind)
				e.metrics.Unit("skipped", time.Since(start), 0)
				logging.LogUnitFailure(e.logger, b.ID, pairID, kind, attempts, err)
			}
			mu.Unlock()
		}
	}
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go worker()
	}

feed:
	for _, k := range b.Keys {
		select {
		case jobs <- k:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if haltErr != nil {
		return nil, haltErr
	}
	diag.NotRun = diag.Units - diag.Succeeded - diag.Skipped
	diag.Candidates = len(cands)
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })
	return cands, nil
}

// runUnit executes one unit under its own timeout. Data-quality and
// systemic errors are final; anything else is retried with backoff.
func (e *Engine) runUnit(ctx context.Context, key registry.Key) (UnitResult, int, error) {
	var (
		res      UnitResult
		attempts int
	)
	op := func() (err error) {
		attempts++
		uctx := ctx
		if e.opts.UnitTimeout > 0 {
			var cancel context.CancelFunc
			uctx, cancel = context.WithTimeout(ctx, e.opts.UnitTimeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("unit %s panicked: %v", key, r)
			}
		}()
		res, err = e.exec.Execute(uctx, key)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || imaging.IsDataQuality(err) || errors.Is(err, registry.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	if e.opts.RetryBackoff > 0 {
		b.InitialInterval = e.opts.RetryBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.opts.MaxRetries, 0))), ctx)
	err := backoff.Retry(op, policy)
	return res, attempts, err
}

func classify(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnavailable):
		return KindSystemic
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	if k, ok := imaging.KindOf(err); ok {
		return string(k)
	}
	return KindTransient
}
