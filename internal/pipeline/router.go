package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skydiff/internal/config"
	"skydiff/internal/engine"
	"skydiff/internal/metrics"
	"skydiff/internal/refstack"
	"skydiff/internal/registry"
	"skydiff/internal/sink"
	"skydiff/internal/storage"
	"skydiff/internal/track"
	"skydiff/internal/validate"
)

// ExecutorFactory builds the map executor for one manifest. The default
// runs units in-process; remote workers receive the manifest path.
type ExecutorFactory func(manifestPath string, reg registry.Registry) (engine.MapExecutor, error)

// Deps are the shared services the router hands to every batch.
type Deps struct {
	Config    *config.Config
	Store     *storage.Store
	Loader    registry.PixelLoader
	Executor  ExecutorFactory
	Validator *validate.Validator // nil disables cross-matching
	Sink      sink.Sink           // extra destinations besides the store
	Metrics   *metrics.Recorder
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log  *slog.Logger
	deps Deps
}

// NewRouter returns the Processor for detect and revalidate jobs.
func NewRouter(logger *slog.Logger, deps Deps) Processor {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Loader == nil {
		deps.Loader = registry.NewMagickLoader()
	}
	if deps.Executor == nil {
		cfg := deps.Config
		deps.Executor = func(_ string, reg registry.Registry) (engine.MapExecutor, error) {
			return engine.LocalExecutorFromConfig(cfg, reg)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, deps: deps}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDetect:
		return r.handleDetect(ctx, job)
	case JobRevalidate:
		return r.handleRevalidate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) sink() sink.Sink {
	var out sink.Multi
	if r.deps.Store != nil {
		out = append(out, r.deps.Store)
	}
	if r.deps.Sink != nil {
		out = append(out, r.deps.Sink)
	}
	return out
}

func (r *router) engine(exec engine.MapExecutor, agg *track.Aggregator) *engine.Engine {
	opts := []engine.Option{engine.WithSink(r.sink()), engine.WithMetrics(r.deps.Metrics)}
	if r.deps.Validator != nil {
		opts = append(opts, engine.WithValidator(r.deps.Validator))
	}
	return engine.New(exec, agg, engine.OptionsFromConfig(r.deps.Config.Processing), r.log, opts...)
}

func (r *router) handleDetect(ctx context.Context, job Job) Result {
	cfg := r.deps.Config
	m, err := registry.LoadManifest(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if id := getStringOption(job.Options, "batch"); id != "" {
		m.Batch = id
	}
	res := Result{Job: job, BatchID: m.Batch}

	reg, err := registry.NewManifestRegistry(m, r.deps.Loader, refstack.OptionsFromConfig(cfg.Alignment))
	if err != nil {
		res.Error = err
		return res
	}
	exec, err := r.deps.Executor(job.InputPath, reg)
	if err != nil {
		res.Error = fmt.Errorf("map executor: %w", err)
		return res
	}
	agg := track.New(track.OptionsFromConfig(cfg), r.log, track.PoliciesFromConfig(cfg)...)

	rec := storage.BatchRecord{
		ID:           m.Batch,
		ManifestPath: job.InputPath,
		Status:       "running",
		StartedAt:    time.Now().UTC(),
		Units:        len(reg.Keys()),
		Expected:     m.Expected,
	}
	if err := r.deps.Store.SaveBatch(rec, nil); err != nil {
		r.log.Warn("failed to record batch start", "batch_id", m.Batch, "error", err)
	}

	batch := engine.Batch{ID: m.Batch, Keys: reg.Keys(), Expected: m.Expected}
	if asOf := getStringOption(job.Options, "as_of"); asOf != "" {
		t, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			res.Error = fmt.Errorf("as_of: %w", err)
			return res
		}
		batch.AsOf = t
	}

	rep, runErr := r.engine(exec, agg).RunBatch(ctx, batch)
	res.Error = runErr
	if rep == nil {
		return res
	}
	res.Meta = reportMeta(rep)

	d := rep.Diagnostics
	rec.Status = "completed"
	if rep.Halted {
		rec.Status = "halted"
	}
	rec.FinishedAt = rep.Finished
	rec.Succeeded, rec.Skipped, rec.Candidates, rec.Tracks = d.Succeeded, d.Skipped, d.Candidates, len(rep.Tracks)
	rec.HaltReason = rep.HaltReason
	rec.Report, _ = json.Marshal(rep)
	failures := make([]storage.UnitFailureRecord, 0, len(d.UnitFailures))
	for _, f := range d.UnitFailures {
		failures = append(failures, storage.UnitFailureRecord{PairID: f.PairID, Kind: f.Kind, Attempts: f.Attempts, Error: f.Error})
	}
	if err := r.deps.Store.SaveBatch(rec, failures); err != nil {
		r.log.Warn("failed to record batch result", "batch_id", m.Batch, "error", err)
	}
	return res
}

func (r *router) handleRevalidate(ctx context.Context, job Job) Result {
	batchID := job.InputPath
	res := Result{Job: job, BatchID: batchID}
	if r.deps.Store == nil {
		res.Error = errors.New("revalidate needs a database")
		return res
	}
	if r.deps.Validator == nil {
		res.Error = errors.New("revalidate needs a catalog")
		return res
	}
	rec, err := r.deps.Store.Batch(batchID)
	if err != nil {
		res.Error = fmt.Errorf("load batch %s: %w", batchID, err)
		return res
	}
	tracks, err := r.deps.Store.LoadTracks(batchID)
	if err != nil {
		res.Error = fmt.Errorf("load tracks %s: %w", batchID, err)
		return res
	}

	vr, err := r.engine(nil, nil).Revalidate(ctx, batchID, tracks, rec.Expected)
	if err != nil {
		res.Error = err
		return res
	}
	res.Meta = map[string]any{
		"batch_id":    batchID,
		"tracks":      len(tracks),
		"unavailable": vr.Unavailable,
		"precision":   vr.Precision,
		"recall":      vr.Recall,
	}
	return res
}

func reportMeta(rep *engine.BatchReport) map[string]any {
	d := rep.Diagnostics
	meta := map[string]any{
		"batch_id":        rep.BatchID,
		"units":           d.Units,
		"succeeded":       d.Succeeded,
		"skipped":         d.Skipped,
		"candidates":      d.Candidates,
		"tracks":          len(rep.Tracks),
		"tracks_by_state": d.TracksByState,
		"halted":          rep.Halted,
	}
	if len(d.ManualReview) > 0 {
		meta["manual_review"] = d.ManualReview
	}
	if rep.Validation != nil {
		meta["precision"] = rep.Validation.Precision
		meta["recall"] = rep.Validation.Recall
	}
	return meta
}

// Helper functions to safely extract typed options from job.Options map
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}
