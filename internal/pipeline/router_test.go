package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"skydiff/internal/config"
	"skydiff/internal/engine"
	"skydiff/internal/imaging"
	"skydiff/internal/logging"
	"skydiff/internal/registry"
	"skydiff/internal/sink"
	"skydiff/internal/sky"
	"skydiff/internal/storage"
	"skydiff/internal/track"
	"skydiff/internal/validate"
)

const twoPairManifest = `batch: night-1
expected: [SN-1]
pairs:
  - field: F1
    sensor_region: ccd1
    filter: r
    time: "2024-03-01T04:00:00Z"
    wcs: {crval: [150, 2], crpix: [100, 100], scale_arcsec: 1}
    science: {path: sci-1.fits}
    references: [{path: ref-1.fits}]
  - field: F1
    sensor_region: ccd1
    filter: r
    time: "2024-03-01T04:10:00Z"
    wcs: {crval: [150, 2], crpix: [100, 100], scale_arcsec: 1}
    science: {path: sci-2.fits}
    references: [{path: ref-1.fits}]
`

var transientAt = sky.Coord{RA: 150.0005, Dec: 2.0003}

// stubExecutor reports one candidate per unit at transientAt.
type stubExecutor struct {
	mu   sync.Mutex
	keys []registry.Key
}

func (s *stubExecutor) Execute(ctx context.Context, key registry.Key) (engine.UnitResult, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	c := imaging.Candidate{
		ID:               key.PairID() + "-0001",
		PairID:           key.PairID(),
		X:                100,
		Y:                100,
		Coord:            transientAt,
		Flux:             50,
		PeakSignificance: 12,
		SNR:              10,
		Pixels:           9,
		Field:            key.Field,
		SensorRegion:     key.SensorRegion,
		Filter:           key.Filter,
		Time:             key.Time,
	}
	return engine.UnitResult{PairID: key.PairID(), Candidates: []imaging.Candidate{c}, Scale: 1, Overlap: 1}, nil
}

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "night-1.yaml")
	if err := os.WriteFile(path, []byte(twoPairManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Processing.MapWorkers = 2
	cfg.Processing.RetryBackoff = time.Millisecond
	cfg.Tracking.ReduceWorkers = 2
	return cfg
}

func TestRouterDetectPersistsBatch(t *testing.T) {
	store := testStore(t)
	exec := &stubExecutor{}
	live := &sink.Memory{}
	r := NewRouter(logging.Discard(), Deps{
		Config: testConfig(),
		Store:  store,
		Sink:   live,
		Executor: func(manifestPath string, reg registry.Registry) (engine.MapExecutor, error) {
			return exec, nil
		},
	})

	res := r.Process(context.Background(), Job{ID: "job-1", Type: JobDetect, InputPath: writeManifest(t)})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.BatchID != "night-1" {
		t.Fatalf("unexpected batch id %q", res.BatchID)
	}
	if len(exec.keys) != 2 {
		t.Fatalf("expected 2 units executed, got %d", len(exec.keys))
	}
	if res.Meta["tracks"] != 1 {
		t.Fatalf("expected one track in meta, got %v", res.Meta["tracks"])
	}

	recs, err := store.TrackRecords("night-1", "")
	if err != nil {
		t.Fatalf("track records: %v", err)
	}
	if len(recs) != 1 || recs[0].State != string(track.StateConfirmed) || len(recs[0].Observations) != 2 {
		t.Fatalf("unexpected stored tracks: %+v", recs)
	}
	if len(live.Records()) != 1 {
		t.Fatalf("expected extra sink to receive the track, got %d", len(live.Records()))
	}

	batch, err := store.Batch("night-1")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Status != "completed" || batch.Units != 2 || batch.Succeeded != 2 || batch.Tracks != 1 {
		t.Fatalf("unexpected batch record: %+v", batch)
	}
	if len(batch.Expected) != 1 || batch.Expected[0] != "SN-1" {
		t.Fatalf("expected list not stored: %v", batch.Expected)
	}
}

func TestRouterDetectBatchOverride(t *testing.T) {
	r := NewRouter(logging.Discard(), Deps{
		Config: testConfig(),
		Executor: func(string, registry.Registry) (engine.MapExecutor, error) {
			return &stubExecutor{}, nil
		},
	})
	res := r.Process(context.Background(), Job{
		ID:        "job-2",
		Type:      JobDetect,
		InputPath: writeManifest(t),
		Options:   map[string]any{"batch": "rerun-7"},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.BatchID != "rerun-7" || res.Meta["batch_id"] != "rerun-7" {
		t.Fatalf("batch override ignored: %q %v", res.BatchID, res.Meta["batch_id"])
	}
}

func TestRouterRevalidateRetriesUnavailable(t *testing.T) {
	store := testStore(t)
	t0 := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	if err := store.SaveBatch(storage.BatchRecord{ID: "b1", Status: "completed", StartedAt: t0, Expected: []string{"SN-1"}}, nil); err != nil {
		t.Fatalf("save batch: %v", err)
	}
	stored := sink.TrackRecord{
		TrackID:    "trk-1",
		BatchID:    "b1",
		RA:         transientAt.RA,
		Dec:        transientAt.Dec,
		State:      string(track.StateConfirmed),
		Validation: string(track.OutcomeUnavailable),
		First:      t0,
		Last:       t0.Add(10 * time.Minute),
		Observations: []sink.Observation{
			{CandidateID: "c1", Time: t0, RA: transientAt.RA, Dec: transientAt.Dec, Flux: 50, Significance: 12},
			{CandidateID: "c2", Time: t0.Add(10 * time.Minute), RA: transientAt.RA, Dec: transientAt.Dec, Flux: 52, Significance: 13},
		},
	}
	if err := store.Emit(context.Background(), stored); err != nil {
		t.Fatalf("emit: %v", err)
	}

	cat := validate.NewMemoryCatalog(validate.CatalogEntry{ID: "SN-1", Coord: transientAt, Class: "SN"})
	v := validate.New(cat, validate.Options{MatchRadiusArcsec: 2, MaxRetries: 1, InitialBackoff: time.Millisecond, LookupTimeout: time.Second, Workers: 1}, logging.Discard())
	r := NewRouter(logging.Discard(), Deps{Config: testConfig(), Store: store, Validator: v})

	res := r.Process(context.Background(), Job{ID: "job-3", Type: JobRevalidate, InputPath: "b1"})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["unavailable"] != 0 {
		t.Fatalf("expected no unavailable tracks, got %v", res.Meta["unavailable"])
	}
	recs, err := store.TrackRecords("b1", "")
	if err != nil {
		t.Fatalf("track records: %v", err)
	}
	if len(recs) != 1 || recs[0].Validation != string(track.OutcomeMatched) || recs[0].MatchID != "SN-1" {
		t.Fatalf("track not revalidated: %+v", recs)
	}
	if recs[0].State != string(track.StateValidated) {
		t.Fatalf("expected VALIDATED, got %s", recs[0].State)
	}
}

func TestRouterRevalidateNeedsStore(t *testing.T) {
	r := NewRouter(logging.Discard(), Deps{Config: testConfig()})
	res := r.Process(context.Background(), Job{ID: "job-4", Type: JobRevalidate, InputPath: "b1"})
	if res.Error == nil {
		t.Fatal("expected error without a database")
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := NewRouter(logging.Discard(), Deps{Config: testConfig()})
	res := r.Process(context.Background(), Job{ID: "job-5", Type: "stack"})
	if res.Error == nil {
		t.Fatal("expected error for unknown job type")
	}
}

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, job Job) Result {
	switch job.InputPath {
	case "panic":
		panic("decoder exploded")
	case "halt":
		return Result{Job: job, BatchID: job.InputPath, Meta: map[string]any{"halted": true}}
	}
	return Result{Job: job, BatchID: job.InputPath, Meta: map[string]any{"tracks": 0}}
}

func TestPipelineSubmitAndWait(t *testing.T) {
	store := testStore(t)
	p := New(context.Background(), 1, logging.Discard(), store, stubProcessor{})
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()
	if err := p.Submit(Job{ID: "job-6", Type: JobDetect, InputPath: "b6"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := Wait(ctx, results, "job-6")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.BatchID != "b6" {
		t.Fatalf("unexpected result %+v", res)
	}

	// The result is broadcast after the job row is finalised.
	jobs, err := store.RecentJobs(5)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" {
		t.Fatalf("unexpected job rows: %+v", jobs)
	}
}

func TestPipelineRecordsHaltAndPanic(t *testing.T) {
	store := testStore(t)
	p := New(context.Background(), 1, logging.Discard(), store, stubProcessor{})
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Submit(Job{ID: "job-halt", Type: JobDetect, InputPath: "halt"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := Wait(ctx, results, "job-halt"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := p.Submit(Job{ID: "job-panic", Type: JobDetect, InputPath: "panic"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := Wait(ctx, results, "job-panic")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Error == nil || !strings.Contains(res.Error.Error(), "panicked") {
		t.Fatalf("expected panic to surface as an error, got %v", res.Error)
	}

	jobs, err := store.RecentJobs(5)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	status := map[string]string{}
	for _, j := range jobs {
		status[j.ID] = j.Status
	}
	if status["job-halt"] != "halted" || status["job-panic"] != "failed" {
		t.Fatalf("unexpected statuses %v", status)
	}
}
