package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"skydiff/internal/sink"
	"skydiff/internal/track"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "skydiff.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(batch, id string) sink.TrackRecord {
	t0 := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	return sink.TrackRecord{
		TrackID:          id,
		BatchID:          batch,
		RA:               150.001,
		Dec:              2.002,
		State:            string(track.StateValidated),
		Confidence:       0.62,
		Validation:       string(track.OutcomeMatched),
		MatchID:          "SN2024a",
		MatchClass:       "SN",
		SeparationArcsec: 0.4,
		First:            t0,
		Last:             t0.Add(time.Hour),
		Partition:        "p12",
		Observations: []sink.Observation{
			{CandidateID: "c1", PairID: "pair-1", Time: t0, RA: 150.001, Dec: 2.002, Flux: 40, Significance: 12, SNR: 11},
			{CandidateID: "c2", PairID: "pair-2", Time: t0.Add(time.Hour), RA: 150.001, Dec: 2.002, Flux: 44, Significance: 13, SNR: 12},
		},
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "detect", Status: "queued", InputPath: "m.yaml"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"tracks": 3}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" || jobs[0].StartedAt == nil || jobs[0].CompletedAt == nil {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	meta, err := s.JobMeta("j1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["tracks"] != float64(3) {
		t.Fatalf("meta tracks = %v", meta["tracks"])
	}
}

func TestEmitAndReadBack(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	rec := sampleRecord("b1", "trk-1")
	if err := s.Emit(ctx, rec); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// Re-emitting replaces rather than duplicates.
	rec.Confidence = 0.7
	rec.Observations = rec.Observations[:1]
	if err := s.Emit(ctx, rec); err != nil {
		t.Fatalf("re-emit: %v", err)
	}
	if err := s.Emit(ctx, sampleRecord("b2", "trk-1")); err != nil {
		t.Fatalf("emit other batch: %v", err)
	}

	got, err := s.TrackRecords("b1", "")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if diff := cmp.Diff([]sink.TrackRecord{rec}, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}

	filtered, err := s.TrackRecords("b1", string(track.StateRejected))
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("expected no rejected tracks, got %d", len(filtered))
	}
}

func TestLoadTracksRestoresState(t *testing.T) {
	s := openTemp(t)
	rec := sampleRecord("b1", "trk-9")
	rec.State = string(track.StateConfirmed)
	rec.Validation = string(track.OutcomeUnavailable)
	rec.MatchID, rec.MatchClass, rec.SeparationArcsec = "", "", 0
	if err := s.Emit(context.Background(), rec); err != nil {
		t.Fatalf("emit: %v", err)
	}
	tracks, err := s.LoadTracks("b1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	tr := tracks[0]
	if tr.ID != "trk-9" || tr.State != track.StateConfirmed || tr.Detections() != 2 {
		t.Fatalf("unexpected track: %+v", tr)
	}
	if tr.Validation.Outcome != track.OutcomeUnavailable || tr.Partition != "p12" || tr.Confidence != 0.62 {
		t.Fatalf("lost fields: %+v", tr)
	}
	if !tr.First.Equal(rec.First) || !tr.Last.Equal(rec.Last) {
		t.Fatalf("time span %v..%v, want %v..%v", tr.First, tr.Last, rec.First, rec.Last)
	}
}

func TestSaveBatch(t *testing.T) {
	s := openTemp(t)
	started := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	rec := BatchRecord{
		ID:           "b1",
		ManifestPath: "/inbox/b1.yaml",
		Status:       "completed",
		StartedAt:    started,
		FinishedAt:   started.Add(time.Minute),
		Units:        4,
		Succeeded:    3,
		Skipped:      1,
		Candidates:   7,
		Tracks:       2,
		Report:       []byte(`{"batch_id":"b1"}`),
		Expected:     []string{"SN2024a"},
	}
	fails := []UnitFailureRecord{{PairID: "f.r.g.t", Kind: "alignment", Attempts: 1, Error: "too few stars"}}
	if err := s.SaveBatch(rec, fails); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving again replaces the failure list.
	if err := s.SaveBatch(rec, fails); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.Batch("b1")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("batch mismatch (-want +got):\n%s", diff)
	}
	gotFails, err := s.UnitFailures("b1")
	if err != nil {
		t.Fatalf("failures: %v", err)
	}
	if diff := cmp.Diff(fails, gotFails); diff != "" {
		t.Fatalf("failures mismatch (-want +got):\n%s", diff)
	}

	recent, err := s.RecentBatches(5)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent = %v, %v", recent, err)
	}
	if _, err := s.Batch("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("queue on nil store: %v", err)
	}
	if err := s.Emit(context.Background(), sink.TrackRecord{}); err != nil {
		t.Fatalf("emit on nil store: %v", err)
	}
	if _, err := s.RecentBatches(1); err == nil {
		t.Fatal("expected error reading from nil store")
	}
}
