package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"skydiff/internal/engine"
	"skydiff/internal/grpcserver"
	"skydiff/internal/imaging"
	"skydiff/internal/logging"
	"skydiff/internal/registry"
	"skydiff/internal/sky"
	"skydiff/internal/track"
)

var t0 = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

// fieldExecutor answers by key field: "bad" fails alignment, "down" loses
// storage, anything else yields one candidate.
type fieldExecutor struct{}

func (fieldExecutor) Execute(ctx context.Context, key registry.Key) (engine.UnitResult, error) {
	switch key.Field {
	case "bad":
		return engine.UnitResult{}, imaging.Errorf(imaging.KindAlignment, key.PairID(), "overlap", "overlap %.2f below %.2f", 0.1, 0.5)
	case "down":
		return engine.UnitResult{}, registry.ErrUnavailable
	}
	return engine.UnitResult{
		PairID:  key.PairID(),
		Scale:   1.0312,
		Overlap: 0.97,
		Candidates: []imaging.Candidate{{
			ID:               key.PairID() + "-0001",
			PairID:           key.PairID(),
			X:                100.25,
			Y:                99.75,
			Coord:            sky.Coord{RA: 150.0001234567, Dec: 2.0009876543},
			Flux:             49.87,
			PeakSignificance: 51.2,
			SNR:              48.1,
			Pixels:           13,
			Bounds:           imaging.Box{MinX: 98, MinY: 98, MaxX: 102, MaxY: 102},
			Field:            key.Field,
			SensorRegion:     key.SensorRegion,
			Filter:           key.Filter,
			Time:             key.Time,
		}},
	}, nil
}

func startWorker(t *testing.T) *Pool {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	w := grpcserver.NewWorkerWithFactory(func(path string) (engine.MapExecutor, error) {
		if path == "/data/missing.yaml" {
			return nil, errors.New("no such file")
		}
		return fieldExecutor{}, nil
	}, logging.Discard())
	grpcserver.Register(s, w)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := NewPool(conn)
	t.Cleanup(func() { p.Close() })
	return p
}

func key(field string, at time.Time) registry.Key {
	return registry.Key{Field: field, SensorRegion: "ccd1", Filter: "r", Time: at}
}

func TestRemoteExecuteRoundTrip(t *testing.T) {
	p := startWorker(t)
	exec, err := p.Executor("/data/night.yaml")
	if err != nil {
		t.Fatal(err)
	}
	k := key("F1", t0)
	got, err := exec.Execute(context.Background(), k)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want, _ := fieldExecutor{}.Execute(context.Background(), k)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result changed over the wire (-want +got):\n%s", diff)
	}
}

func TestRemoteDataQualityError(t *testing.T) {
	p := startWorker(t)
	exec, _ := p.Executor("/data/night.yaml")
	k := key("bad", t0)
	_, err := exec.Execute(context.Background(), k)
	if !errors.Is(err, imaging.ErrAlignment) {
		t.Fatalf("expected alignment error, got %v", err)
	}
	var ie *imaging.Error
	if !errors.As(err, &ie) || ie.PairID != k.PairID() || ie.Op != "overlap" {
		t.Fatalf("typed error lost fields: %#v", err)
	}
	if errors.Is(err, registry.ErrUnavailable) {
		t.Fatal("data-quality error must not look systemic")
	}
}

func TestRemoteSystemicErrors(t *testing.T) {
	p := startWorker(t)

	exec, _ := p.Executor("/data/night.yaml")
	if _, err := exec.Execute(context.Background(), key("down", t0)); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for lost storage, got %v", err)
	}

	missing, _ := p.Executor("/data/missing.yaml")
	if _, err := missing.Execute(context.Background(), key("F1", t0)); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unreadable manifest, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	p := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Check(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
}

func TestEngineOverRemoteWorkers(t *testing.T) {
	p := startWorker(t)
	exec, _ := p.Executor("/data/night.yaml")

	opts := track.DefaultOptions()
	opts.Workers = 1
	eng := engine.New(exec, track.New(opts, logging.Discard()),
		engine.Options{Workers: 2, UnitTimeout: 5 * time.Second, MaxRetries: 1, RetryBackoff: time.Millisecond},
		logging.Discard())

	rep, err := eng.RunBatch(context.Background(), engine.Batch{
		ID:   "remote",
		Keys: []registry.Key{key("F1", t0), key("F1", t0.Add(10*time.Minute)), key("bad", t0)},
	})
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if rep.Diagnostics.Succeeded != 2 || rep.Diagnostics.FailuresByKind[string(imaging.KindAlignment)] != 1 {
		t.Fatalf("unexpected diagnostics %+v", rep.Diagnostics)
	}
	if len(rep.Tracks) != 1 || rep.Tracks[0].State != track.StateConfirmed {
		t.Fatalf("expected one confirmed track, got %+v", rep.Tracks)
	}
}
