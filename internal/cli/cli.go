package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"skydiff/internal/agent"
	"skydiff/internal/config"
	"skydiff/internal/grpcserver"
	"skydiff/internal/metrics"
	"skydiff/internal/pipeline"
	"skydiff/internal/registry"
	"skydiff/internal/server"
	"skydiff/internal/sink"
	"skydiff/internal/storage"
	"skydiff/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions are the flags of the serve command.
type serveOptions struct {
	Addr  string
	Inbox string // empty disables the manifest watcher
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

type workerFunc func(ctx context.Context, r *Root, addr string) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	live     *sink.Broadcaster
	metrics  *metrics.Recorder
	workers  *agent.Pool
	out      io.Writer
	serveFn  serverFunc
	workerFn workerFunc
}

// NewRoot constructs the CLI root over the services of one process.
func NewRoot(svc *Services, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		serveFn:  defaultServe,
		workerFn: defaultWorker,
	}
	if svc != nil {
		if svc.Pipeline != nil {
			r.pipeline = svc.Pipeline
		}
		r.live = svc.Live
		r.metrics = svc.Metrics
		r.workers = svc.Workers
	}
	return r
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := newCommand(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SilenceUsage = true
	return cmd.ExecuteContext(ctx)
}

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	if r.pipeline == nil {
		return fmt.Errorf("pipeline unavailable for server startup")
	}
	if r.workers != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.workers.Check(checkCtx); err != nil {
			r.log.Warn("remote workers not ready", "error", err)
		}
		cancel()
	}

	srv := server.NewServer(opts.Addr, r.store, r.pipeline, r.live, r.metrics, r.log)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })

	if opts.Inbox != "" {
		if err := os.MkdirAll(opts.Inbox, 0o755); err != nil {
			return fmt.Errorf("create inbox: %w", err)
		}
		inbox := watch.NewInbox(opts.Inbox, func(path string) error {
			job := pipeline.Job{ID: newID("detect"), Type: pipeline.JobDetect, InputPath: path}
			return r.enqueue(ctx, job)
		}, r.log)
		g.Go(func() error { return inbox.Run(ctx) })
	}
	return g.Wait()
}

func defaultWorker(ctx context.Context, r *Root, addr string) error {
	var extra []grpc.ServerOption
	if !r.cfg.Server.Insecure && r.cfg.Server.TLSCertPath != "" && r.cfg.Server.TLSKeyPath != "" {
		creds, err := grpcserver.TLSOption(r.cfg.Server.TLSCertPath, r.cfg.Server.TLSKeyPath)
		if err != nil {
			return err
		}
		extra = append(extra, creds)
	}
	w := grpcserver.NewWorker(r.cfg, registry.NewMagickLoader(), r.log)
	return grpcserver.Serve(ctx, addr, w, r.log, extra...)
}

// cmdRun queues a detection batch for manifest and prints its summary.
func (r *Root) cmdRun(ctx context.Context, manifest, batchID, asOf string) error {
	abs, err := filepath.Abs(manifest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	opts := map[string]any{}
	if batchID != "" {
		opts["batch"] = batchID
	}
	if asOf != "" {
		if _, err := time.Parse(time.RFC3339, asOf); err != nil {
			return fmt.Errorf("--as-of must be RFC3339: %w", err)
		}
		opts["as_of"] = asOf
	}

	job := pipeline.Job{ID: newID("detect"), Type: pipeline.JobDetect, InputPath: abs, Options: opts}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	r.printSummary(res)
	if halted, _ := res.Meta["halted"].(bool); halted {
		return fmt.Errorf("batch %s halted", res.BatchID)
	}
	return nil
}

// cmdRevalidate repeats the catalog lookups of a stored batch.
func (r *Root) cmdRevalidate(ctx context.Context, batchID string) error {
	job := pipeline.Job{ID: newID("revalidate"), Type: pipeline.JobRevalidate, InputPath: batchID}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return err
	}
	r.printSummary(res)
	return nil
}

func (r *Root) printSummary(res pipeline.Result) {
	fmt.Fprintf(r.out, "batch %s (%s)\n", res.BatchID, res.Job.Type)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %-16s %v\n", k+":", res.Meta[k])
	}
}

// cmdBatches lists recent batches.
func (r *Root) cmdBatches(limit int) error {
	if r.store == nil {
		return errors.New("no database configured")
	}
	batches, err := r.store.RecentBatches(limit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(r.out, "no batches recorded")
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUNITS\tSKIPPED\tCANDIDATES\tTRACKS\tSTARTED")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			b.ID, b.Status, b.Units, b.Skipped, b.Candidates, b.Tracks, b.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// cmdBatchShow prints one batch with its unit failures and tracks.
func (r *Root) cmdBatchShow(id, state string) error {
	if r.store == nil {
		return errors.New("no database configured")
	}
	b, err := r.store.Batch(id)
	if err != nil {
		return fmt.Errorf("batch %s: %w", id, err)
	}
	fmt.Fprintf(r.out, "batch %s  status=%s  units=%d succeeded=%d skipped=%d candidates=%d tracks=%d\n",
		b.ID, b.Status, b.Units, b.Succeeded, b.Skipped, b.Candidates, b.Tracks)
	if b.HaltReason != "" {
		fmt.Fprintf(r.out, "halted: %s\n", b.HaltReason)
	}

	failures, err := r.store.UnitFailures(id)
	if err != nil {
		return err
	}
	for _, f := range failures {
		fmt.Fprintf(r.out, "  skipped %s [%s] after %d attempt(s): %s\n", f.PairID, f.Kind, f.Attempts, f.Error)
	}

	tracks, err := r.store.TrackRecords(id, strings.ToUpper(state))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tSTATE\tRA\tDEC\tHITS\tCONFIDENCE\tVALIDATION\tMATCH")
	for _, t := range tracks {
		fmt.Fprintf(tw, "%s\t%s\t%.6f\t%.6f\t%d\t%.3f\t%s\t%s\n",
			t.TrackID, t.State, t.RA, t.Dec, len(t.Observations), t.Confidence, t.Validation, t.MatchID)
	}
	return tw.Flush()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline unavailable")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	res, err := pipeline.Wait(ctx, resCh, job.ID)
	if err != nil {
		return pipeline.Result{}, err
	}
	return res, res.Error
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
