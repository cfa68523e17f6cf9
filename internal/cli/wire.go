package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"skydiff/internal/agent"
	"skydiff/internal/catalog/sqlcatalog"
	"skydiff/internal/config"
	"skydiff/internal/engine"
	"skydiff/internal/metrics"
	"skydiff/internal/pipeline"
	"skydiff/internal/registry"
	"skydiff/internal/sink"
	"skydiff/internal/sink/s3sink"
	"skydiff/internal/storage"
	"skydiff/internal/validate"
)

// Services are the long-lived components shared by every command of one process.
type Services struct {
	Pipeline *pipeline.Pipeline
	Live     *sink.Broadcaster
	Metrics  *metrics.Recorder
	Workers  *agent.Pool // nil when units run in-process

	closers []io.Closer
}

// Build assembles the job pipeline from cfg: catalog cross-matching when a
// catalog database is configured, S3 export when a bucket is set, and
// remote map workers when addresses are listed.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, store *storage.Store) (*Services, error) {
	svc := &Services{Live: sink.NewBroadcaster(), Metrics: metrics.New()}
	deps := pipeline.Deps{
		Config:  cfg,
		Store:   store,
		Loader:  registry.NewMagickLoader(),
		Metrics: svc.Metrics,
	}

	out := sink.Multi{svc.Live}
	if cfg.Output.S3Bucket != "" {
		s3, err := s3sink.New(ctx, s3sink.Config{
			Bucket:    cfg.Output.S3Bucket,
			Prefix:    cfg.Output.S3Prefix,
			Region:    cfg.Output.S3Region,
			Endpoint:  cfg.Output.S3Endpoint,
			PathStyle: cfg.Output.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 output: %w", err)
		}
		out = append(out, s3)
		log.Info("exporting tracks to s3", "bucket", cfg.Output.S3Bucket, "prefix", cfg.Output.S3Prefix)
	}
	deps.Sink = out

	if cfg.Catalog.SQLitePath != "" {
		cat, err := sqlcatalog.Open(cfg.Catalog.SQLitePath, cfg.Catalog.Table)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		svc.closers = append(svc.closers, cat)
		deps.Validator = validate.New(cat, validate.OptionsFromConfig(cfg.Validation), log)
	}

	if len(cfg.Server.RemoteWorkers) > 0 {
		pool, err := agent.Dial(agent.Config{
			Addresses:   cfg.Server.RemoteWorkers,
			TLSCertPath: cfg.Server.TLSCertPath,
			TLSKeyPath:  cfg.Server.TLSKeyPath,
			CACertPath:  cfg.Server.CACertPath,
			Insecure:    cfg.Server.Insecure,
		})
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.Workers = pool
		svc.closers = append(svc.closers, pool)
		deps.Executor = func(manifestPath string, _ registry.Registry) (engine.MapExecutor, error) {
			x, err := pool.Executor(manifestPath)
			if err != nil {
				return nil, err
			}
			return x, nil
		}
		log.Info("map units dispatched to remote workers", "workers", pool.Size())
	}

	svc.Pipeline = pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, pipeline.NewRouter(log, deps))
	return svc, nil
}

// Close stops the pipeline and releases catalog and worker connections.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	if s.Pipeline != nil {
		s.Pipeline.Stop()
	}
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
