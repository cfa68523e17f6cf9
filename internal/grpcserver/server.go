// Package grpcserver exposes the map stage as a gRPC service so batches can
// fan units out to worker hosts that share the image storage.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"skydiff/internal/config"
	"skydiff/internal/engine"
	"skydiff/internal/imaging"
	"skydiff/internal/refstack"
	"skydiff/internal/registry"
)

const (
	// ServiceName is the registered gRPC service.
	ServiceName = "skydiff.mapworker.v1.MapWorker"
	// ExecuteMethod is the full method name of the unary Execute call.
	ExecuteMethod = "/" + ServiceName + "/Execute"

	maxMsgSize = 64 * 1024 * 1024
)

// MapWorkerServer runs one map unit per call.
type MapWorkerServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the MapWorker service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MapWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "skydiff/mapworker.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MapWorkerServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MapWorkerServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ExecutorFactory builds the local executor serving one manifest.
type ExecutorFactory func(manifestPath string) (engine.MapExecutor, error)

// Worker serves Execute with executors cached per manifest.
type Worker struct {
	factory ExecutorFactory
	log     *slog.Logger

	mu        sync.Mutex
	executors map[string]engine.MapExecutor

	served atomic.Int64
	failed atomic.Int64
}

// NewWorker returns a Worker that loads manifests from disk and decodes
// pixels with loader.
func NewWorker(cfg *config.Config, loader registry.PixelLoader, log *slog.Logger) *Worker {
	factory := func(path string) (engine.MapExecutor, error) {
		m, err := registry.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		reg, err := registry.NewManifestRegistry(m, loader, refstack.OptionsFromConfig(cfg.Alignment))
		if err != nil {
			return nil, err
		}
		return engine.LocalExecutorFromConfig(cfg, reg)
	}
	return NewWorkerWithFactory(factory, log)
}

// NewWorkerWithFactory returns a Worker using factory for each new manifest.
func NewWorkerWithFactory(factory ExecutorFactory, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{factory: factory, log: log, executors: make(map[string]engine.MapExecutor)}
}

func (w *Worker) executor(path string) (engine.MapExecutor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if x, ok := w.executors[path]; ok {
		return x, nil
	}
	x, err := w.factory(path)
	if err != nil {
		return nil, err
	}
	w.executors[path] = x
	return x, nil
}

// Stats returns the number of units served and failed.
func (w *Worker) Stats() (served, failed int64) { return w.served.Load(), w.failed.Load() }

// Execute runs one unit. Data-quality failures are returned in the
// response body. A worker that cannot reach the manifest or the image
// storage answers FailedPrecondition so the caller halts the batch;
// transport-level Unavailable stays retryable on another worker.
func (w *Worker) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path, key, err := DecodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	exec, err := w.executor(path)
	if err != nil {
		w.failed.Add(1)
		w.log.Error("cannot serve manifest", "manifest", path, "error", err)
		return nil, status.Errorf(codes.FailedPrecondition, "manifest %s: %v", path, err)
	}

	res, err := exec.Execute(ctx, key)
	if err != nil {
		w.failed.Add(1)
		var ie *imaging.Error
		switch {
		case errors.Is(err, registry.ErrUnavailable):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, err.Error())
		case errors.As(err, &ie) && ie.Kind.DataQuality():
			w.log.Debug("unit rejected", "pair_id", key.PairID(), "kind", ie.Kind, "error", err)
			return EncodeDataQuality(ie), nil
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	w.served.Add(1)
	out, err := EncodeResult(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// Register installs the worker and a health service on s.
func Register(s *grpc.Server, w *Worker) *health.Server {
	s.RegisterService(&ServiceDesc, w)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// TLSOption loads the worker's certificate for the listener.
func TLSOption(certPath, keyPath string) (grpc.ServerOption, error) {
	creds, err := credentials.NewServerTLSFromFile(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker cert: %w", err)
	}
	return grpc.Creds(creds), nil
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, w *Worker, log *slog.Logger, extra ...grpc.ServerOption) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	opts := append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, extra...)
	s := grpc.NewServer(opts...)
	hs := Register(s, w)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		s.GracefulStop()
	}()

	log.Info("map worker listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
