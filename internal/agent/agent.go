// Package agent dispatches map units to remote skydiff workers.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"skydiff/internal/engine"
	"skydiff/internal/grpcserver"
	"skydiff/internal/registry"
)

const maxMsgSize = 64 * 1024 * 1024

// Config describes how to reach the workers.
type Config struct {
	Addresses []string `json:"addresses"`

	// Security
	TLSCertPath string `json:"tlsCertPath"`
	TLSKeyPath  string `json:"tlsKeyPath"`
	CACertPath  string `json:"caCertPath"`
	Insecure    bool   `json:"insecure"`
}

// Pool round-robins calls over a fixed set of worker connections.
type Pool struct {
	conns []*grpc.ClientConn
	next  atomic.Uint64
}

// Dial opens a client connection per address. Connections are lazy;
// use Check to verify the workers are serving.
func Dial(cfg Config) (*Pool, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("no worker addresses configured")
	}
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pool{}
	for _, addr := range cfg.Addresses {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to connect to worker %s: %w", addr, err)
		}
		p.conns = append(p.conns, conn)
	}
	return p, nil
}

// NewPool wraps existing connections.
func NewPool(conns ...*grpc.ClientConn) *Pool { return &Pool{conns: conns} }

func dialOptions(cfg Config) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := createTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	// Keepalive settings
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(maxMsgSize),
		grpc.MaxCallSendMsgSize(maxMsgSize),
	))
	return opts, nil
}

func createTLSConfig(cfg Config) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		config.RootCAs = caCertPool
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// Close closes every connection.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Size is the number of workers.
func (p *Pool) Size() int { return len(p.conns) }

func (p *Pool) pick() *grpc.ClientConn {
	n := p.next.Add(1) - 1
	return p.conns[n%uint64(len(p.conns))]
}

// Check asks every worker's health service whether the map worker is serving.
func (p *Pool) Check(ctx context.Context) error {
	var errs []error
	for _, c := range p.conns {
		resp, err := healthpb.NewHealthClient(c).Check(ctx, &healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
		if err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", c.Target(), err))
			continue
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			errs = append(errs, fmt.Errorf("worker %s: %s", c.Target(), resp.GetStatus()))
		}
	}
	return errors.Join(errs...)
}

// Executor returns a map executor for the manifest at path. Workers must
// see the same path, so it is made absolute.
func (p *Pool) Executor(manifestPath string) (*RemoteExecutor, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, err
	}
	return &RemoteExecutor{pool: p, manifest: abs}, nil
}

// RemoteExecutor implements engine.MapExecutor over the pool.
type RemoteExecutor struct {
	pool     *Pool
	manifest string
}

var _ engine.MapExecutor = (*RemoteExecutor)(nil)

// Execute sends key to the next worker. Workers that cannot read the
// manifest or storage surface as registry.ErrUnavailable; transport
// failures are plain errors so the engine retries them, usually on a
// different worker.
func (r *RemoteExecutor) Execute(ctx context.Context, key registry.Key) (engine.UnitResult, error) {
	req, err := grpcserver.EncodeRequest(r.manifest, key)
	if err != nil {
		return engine.UnitResult{}, err
	}
	conn := r.pool.pick()
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, grpcserver.ExecuteMethod, req, out); err != nil {
		switch status.Code(err) {
		case codes.FailedPrecondition:
			return engine.UnitResult{}, fmt.Errorf("%w: worker %s: %s", registry.ErrUnavailable, conn.Target(), status.Convert(err).Message())
		case codes.DeadlineExceeded:
			return engine.UnitResult{}, fmt.Errorf("worker %s: %w", conn.Target(), context.DeadlineExceeded)
		case codes.Canceled:
			return engine.UnitResult{}, fmt.Errorf("worker %s: %w", conn.Target(), context.Canceled)
		}
		return engine.UnitResult{}, fmt.Errorf("worker %s: %w", conn.Target(), err)
	}
	return grpcserver.DecodeResult(out)
}
