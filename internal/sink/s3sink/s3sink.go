// Package s3sink writes each batch's track records to an S3-compatible
// bucket as one JSON-lines object.
package s3sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"skydiff/internal/sink"
)

// Config holds construction parameters. Credentials fall back to the
// default chain when AccessKeyID is empty.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional; MinIO and friends
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Sink buffers records per batch and uploads them on Flush.
type Sink struct {
	client *s3.Client
	bucket string
	prefix string

	mu      sync.Mutex
	pending map[string]*bytes.Buffer
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Sink {
	return &Sink{client: client, bucket: bucket, prefix: prefix, pending: make(map[string]*bytes.Buffer)}
}

// Key returns the object key of a batch.
func (s *Sink) Key(batchID string) string {
	return path.Join(s.prefix, batchID+".jsonl")
}

func (s *Sink) Emit(_ context.Context, rec sink.TrackRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode track %s: %w", rec.TrackID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pending[rec.BatchID]
	if !ok {
		buf = &bytes.Buffer{}
		s.pending[rec.BatchID] = buf
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// Flush uploads the batch's buffered records. A batch with no records
// still gets an empty object so consumers can tell it ran.
func (s *Sink) Flush(ctx context.Context, batchID string) error {
	s.mu.Lock()
	buf := s.pending[batchID]
	delete(s.pending, batchID)
	s.mu.Unlock()

	var body []byte
	if buf != nil {
		body = buf.Bytes()
	}
	key := s.Key(batchID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
