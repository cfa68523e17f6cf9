package s3sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydiff/internal/sink"
)

// mockRoundTripper stores PUT bodies keyed by object key (path-style URLs).
type mockRoundTripper struct {
	mu    sync.Mutex
	state map[string][]byte
	fail  bool
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if m.fail {
		return &http.Response{StatusCode: 500, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	if req.Method == http.MethodPut {
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		m.mu.Lock()
		m.state[key] = body
		m.mu.Unlock()
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
	}
	return &http.Response{StatusCode: 501, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

// decodeChunked unwraps a single-chunk aws-chunked body.
func decodeChunked(b []byte) ([]byte, bool) {
	s := string(b)
	head, rest, ok := strings.Cut(s, "\r\n")
	if !ok {
		return nil, false
	}
	head, _, _ = strings.Cut(head, ";")
	n, err := strconv.ParseInt(head, 16, 64)
	if err != nil || n < 0 || int64(len(rest)) < n {
		return nil, false
	}
	return []byte(rest[:n]), true
}

func newMockSink(t *testing.T, rt *mockRoundTripper) *Sink {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.RetryMaxAttempts = 1
	})
	return NewWithClient(client, "tracks-bucket", "tracks/")
}

func TestFlushWritesJSONLines(t *testing.T) {
	rt := &mockRoundTripper{state: make(map[string][]byte)}
	s := newMockSink(t, rt)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, sink.TrackRecord{TrackID: "a", BatchID: "night-1", State: "CONFIRMED"}))
	require.NoError(t, s.Emit(ctx, sink.TrackRecord{TrackID: "b", BatchID: "night-1", State: "NEW"}))
	require.NoError(t, s.Emit(ctx, sink.TrackRecord{TrackID: "c", BatchID: "night-2"}))
	require.NoError(t, s.Flush(ctx, "night-1"))

	body, ok := rt.state["tracks/night-1.jsonl"]
	require.True(t, ok, "object not written")
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var rec sink.TrackRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.TrackID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	_, other := rt.state["tracks/night-2.jsonl"]
	assert.False(t, other)
}

func TestFlushReportsUploadErrors(t *testing.T) {
	rt := &mockRoundTripper{state: make(map[string][]byte), fail: true}
	s := newMockSink(t, rt)
	require.NoError(t, s.Emit(context.Background(), sink.TrackRecord{TrackID: "a", BatchID: "b"}))
	assert.ErrorContains(t, s.Flush(context.Background(), "b"), "tracks/b.jsonl")
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
