package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"skydiff/internal/metrics"
	"skydiff/internal/pipeline"
	"skydiff/internal/sink"
	"skydiff/internal/storage"
	"skydiff/internal/web"
)

// Queue is the part of the job pipeline the server drives.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes batches, tracks and live results over HTTP.
type Server struct {
	addr    string
	store   *storage.Store
	queue   Queue
	live    *sink.Broadcaster
	hub     *web.Hub
	metrics *metrics.Recorder
	log     *slog.Logger
	server  *http.Server
}

// NewServer wires the HTTP surface. live may be nil, which disables /ws.
func NewServer(addr string, store *storage.Store, queue Queue, live *sink.Broadcaster, rec *metrics.Recorder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:    addr,
		store:   store,
		queue:   queue,
		live:    live,
		metrics: rec,
		log:     log,
	}
	if live != nil {
		s.hub = web.NewHub(log)
	}
	return s
}

// Handler returns the router; the websocket hub must be running for /ws.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// RunHub starts the websocket hub and feeds it live records until ctx ends.
func (s *Server) RunHub(ctx context.Context) {
	if s.hub == nil {
		return
	}
	records, unsubscribe := s.live.Subscribe()
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	go s.hub.Feed(ctx, records)
	s.hub.Run(ctx)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.RunHub(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/batches", s.handleBatches).Methods("GET")
	r.HandleFunc("/batches", s.handleSubmitBatch).Methods("POST")
	r.HandleFunc("/batches/{id}", s.handleBatch).Methods("GET")
	r.HandleFunc("/batches/{id}/tracks", s.handleTracks).Methods("GET")
	r.HandleFunc("/batches/{id}/revalidate", s.handleRevalidate).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	if s.hub != nil {
		r.Handle("/ws", s.hub).Methods("GET")
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentBatches(limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.BatchRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type batchResponse struct {
	storage.BatchRecord
	Failures []storage.UnitFailureRecord `json:"failures"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Batch(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failures, err := s.store.UnitFailures(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{BatchRecord: rec, Failures: failures})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, err := s.store.TrackRecords(id, r.URL.Query().Get("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []sink.TrackRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Manifest string `json:"manifest"`
	Batch    string `json:"batch,omitempty"`
	AsOf     string `json:"as_of,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.queue.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Manifest == "" {
		http.Error(w, "manifest is required", http.StatusBadRequest)
		return
	}
	opts := map[string]any{}
	if req.Batch != "" {
		opts["batch"] = req.Batch
	}
	if req.AsOf != "" {
		opts["as_of"] = req.AsOf
	}
	s.submit(w, pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobDetect, InputPath: req.Manifest, Options: opts})
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, err := s.store.Batch(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.submit(w, pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobRevalidate, InputPath: id})
}

type streamEvent struct {
	JobID   string         `json:"job_id"`
	Type    string         `json:"type"`
	BatchID string         `json:"batch_id,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			ev := streamEvent{JobID: res.Job.ID, Type: string(res.Job.Type), BatchID: res.BatchID, Meta: res.Meta}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
