package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skydiff/internal/logging"
	"skydiff/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobDetect runs a manifest through the engine. InputPath is the manifest.
	JobDetect JobType = "detect"
	// JobRevalidate repeats catalog lookups for a stored batch. InputPath is the batch id.
	JobRevalidate JobType = "revalidate"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	BatchID string
	Error   error
	Meta    map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline running concurrency batches at a time through processor.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, id, job))
		}
	}
}

// run processes one job and records its outcome. A halted batch is
// recorded as such even though the job itself returned no error.
func (p *Pipeline) run(ctx context.Context, worker int, job Job) (res Result) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Job: job, Error: fmt.Errorf("job %s panicked: %v", job.ID, r)}
		}
		duration := time.Since(start)
		status := "completed"
		switch {
		case res.Error != nil:
			status = "failed"
			logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
				"input":  job.InputPath,
				"worker": worker,
			})
		default:
			if halted, _ := res.Meta["halted"].(bool); halted {
				status = "halted"
			}
			logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
		}
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
		}
	}()

	return p.processor.Process(ctx, job)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Wait blocks until the result of jobID arrives or ctx ends. Subscribe
// before submitting so the result cannot be missed.
func Wait(ctx context.Context, results <-chan Result, jobID string) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return Result{}, errors.New("pipeline stopped")
			}
			if res.Job.ID == jobID {
				return res, nil
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
