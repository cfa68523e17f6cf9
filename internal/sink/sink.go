// Package sink delivers finalised track records to their consumers: the
// database, live subscribers and object storage.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"skydiff/internal/track"
)

// Observation is one detection of a track.
type Observation struct {
	CandidateID  string    `json:"candidate_id"`
	PairID       string    `json:"pair_id"`
	Time         time.Time `json:"time"`
	RA           float64   `json:"ra"`
	Dec          float64   `json:"dec"`
	Flux         float64   `json:"flux"`
	Significance float64   `json:"significance"`
	SNR          float64   `json:"snr"`
}

// TrackRecord is the exported form of a finalised EventTrack.
type TrackRecord struct {
	TrackID          string        `json:"track_id"`
	BatchID          string        `json:"batch_id"`
	RA               float64       `json:"ra"`
	Dec              float64       `json:"dec"`
	State            string        `json:"state"`
	Confidence       float64       `json:"confidence"`
	RejectReason     string        `json:"reject_reason,omitempty"`
	Validation       string        `json:"validation,omitempty"`
	MatchID          string        `json:"match_id,omitempty"`
	MatchClass       string        `json:"match_class,omitempty"`
	SeparationArcsec float64       `json:"separation_arcsec,omitempty"`
	First            time.Time     `json:"first"`
	Last             time.Time     `json:"last"`
	Partition        string        `json:"partition,omitempty"`
	Observations     []Observation `json:"observations"`
}

// FromTrack converts t. Observations keep the track's time order.
func FromTrack(batchID string, t *track.EventTrack) TrackRecord {
	rec := TrackRecord{
		TrackID:          t.ID,
		BatchID:          batchID,
		RA:               t.Coord.RA,
		Dec:              t.Coord.Dec,
		State:            string(t.State),
		Confidence:       t.Confidence,
		RejectReason:     t.RejectReason,
		Validation:       string(t.Validation.Outcome),
		MatchID:          t.Validation.MatchID,
		MatchClass:       t.Validation.MatchClass,
		SeparationArcsec: t.Validation.SeparationArcsec,
		First:            t.First,
		Last:             t.Last,
		Partition:        t.Partition,
		Observations:     make([]Observation, 0, len(t.Candidates)),
	}
	for _, c := range t.Candidates {
		rec.Observations = append(rec.Observations, Observation{
			CandidateID:  c.ID,
			PairID:       c.PairID,
			Time:         c.Time,
			RA:           c.Coord.RA,
			Dec:          c.Coord.Dec,
			Flux:         c.Flux,
			Significance: c.PeakSignificance,
			SNR:          c.SNR,
		})
	}
	return rec
}

// Sink receives track records one at a time.
type Sink interface {
	Emit(ctx context.Context, rec TrackRecord) error
}

// Flusher is implemented by sinks that buffer a batch and write it at the end.
type Flusher interface {
	Flush(ctx context.Context, batchID string) error
}

// Multi fans a record out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, rec TrackRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Flush(ctx context.Context, batchID string) error {
	var errs []error
	for _, s := range m {
		if f, ok := s.(Flusher); ok {
			if err := f.Flush(ctx, batchID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, rec TrackRecord) error

func (f Func) Emit(ctx context.Context, rec TrackRecord) error { return f(ctx, rec) }

// Memory keeps every record; used by tests and the revalidate command.
type Memory struct {
	mu      sync.Mutex
	records []TrackRecord
}

func (m *Memory) Emit(_ context.Context, rec TrackRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of what was emitted.
func (m *Memory) Records() []TrackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TrackRecord(nil), m.records...)
}

// Broadcaster fans records out to live subscribers, dropping records for
// subscribers that fall behind.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan TrackRecord
	nextID int
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan TrackRecord)}
}

// Subscribe returns a channel of records and an unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan TrackRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan TrackRecord, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) Emit(_ context.Context, rec TrackRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}
