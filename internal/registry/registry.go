// Package registry is the read side of the image archive: it resolves a
// (field, sensor region, filter, time) key into a science/reference pair.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"skydiff/internal/imaging"
)

// ErrUnavailable marks a systemic registry failure. Unlike an input error
// it is not a property of one pair, and it halts the batch.
var ErrUnavailable = errors.New("image registry unavailable")

// Key addresses one science exposure.
type Key struct {
	Field        string    `json:"field"`
	SensorRegion string    `json:"sensor_region"`
	Filter       string    `json:"filter"`
	Time         time.Time `json:"time"`
}

// PairID is the deterministic pair id derived from the key. Candidate ids
// build on it, so a retried unit reproduces the same ids.
func (k Key) PairID() string {
	return fmt.Sprintf("%s.%s.%s.%s", k.Field, k.SensorRegion, k.Filter, k.Time.UTC().Format("20060102T150405.000Z"))
}

func (k Key) String() string { return k.PairID() }

// KeyOf returns the key of a pair's science exposure.
func KeyOf(p *imaging.ImagePair) Key {
	s := &p.Science
	return Key{Field: s.Field, SensorRegion: s.SensorRegion, Filter: s.Filter, Time: s.Time}
}

// Registry fetches image pairs. Missing or malformed pairs come back as
// imaging input errors; ErrUnavailable (wrapped) means the archive is gone.
type Registry interface {
	FetchImagePair(ctx context.Context, key Key) (imaging.ImagePair, error)
}

// Lister is implemented by registries that can enumerate their keys.
type Lister interface {
	Keys() []Key
}

// SortKeys orders keys by time, then field, region and filter.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.SensorRegion != b.SensorRegion {
			return a.SensorRegion < b.SensorRegion
		}
		return a.Filter < b.Filter
	})
}

// Memory is an in-process registry.
type Memory struct {
	mu    sync.RWMutex
	pairs map[string]imaging.ImagePair
	keys  map[string]Key
}

// NewMemory returns a registry holding pairs. Each pair is keyed by its
// science exposure; an empty pair id is filled from the key.
func NewMemory(pairs ...imaging.ImagePair) *Memory {
	m := &Memory{pairs: make(map[string]imaging.ImagePair), keys: make(map[string]Key)}
	for _, p := range pairs {
		m.Put(p)
	}
	return m
}

// Put stores or replaces a pair.
func (m *Memory) Put(p imaging.ImagePair) {
	k := KeyOf(&p)
	if p.ID == "" {
		p.ID = k.PairID()
	}
	m.mu.Lock()
	m.pairs[k.PairID()] = p
	m.keys[k.PairID()] = k
	m.mu.Unlock()
}

func (m *Memory) FetchImagePair(ctx context.Context, key Key) (imaging.ImagePair, error) {
	if err := ctx.Err(); err != nil {
		return imaging.ImagePair{}, err
	}
	m.mu.RLock()
	p, ok := m.pairs[key.PairID()]
	m.mu.RUnlock()
	if !ok {
		return imaging.ImagePair{}, imaging.Errorf(imaging.KindInput, key.PairID(), "fetch", "no pair for %s", key)
	}
	return p, nil
}

// Keys returns every stored key in time order.
func (m *Memory) Keys() []Key {
	m.mu.RLock()
	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	m.mu.RUnlock()
	SortKeys(out)
	return out
}
