package validate

import (
	"context"
	"sort"
	"sync"
	"time"

	"skydiff/internal/sky"
)

// CatalogEntry is a read-only record of the external reference catalog.
type CatalogEntry struct {
	ID         string    `json:"id"`
	Coord      sky.Coord `json:"coord"`
	Class      string    `json:"class"`
	Discovered time.Time `json:"discovered"`
}

// Catalog is the narrow capability the validator needs.
type Catalog interface {
	ConeSearch(ctx context.Context, center sky.Coord, radiusArcsec float64) ([]CatalogEntry, error)
}

// WithinRadius is the inclusive cone test, tolerant to round-off at the edge.
func WithinRadius(sepArcsec, radiusArcsec float64) bool {
	return sepArcsec <= radiusArcsec*(1+1e-9)
}

// MemoryCatalog is an in-process catalog, used for tests and small fields.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries []CatalogEntry
}

// NewMemoryCatalog copies entries.
func NewMemoryCatalog(entries ...CatalogEntry) *MemoryCatalog {
	return &MemoryCatalog{entries: append([]CatalogEntry(nil), entries...)}
}

// Add appends entries.
func (m *MemoryCatalog) Add(entries ...CatalogEntry) {
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
}

func (m *MemoryCatalog) ConeSearch(ctx context.Context, center sky.Coord, radiusArcsec float64) ([]CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CatalogEntry
	for _, e := range m.entries {
		if WithinRadius(sky.SeparationArcsec(center, e.Coord), radiusArcsec) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
