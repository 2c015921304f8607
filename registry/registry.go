// Package registry maps archive ids to their source location and size.
//
// A Registry is owned by one worker and lives as long as that worker: it
// starts empty and is discarded on restart. Callers inject it rather than
// sharing a package level instance.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
)

// ErrInvalidRecord is returned when a record is missing its id or has a
// negative size.
var ErrInvalidRecord = errors.New("invalid archive record")

// ArchiveRecord describes a registered archive.
type ArchiveRecord struct {
	ID           string    `json:"id"`
	SourceURL    string    `json:"sourceUrl"`
	SizeBytes    int64     `json:"sizeBytes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry is safe for concurrent use. Writes come from the worker's
// message loop; reads come from request handlers.
type Registry struct {
	mu      sync.RWMutex
	records map[string]ArchiveRecord
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithNow sets the clock used for RegisteredAt.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]ArchiveRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a record. A second registration of the same id replaces
// the first entirely.
func (r *Registry) Register(id, sourceURL string, sizeBytes int64) (ArchiveRecord, error) {
	if id == "" || sizeBytes < 0 {
		return ArchiveRecord{}, ErrInvalidRecord
	}

	rec := ArchiveRecord{
		ID:           id,
		SourceURL:    sourceURL,
		SizeBytes:    sizeBytes,
		RegisteredAt: r.now(),
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()
	return rec, nil
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	return ok
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id string) (ArchiveRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Get is Lookup returning replaybridge.ErrNotRegistered for unknown ids.
func (r *Registry) Get(id string) (ArchiveRecord, error) {
	rec, ok := r.Lookup(id)
	if !ok {
		return ArchiveRecord{}, replaybridge.ErrNotRegistered
	}
	return rec, nil
}

// List returns all records ordered by id.
func (r *Registry) List() []ArchiveRecord {
	r.mu.RLock()
	out := make([]ArchiveRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered archives.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Reset drops every record, as happens when a worker restarts.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.records = make(map[string]ArchiveRecord)
	r.mu.Unlock()
}
