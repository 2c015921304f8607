package perf

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/replay-bridge/store/metadb"
	"github.com/wolfeidau/replay-bridge/telemetry"
)

// DefaultCapacity is the number of metadata entries kept in memory.
const DefaultCapacity = 5

// Entry is the access metadata for one archive.
type Entry struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type,omitempty"`
	AccessCount  int64     `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	Created      time.Time `json:"created"`

	// seq orders entries touched within the same clock tick.
	seq uint64
}

// MetaStore persists metadata entries. *metadb.BoltDB satisfies it.
type MetaStore interface {
	PutArchiveMeta(ctx context.Context, meta metadb.ArchiveMeta) error
	DeleteArchiveMeta(ctx context.Context, name string) error
	ListArchiveMeta(ctx context.Context) ([]metadb.ArchiveMeta, error)
}

// MetadataCache is a bounded, least recently accessed set of archive
// metadata. The active archive is never evicted.
type MetadataCache struct {
	capacity int
	persist  MetaStore
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	active  string
	seq     uint64
}

// MetadataOption configures a MetadataCache.
type MetadataOption func(*MetadataCache)

// WithCapacity sets the capacity. Values below 1 are ignored.
func WithCapacity(n int) MetadataOption {
	return func(c *MetadataCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithMetaStore mirrors every change into s.
func WithMetaStore(s MetaStore) MetadataOption {
	return func(c *MetadataCache) {
		c.persist = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MetadataOption {
	return func(c *MetadataCache) {
		c.logger = logger
	}
}

// WithNow sets the clock.
func WithNow(now func() time.Time) MetadataOption {
	return func(c *MetadataCache) {
		c.now = now
	}
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache(opts ...MetadataOption) *MetadataCache {
	c := &MetadataCache{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		now:      time.Now,
		entries:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "metadata-cache")
	return c
}

// Load replaces the in-memory entries with the persisted ones, most recently
// accessed first, and evicts down to capacity.
func (c *MetadataCache) Load(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}
	metas, err := c.persist.ListArchiveMeta(ctx)
	if err != nil {
		return err
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastAccessed.Before(metas[j].LastAccessed)
	})

	c.mu.Lock()
	c.entries = make(map[string]*Entry, len(metas))
	for _, m := range metas {
		c.seq++
		c.entries[m.Name] = &Entry{
			Name:         m.Name,
			Size:         m.Size,
			Type:         m.Type,
			AccessCount:  m.AccessCount,
			LastAccessed: m.LastAccessed,
			Created:      m.Created,
			seq:          c.seq,
		}
	}
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.forget(ctx, evicted)
	return nil
}

// Touch records an access to a, creating the entry on first access, and
// evicts when the cache is over capacity. Archives without a name are ignored.
func (c *MetadataCache) Touch(ctx context.Context, a Archive) (Entry, bool) {
	if a.Name == "" {
		return Entry{}, false
	}
	now := c.now()

	c.mu.Lock()
	c.seq++
	e, ok := c.entries[a.Name]
	if ok {
		e.AccessCount++
		e.LastAccessed = now
	} else {
		e = &Entry{
			Name:         a.Name,
			Size:         max(a.Size, 0),
			Type:         a.Type,
			AccessCount:  1,
			LastAccessed: now,
			Created:      now,
		}
		c.entries[a.Name] = e
	}
	e.seq = c.seq
	snapshot := *e
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.save(ctx, snapshot)
	c.forget(ctx, evicted)
	return snapshot, true
}

// Preload seeds entries for archives not yet known without counting an access.
func (c *MetadataCache) Preload(ctx context.Context, archives []Archive) int {
	now := c.now()
	var added []Entry

	c.mu.Lock()
	for _, a := range archives {
		if a.Name == "" {
			continue
		}
		if _, ok := c.entries[a.Name]; ok {
			continue
		}
		c.seq++
		e := &Entry{Name: a.Name, Size: max(a.Size, 0), Type: a.Type, LastAccessed: now, Created: now, seq: c.seq}
		c.entries[a.Name] = e
		added = append(added, *e)
	}
	evicted := c.evictLocked()
	c.mu.Unlock()

	for _, e := range added {
		c.save(ctx, e)
	}
	c.forget(ctx, evicted)
	return len(added)
}

// SetActive marks name as the archive currently in view.
func (c *MetadataCache) SetActive(name string) {
	c.mu.Lock()
	c.active = name
	c.mu.Unlock()
}

// Active returns the active archive name.
func (c *MetadataCache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Get returns the entry for name.
func (c *MetadataCache) Get(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns all entries, most recently accessed first.
func (c *MetadataCache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.ordered() {
		out = append(out, *e)
	}
	return out
}

// Len returns the number of entries.
func (c *MetadataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured capacity.
func (c *MetadataCache) Capacity() int {
	return c.capacity
}

// Evict trims the cache to capacity and returns the evicted names.
func (c *MetadataCache) Evict(ctx context.Context) []string {
	c.mu.Lock()
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.forget(ctx, evicted)
	return evicted
}

// ordered returns entries most recently accessed first.
func (c *MetadataCache) ordered() []*Entry {
	list := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastAccessed.Equal(list[j].LastAccessed) {
			return list[i].LastAccessed.After(list[j].LastAccessed)
		}
		return list[i].seq > list[j].seq
	})
	return list
}

func (c *MetadataCache) evictLocked() []string {
	if len(c.entries) <= c.capacity {
		return nil
	}

	keep := make(map[string]struct{}, c.capacity)
	if _, ok := c.entries[c.active]; ok {
		keep[c.active] = struct{}{}
	}
	for _, e := range c.ordered() {
		if len(keep) >= c.capacity {
			break
		}
		keep[e.Name] = struct{}{}
	}

	var evicted []string
	for name := range c.entries {
		if _, ok := keep[name]; !ok {
			delete(c.entries, name)
			evicted = append(evicted, name)
		}
	}
	sort.Strings(evicted)
	return evicted
}

func (c *MetadataCache) save(ctx context.Context, e Entry) {
	if c.persist == nil {
		return
	}
	err := c.persist.PutArchiveMeta(ctx, metadb.ArchiveMeta{
		Name:         e.Name,
		Size:         e.Size,
		Type:         e.Type,
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
		Created:      e.Created,
	})
	if err != nil {
		c.logger.Warn("failed to persist archive metadata", "archive", e.Name, "error", err)
	}
}

func (c *MetadataCache) forget(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	telemetry.RecordMetadataEvictions(ctx, len(names))
	c.logger.Debug("evicted archive metadata", "count", len(names), "archives", names)
	if c.persist == nil {
		return
	}
	for _, name := range names {
		if err := c.persist.DeleteArchiveMeta(ctx, name); err != nil {
			c.logger.Warn("failed to delete archive metadata", "archive", name, "error", err)
		}
	}
}
