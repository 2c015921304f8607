// Package cachestorage provides named response caches, one per archive,
// backed by the bbolt index and the content-addressed body store.
//
// Cache names carry a scheme version prefix ("v1/archive-a1"). When the
// on-disk layout changes the version is bumped and DeleteStale removes
// every cache written by an older generation.
package cachestorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/backend"
	"github.com/wolfeidau/replay-bridge/store"
	"github.com/wolfeidau/replay-bridge/store/metadb"
)

// DefaultVersion is the current cache scheme version.
const DefaultVersion = "v1"

// ErrCacheMiss is returned by Match when no response is stored for a request.
var ErrCacheMiss = errors.New("cache miss")

// hopHeaders are never stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Storage manages named caches.
type Storage struct {
	db      *metadb.BoltDB
	blobs   store.Store
	version string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithVersion overrides the scheme version used for new cache names.
func WithVersion(version string) Option {
	return func(s *Storage) {
		s.version = version
	}
}

// WithNow sets the clock used for StoredAt.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// New creates a Storage over db and blobs.
func New(db *metadb.BoltDB, blobs store.Store, opts ...Option) *Storage {
	s := &Storage{
		db:      db,
		blobs:   blobs,
		version: DefaultVersion,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cachestorage")
	return s
}

// Version returns the current scheme version.
func (s *Storage) Version() string {
	return s.version
}

// ArchiveCacheName returns the cache name scoped to archiveID.
func (s *Storage) ArchiveCacheName(archiveID string) string {
	return s.version + "/archive-" + archiveID
}

// Open returns the named cache, creating it when missing.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := s.db.CreateCache(ctx, name); err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", name, err)
	}
	return &Cache{name: name, storage: s}, nil
}

// Has reports whether the named cache exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.db.HasCache(ctx, name)
}

// Keys returns the names of all caches.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.db.ListCaches(ctx)
}

// Delete removes the named cache and any bodies no other cache references.
// It reports whether the cache existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.db.DeleteCache(ctx, name)
	if errors.Is(err, metadb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting cache %s: %w", name, err)
	}

	released := 0
	seen := make(map[replaybridge.Hash]struct{}, len(removed))
	for _, rec := range removed {
		if _, ok := seen[rec.BodyHash]; ok {
			continue
		}
		seen[rec.BodyHash] = struct{}{}
		if s.releaseBody(ctx, rec.BodyHash) {
			released++
		}
	}

	s.logger.Debug("deleted cache", "cache", name, "records", len(removed), "bodies_released", released)
	return true, nil
}

// DeleteStale removes every cache whose name does not carry the current
// scheme version and returns the deleted names.
func (s *Storage) DeleteStale(ctx context.Context) ([]string, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	prefix := s.version + "/"
	var deleted []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := s.Delete(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

func (s *Storage) releaseBody(ctx context.Context, h replaybridge.Hash) bool {
	referenced, err := s.db.BodyReferenced(ctx, h)
	if err != nil || referenced {
		return false
	}
	if err := s.blobs.Delete(ctx, h); err != nil {
		s.logger.Warn("failed to release body", "hash", h.ShortString(), "error", err)
		return false
	}
	return true
}

// Cache is a single named cache.
type Cache struct {
	name    string
	storage *Storage
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Entry is a cached response. The caller must close Body.
type Entry struct {
	Record *metadb.ResponseRecord
	Body   io.ReadCloser
}

// Serve writes the cached status, headers and body to w and closes Body.
func (e *Entry) Serve(w http.ResponseWriter) (int64, error) {
	defer func() { _ = e.Body.Close() }()

	h := w.Header()
	for k, vv := range e.Record.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Set("Content-Length", strconv.FormatInt(e.Record.Size, 10))
	w.WriteHeader(e.Record.Status)
	return io.Copy(w, e.Body)
}

// Match looks up the response stored for r. Returns ErrCacheMiss when
// nothing is stored.
func (c *Cache) Match(ctx context.Context, r *http.Request) (*Entry, error) {
	key := RequestKey(r)
	rec, err := c.storage.db.GetResponse(ctx, c.name, key)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", c.name, err)
	}

	body, err := c.storage.blobs.Get(ctx, rec.BodyHash)
	if errors.Is(err, backend.ErrNotFound) {
		// body was released out from under the record
		_ = c.storage.db.DeleteResponse(ctx, c.name, key)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached body: %w", err)
	}
	return &Entry{Record: rec, Body: body}, nil
}

// Put stores a response for r, replacing any previous one.
func (c *Cache) Put(ctx context.Context, r *http.Request, status int, header http.Header, body io.Reader) (*metadb.ResponseRecord, error) {
	result, err := c.storage.blobs.Put(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("storing body: %w", err)
	}

	stored := header.Clone()
	for _, k := range hopHeaders {
		stored.Del(k)
	}

	rec := &metadb.ResponseRecord{
		Key:      RequestKey(r),
		Method:   r.Method,
		URL:      requestURL(r).String(),
		Status:   status,
		Header:   stored,
		BodyHash: result.Hash,
		Size:     result.Size,
		StoredAt: c.storage.now().UTC(),
	}
	if err := c.storage.db.PutResponse(ctx, c.name, rec); err != nil {
		return nil, fmt.Errorf("indexing response: %w", err)
	}
	return rec, nil
}

// Delete removes the response stored for r.
func (c *Cache) Delete(ctx context.Context, r *http.Request) error {
	return c.storage.db.DeleteResponse(ctx, c.name, RequestKey(r))
}

// Len returns the number of stored responses.
func (c *Cache) Len(ctx context.Context) (int, error) {
	records, err := c.storage.db.ListResponses(ctx, c.name)
	if errors.Is(err, metadb.ErrNotFound) {
		return 0, nil
	}
	return len(records), err
}

// RequestKey returns the cache key for r.
func RequestKey(r *http.Request) replaybridge.Hash {
	return replaybridge.RequestKey(r.Method, requestURL(r))
}

// requestURL returns r's URL made absolute using the Host header.
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}
