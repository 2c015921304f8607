package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sync"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/cachestorage"
	"github.com/wolfeidau/replay-bridge/credentials"
	"github.com/wolfeidau/replay-bridge/download"
	"github.com/wolfeidau/replay-bridge/registry"
	"github.com/wolfeidau/replay-bridge/telemetry"
	"golang.org/x/net/publicsuffix"
)

// DefaultArchiveBaseURL is the serving root archive paths are joined under.
const DefaultArchiveBaseURL = "http://localhost:3333"

// Intercept results, as recorded in metrics.
const (
	ResultHit           = "hit"
	ResultMiss          = "miss"
	ResultNotRegistered = "not_registered"
	ResultUpstreamError = "upstream_error"
	ResultPassthrough   = "passthrough"
)

// forwardedHeaders are copied from the intercepted request to the upstream fetch.
var forwardedHeaders = []string{"Cookie", "Authorization", "Accept", "Accept-Language", "Range", "User-Agent"}

// InterceptorConfig configures an Interceptor.
type InterceptorConfig struct {
	// ArchiveBaseURL is the root archive paths are joined under.
	// Default DefaultArchiveBaseURL.
	ArchiveBaseURL string

	// Client fetches cache misses. Default NewHTTPClient(nil).
	Client *http.Client

	// Passthrough handles requests that are not archive scoped.
	// Default NewPassthrough("").
	Passthrough http.Handler

	// TempDir spools response bodies before caching. Default os.TempDir().
	TempDir string

	// CacheTimeout bounds a background cache write. Default 30s.
	CacheTimeout time.Duration

	Logger *slog.Logger
}

// Interceptor answers archive-scoped requests from the archive's scoped
// cache or its upstream, and forwards every other request unchanged.
type Interceptor struct {
	registry *registry.Registry
	caches   *cachestorage.Storage
	config   InterceptorConfig
	logger   *slog.Logger

	// pending tracks background cache writes.
	pending sync.WaitGroup
}

// NewHTTPClient returns the client used for upstream fetches: it keeps a
// cookie jar, applies creds per host, records fetch metrics and follows
// redirects.
func NewHTTPClient(creds *credentials.Credentials) *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{
		Jar: jar,
		Transport: &credentials.Transport{
			Base:        telemetry.NewInstrumentedTransport(nil, "interceptor"),
			Credentials: creds,
		},
	}
}

// NewInterceptor creates an Interceptor resolving archives against reg.
func NewInterceptor(reg *registry.Registry, caches *cachestorage.Storage, cfg InterceptorConfig) *Interceptor {
	if cfg.ArchiveBaseURL == "" {
		cfg.ArchiveBaseURL = DefaultArchiveBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(nil)
	}
	if cfg.Passthrough == nil {
		cfg.Passthrough = NewPassthrough("")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Interceptor{
		registry: reg,
		caches:   caches,
		config:   cfg,
		logger:   cfg.Logger.With("component", "interceptor"),
	}
}

// Wait blocks until background cache writes have finished.
func (i *Interceptor) Wait() {
	i.pending.Wait()
}

// ServeHTTP implements http.Handler. Every path writes a response.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			i.logger.Error("interceptor panicked", "panic", rec, "url", r.URL.String())
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
	}()

	areq, ok, err := ParseArchiveQuery(r.URL.RawQuery)
	if err != nil || !ok {
		if err != nil {
			i.logger.Debug("unparseable query, passing through", "error", err)
		}
		telemetry.RecordIntercept(r.Context(), ResultPassthrough)
		i.config.Passthrough.ServeHTTP(w, r)
		return
	}

	telemetry.SetArchive(r, areq.ArchiveID)
	telemetry.SetEndpoint(r, "intercept")

	rec, found := i.registry.Lookup(areq.ArchiveID)
	if !found {
		telemetry.SetCacheResult(r, telemetry.CacheNA)
		telemetry.RecordIntercept(r.Context(), ResultNotRegistered)
		i.logger.Warn("archive not registered", "archive", areq.ArchiveID)
		http.Error(w, fmt.Sprintf("Archive %s not registered", areq.ArchiveID), http.StatusNotFound)
		return
	}

	cache, err := i.openCache(r.Context(), areq.ArchiveID)
	if err != nil {
		i.logger.Warn("scoped cache unavailable, fetching directly", "archive", areq.ArchiveID, "error", err)
	}
	if cache != nil && i.serveCached(w, r, cache) {
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	target, err := TargetURL(i.config.ArchiveBaseURL, rec.SourceURL, areq)
	if err != nil {
		telemetry.RecordIntercept(r.Context(), ResultUpstreamError)
		http.Error(w, "Error fetching content: "+err.Error(), http.StatusBadGateway)
		return
	}

	resp, err := i.fetch(r, target)
	if err != nil {
		telemetry.RecordIntercept(r.Context(), ResultUpstreamError)
		download.HandleDownloadError(w, r, i.logger, fmt.Errorf("%w: %w", replaybridge.ErrUpstreamFetch, err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	telemetry.RecordIntercept(r.Context(), ResultMiss)
	w.Header().Set("X-Cache", "MISS")

	if cache == nil || !cacheable(r, resp) {
		download.CopyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			i.logger.Debug("relaying upstream response interrupted", "error", err)
		}
		return
	}

	err = download.StreamThrough(w, resp, i.config.TempDir, func(_ *download.StreamThroughResult, tmpPath string) error {
		i.storeAsync(cache, r, resp.StatusCode, resp.Header.Clone(), tmpPath)
		return nil
	}, i.logger)
	if err != nil {
		i.logger.Warn("streaming upstream response failed", "archive", areq.ArchiveID, "error", err)
	}
}

func (i *Interceptor) openCache(ctx context.Context, archiveID string) (*cachestorage.Cache, error) {
	if i.caches == nil {
		return nil, nil
	}
	return i.caches.Open(ctx, i.caches.ArchiveCacheName(archiveID))
}

// serveCached writes the cached response for r and reports whether there was one.
func (i *Interceptor) serveCached(w http.ResponseWriter, r *http.Request, cache *cachestorage.Cache) bool {
	entry, err := cache.Match(r.Context(), r)
	if err != nil {
		if !errors.Is(err, cachestorage.ErrCacheMiss) {
			i.logger.Warn("cache lookup failed", "cache", cache.Name(), "error", err)
		}
		return false
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	telemetry.RecordIntercept(r.Context(), ResultHit)
	w.Header().Set("X-Cache", "HIT")
	if _, err := entry.Serve(w); err != nil {
		i.logger.Debug("serving cached response interrupted", "cache", cache.Name(), "error", err)
	}
	return true
}

func (i *Interceptor) fetch(r *http.Request, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		return nil, err
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Values(h); len(v) > 0 {
			req.Header[h] = append([]string(nil), v...)
		}
	}
	return i.config.Client.Do(req)
}

// cacheable reports whether resp may be stored. Partial and non-GET
// responses never are.
func cacheable(r *http.Request, resp *http.Response) bool {
	if r.Method != http.MethodGet || r.Header.Get("Range") != "" {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusPartialContent
}

// storeAsync writes the spooled body at tmpPath into cache after the
// response has gone out. It owns tmpPath.
func (i *Interceptor) storeAsync(cache *cachestorage.Cache, r *http.Request, status int, header http.Header, tmpPath string) {
	// the request context ends with the response
	req := r.Clone(context.WithoutCancel(r.Context()))

	i.pending.Add(1)
	go func() {
		defer i.pending.Done()
		defer func() { _ = os.Remove(tmpPath) }()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), i.config.CacheTimeout)
		defer cancel()

		f, err := os.Open(tmpPath)
		if err != nil {
			i.logger.Warn("opening spooled body failed", "error", err)
			return
		}
		defer func() { _ = f.Close() }()

		rec, err := cache.Put(ctx, req, status, header, f)
		if err != nil {
			i.logger.Warn("cache write failed", "cache", cache.Name(), "error", err)
			return
		}
		telemetry.RecordCacheWrite(ctx, rec.Size, true)
		i.logger.Debug("cached response", "cache", cache.Name(), "url", rec.URL, "size", rec.Size)
	}()
}
