// Package server provides the HTTP server hosting the replay bridge worker.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/wolfeidau/replay-bridge/archivestore"
	"github.com/wolfeidau/replay-bridge/backend"
	"github.com/wolfeidau/replay-bridge/bridge"
	"github.com/wolfeidau/replay-bridge/cachestorage"
	"github.com/wolfeidau/replay-bridge/credentials"
	"github.com/wolfeidau/replay-bridge/loadworker"
	"github.com/wolfeidau/replay-bridge/perf"
	"github.com/wolfeidau/replay-bridge/registry"
	"github.com/wolfeidau/replay-bridge/store"
	"github.com/wolfeidau/replay-bridge/store/metadb"
	"github.com/wolfeidau/replay-bridge/telemetry"
	"github.com/wolfeidau/replay-bridge/worker"
)

// ErrLocked is returned when another process owns the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":3333")
	Address string

	// PublicURL is the origin clients reach the server at. It is used to
	// build archive URLs. Default http://localhost plus the Address port.
	PublicURL string

	// DataDir holds archives, cached responses and the metadata database.
	DataDir string

	// ArchiveBaseURL is where archive paths are fetched from on a cache
	// miss. Default PublicURL + "/archives".
	ArchiveBaseURL string

	// PassthroughOrigin receives requests that are not archive scoped.
	// Empty answers them with 502.
	PassthroughOrigin string

	// Credentials supply the control endpoint token and per-host upstream
	// credentials (optional).
	Credentials *credentials.Credentials

	// CacheVersion is the scoped cache scheme version. Caches written
	// under another version are deleted on activation.
	CacheVersion string

	// Policy decides how archives are loaded.
	Policy perf.Policy

	// MetadataCapacity bounds the archive metadata cache.
	MetadataCapacity int

	// MemoryThreshold is the heap size in bytes that triggers a cleanup.
	MemoryThreshold uint64

	// MemoryCheckInterval is how often heap usage is sampled.
	MemoryCheckInterval time.Duration

	// RegisterExisting registers every stored archive at startup.
	RegisterExisting bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the replay bridge.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	lock       *flock.Flock

	// Components
	db          *metadb.BoltDB
	registry    *registry.Registry
	caches      *cachestorage.Storage
	worker      *worker.Worker
	interceptor *worker.Interceptor
	control     *worker.ControlHandler
	bridge      *bridge.Client
	archives    *archivestore.Store
	memory      *archivestore.Memory
	metadata    *perf.MetadataCache
	monitor     *perf.MemoryMonitor
	loads       *loadworker.Worker

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
	addrMu    sync.Mutex
	addr      string
}

// New opens the data directory and wires the server components. It fails
// with ErrLocked when another process holds the directory.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":3333"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = publicURL(cfg.Address)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.ArchiveBaseURL == "" {
		cfg.ArchiveBaseURL = cfg.PublicURL + "/archives"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring data directory lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", cfg.DataDir, ErrLocked)
	}

	s := &Server{config: cfg, logger: cfg.Logger, lock: lock}
	if err := s.open(); err != nil {
		s.close()
		return nil, err
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(s.recoverMiddleware(mux)),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func publicURL(address string) string {
	_, port, err := net.SplitHostPort(address)
	if err != nil || port == "" {
		return "http://localhost"
	}
	return "http://localhost:" + port
}

// open creates the storage layers and the worker on top of them.
func (s *Server) open() error {
	cfg := s.config
	logger := cfg.Logger

	archiveBackend, err := backend.NewFilesystem(filepath.Join(cfg.DataDir, "archives"))
	if err != nil {
		return fmt.Errorf("creating archive backend: %w", err)
	}
	blobBackend, err := backend.NewFilesystem(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("creating blob backend: %w", err)
	}
	tmpDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}

	s.db = metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := s.db.Open(filepath.Join(cfg.DataDir, "bridge.db")); err != nil {
		s.db = nil
		return fmt.Errorf("opening metadata database: %w", err)
	}

	cacheOpts := []cachestorage.Option{cachestorage.WithLogger(logger)}
	if cfg.CacheVersion != "" {
		cacheOpts = append(cacheOpts, cachestorage.WithVersion(cfg.CacheVersion))
	}
	s.caches = cachestorage.New(s.db, store.NewCAFS(blobBackend, store.WithTempDir(tmpDir)), cacheOpts...)

	s.registry = registry.New()
	s.worker = worker.New(s.registry, s.caches, worker.WithLogger(logger))
	s.interceptor = worker.NewInterceptor(s.registry, s.caches, worker.InterceptorConfig{
		ArchiveBaseURL: cfg.ArchiveBaseURL,
		Client:         worker.NewHTTPClient(cfg.Credentials),
		Passthrough:    worker.NewPassthrough(cfg.PassthroughOrigin),
		TempDir:        tmpDir,
		Logger:         logger,
	})
	s.control = worker.NewControlHandler(s.worker, logger)
	s.bridge = bridge.New(bridge.NewLocalRegistrar(s.worker),
		bridge.WithOrigin(cfg.PublicURL),
		bridge.WithLogger(logger),
	)

	s.archives = archivestore.New(archiveBackend, archivestore.WithLogger(logger))
	s.memory = archivestore.NewMemory()

	metaOpts := []perf.MetadataOption{perf.WithMetaStore(s.db), perf.WithLogger(logger)}
	if cfg.MetadataCapacity > 0 {
		metaOpts = append(metaOpts, perf.WithCapacity(cfg.MetadataCapacity))
	}
	s.metadata = perf.NewMetadataCache(metaOpts...)
	s.monitor = perf.NewMemoryMonitor(s.metadata, perf.MonitorConfig{
		CheckInterval: cfg.MemoryCheckInterval,
		Threshold:     cfg.MemoryThreshold,
		Logger:        logger,
	})
	s.monitor.AddCache(s.memory)

	s.loads = loadworker.New(s.archives,
		loadworker.WithLogger(logger),
		loadworker.WithHTTPClient(loadworker.NewHTTPClient(cfg.Credentials)),
		loadworker.WithPolicy(cfg.Policy),
		loadworker.WithMemory(s.memory),
		loadworker.WithMetadata(s.metadata),
	)
	return nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Bridge and performance stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Worker control endpoint used by remote bridge clients
	mux.Handle("/bridge", s.authMiddleware(s.control))

	// Stored archive bytes, the default archive base URL
	mux.Handle("/archives/", http.StripPrefix("/archives", s.archives.Handler(s.memory)))

	// Everything else is intercepted
	mux.Handle("/", s.interceptor)
}

// Init loads persisted metadata and activates the worker through the
// in-process bridge client. Start calls it; it runs once.
func (s *Server) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.init(ctx)
	})
	return s.initErr
}

func (s *Server) init(ctx context.Context) error {
	if err := s.metadata.Load(ctx); err != nil {
		s.logger.Warn("loading archive metadata failed", "error", err)
	}

	stored, err := s.archives.List(ctx)
	if err != nil {
		return fmt.Errorf("listing stored archives: %w", err)
	}
	archives := make([]perf.Archive, 0, len(stored))
	for _, a := range stored {
		archives = append(archives, perf.Archive{Name: a.ID, Size: a.Size, Type: a.Type})
	}
	if n := s.metadata.Preload(ctx, archives); n > 0 {
		s.logger.Info("preloaded archive metadata", "archives", n)
	}

	if _, err := s.bridge.Initialize(ctx); err != nil {
		return fmt.Errorf("activating worker: %w", err)
	}

	if s.config.RegisterExisting {
		for _, a := range stored {
			if err := s.registerStored(ctx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// ArchiveURL returns where the stored archive a is served.
func (s *Server) ArchiveURL(a archivestore.Info) string {
	return s.config.PublicURL + "/archives/" + a.Key
}

func (s *Server) registerStored(ctx context.Context, a archivestore.Info) error {
	reply, err := s.bridge.RegisterArchive(ctx, a.ID, s.ArchiveURL(a), a.Size)
	if err != nil {
		return fmt.Errorf("registering %s: %w", a.ID, err)
	}
	s.logger.Info("registered stored archive",
		"archive", reply.ArchiveID,
		"key", a.Key,
		"replay_url", s.bridge.CreateArchiveURL(a.ID, ""),
	)
	return nil
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.worker.Controlling() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, archive, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		route := deriveRoute(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Archive != "" {
			attrs = append(attrs, "archive", tags.Archive)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		level := slog.LevelInfo
		if route == "internal" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// recoverMiddleware turns a handler panic into a 500 response.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked", "panic", rec, "path", r.URL.Path)
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// Start initialises the server and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()

	s.monitor.Start(ctx)

	s.logger.Info("starting server", "address", s.Address(), "data_dir", s.config.DataDir)
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and releases the data directory.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

// Close releases everything New acquired without serving.
func (s *Server) Close() error {
	s.close()
	return nil
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		if s.monitor != nil {
			s.monitor.Stop()
		}
		if s.bridge != nil {
			s.bridge.Close()
		}
		if s.worker != nil {
			s.worker.Stop()
		}
		if s.loads != nil {
			_ = s.loads.Close()
		}
		if s.interceptor != nil {
			s.interceptor.Wait()
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.logger.Warn("closing metadata database", "error", err)
			}
		}
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("releasing data directory lock", "error", err)
		}
	})
}

// Address returns the server's listen address, or the configured one
// before Start.
func (s *Server) Address() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	if s.addr != "" {
		return s.addr
	}
	return s.config.Address
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Bridge returns the in-process bridge client.
func (s *Server) Bridge() *bridge.Client {
	return s.bridge
}

// Archives returns the archive store.
func (s *Server) Archives() *archivestore.Store {
	return s.archives
}

// Loads returns the load worker that stores archives in the data directory.
func (s *Server) Loads() *loadworker.Worker {
	return s.loads
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies a request for logging.
func deriveRoute(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/bridge":
		return "bridge"
	case strings.HasPrefix(path, "/archives/"):
		return "archives"
	case r.URL.Query().Has(worker.ParamArchive):
		return "intercept"
	default:
		return "passthrough"
	}
}
