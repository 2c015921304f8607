package perf

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/replay-bridge/telemetry"
)

const (
	DefaultCheckInterval   = 30 * time.Second
	DefaultMemoryThreshold = 300 * MB
)

// ContentCache is an in-memory cache of archive content that can be trimmed
// down to a single archive under memory pressure.
type ContentCache interface {
	// RetainOnly drops every archive except keep and returns how many were dropped.
	RetainOnly(keep string) int
	// Len returns the number of archives held.
	Len() int
}

// MonitorConfig configures a MemoryMonitor.
type MonitorConfig struct {
	// CheckInterval is how often heap usage is sampled.
	CheckInterval time.Duration

	// Threshold is the heap size in bytes above which a cleanup runs.
	Threshold uint64

	Logger *slog.Logger
}

// MemoryMonitor periodically samples heap usage and, above the threshold,
// evicts metadata, trims content caches to the active archive and returns
// freed memory to the OS.
type MemoryMonitor struct {
	config   MonitorConfig
	metadata *MetadataCache
	logger   *slog.Logger

	readHeap func() uint64
	freeOS   func()

	cachesMu sync.Mutex
	caches   []ContentCache

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastHeap uint64
	cleanups int
}

// NewMemoryMonitor creates a monitor over metadata.
func NewMemoryMonitor(metadata *MetadataCache, cfg MonitorConfig) *MemoryMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultMemoryThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &MemoryMonitor{
		config:   cfg,
		metadata: metadata,
		logger:   cfg.Logger.With("component", "memory-monitor"),
		readHeap: heapAlloc,
		freeOS:   debug.FreeOSMemory,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// AddCache registers a content cache to trim on cleanup.
func (m *MemoryMonitor) AddCache(c ContentCache) {
	m.cachesMu.Lock()
	m.caches = append(m.caches, c)
	m.cachesMu.Unlock()
}

// Start begins periodic checks. It is a no-op when already running or stopped.
func (m *MemoryMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop ends periodic checks and waits for the loop to exit.
func (m *MemoryMonitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// Running reports whether the periodic loop is active.
func (m *MemoryMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && !m.stopped
}

func (m *MemoryMonitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check samples heap usage once and cleans up when over the threshold.
// It reports whether a cleanup ran.
func (m *MemoryMonitor) Check(ctx context.Context) bool {
	heap := m.readHeap()

	m.mu.Lock()
	m.lastHeap = heap
	m.mu.Unlock()

	if heap <= m.config.Threshold {
		telemetry.RecordMemoryCheck(ctx, heap, "ok")
		m.logger.Debug("memory usage", "heap", humanize.IBytes(heap))
		return false
	}

	m.logger.Warn("memory usage high, cleaning up",
		"heap", humanize.IBytes(heap),
		"threshold", humanize.IBytes(m.config.Threshold),
	)
	telemetry.RecordMemoryCheck(ctx, heap, "cleanup")
	m.Cleanup(ctx)
	return true
}

// Cleanup evicts metadata, keeps only the active archive in every content
// cache and asks the runtime to release memory.
func (m *MemoryMonitor) Cleanup(ctx context.Context) {
	active := ""
	evicted := 0
	if m.metadata != nil {
		active = m.metadata.Active()
		evicted = len(m.metadata.Evict(ctx))
	}

	m.cachesMu.Lock()
	caches := append([]ContentCache(nil), m.caches...)
	m.cachesMu.Unlock()

	dropped := 0
	for _, c := range caches {
		dropped += c.RetainOnly(active)
	}

	m.freeOS()

	m.mu.Lock()
	m.cleanups++
	m.mu.Unlock()

	m.logger.Info("memory cleanup complete",
		"active", active,
		"metadata_evicted", evicted,
		"archives_dropped", dropped,
	)
}

// Stats is a snapshot of the performance state.
type Stats struct {
	ArchiveCacheSize       int    `json:"archiveCacheSize"`
	MetadataCacheSize      int    `json:"metadataCacheSize"`
	MetadataCapacity       int    `json:"metadataCapacity"`
	ActiveArchive          string `json:"activeArchive,omitempty"`
	MemoryMonitoringActive bool   `json:"memoryMonitoringActive"`
	HeapAlloc              uint64 `json:"heapAlloc"`
	HeapAllocHuman         string `json:"heapAllocHuman"`
	Threshold              uint64 `json:"threshold"`
	Cleanups               int    `json:"cleanups"`
}

// Stats returns the current performance state.
func (m *MemoryMonitor) Stats() Stats {
	m.cachesMu.Lock()
	archives := 0
	for _, c := range m.caches {
		archives += c.Len()
	}
	m.cachesMu.Unlock()

	m.mu.Lock()
	heap := m.lastHeap
	cleanups := m.cleanups
	m.mu.Unlock()
	if heap == 0 {
		heap = m.readHeap()
	}

	s := Stats{
		ArchiveCacheSize:       archives,
		MemoryMonitoringActive: m.Running(),
		HeapAlloc:              heap,
		HeapAllocHuman:         humanize.IBytes(heap),
		Threshold:              m.config.Threshold,
		Cleanups:               cleanups,
	}
	if m.metadata != nil {
		s.MetadataCacheSize = m.metadata.Len()
		s.MetadataCapacity = m.metadata.Capacity()
		s.ActiveArchive = m.metadata.Active()
	}
	return s
}
