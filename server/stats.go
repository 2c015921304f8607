package server

import (
	"encoding/json"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/replay-bridge/perf"
	"github.com/wolfeidau/replay-bridge/registry"
	"github.com/wolfeidau/replay-bridge/worker"
)

// Stats is the body of GET /stats.
type Stats struct {
	Worker         worker.Descriptor        `json:"worker"`
	Archives       []registry.ArchiveRecord `json:"archives"`
	Caches         []string                 `json:"caches"`
	StoredArchives int                      `json:"storedArchives"`
	StoredBytes    string                   `json:"storedBytes"`
	ActiveLoads    int                      `json:"activeLoads"`
	Perf           perf.Stats               `json:"perf"`
}

// handleStats reports registered archives, scoped caches and the
// performance state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caches, err := s.caches.Keys(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stored, err := s.archives.List(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var storedBytes int64
	for _, a := range stored {
		storedBytes += a.Size
	}

	stats := Stats{
		Worker:         s.worker.Describe(),
		Archives:       s.registry.List(),
		Caches:         caches,
		StoredArchives: len(stored),
		StoredBytes:    humanize.Bytes(uint64(storedBytes)),
		ActiveLoads:    s.loads.Active(),
		Perf:           s.monitor.Stats(),
	}
	if stats.Archives == nil {
		stats.Archives = []registry.ArchiveRecord{}
	}
	if stats.Caches == nil {
		stats.Caches = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
