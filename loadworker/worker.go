// Package loadworker is the far end of the load channel. It answers addColl
// by downloading the archive into the archive store while reporting
// collProgress, then collAdded. cancelLoad stops a load in flight and ping
// keeps a shared worker alive.
package loadworker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wolfeidau/replay-bridge/archivestore"
	"github.com/wolfeidau/replay-bridge/credentials"
	"github.com/wolfeidau/replay-bridge/download"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/perf"
	"github.com/wolfeidau/replay-bridge/telemetry"
)

// DefaultProgressInterval is the minimum gap between progress reports.
const DefaultProgressInterval = 250 * time.Millisecond

// ErrClosed is returned when posting to a closed worker.
var ErrClosed = errors.New("load worker closed")

// Worker loads collections. It implements the loader's Channel.
type Worker struct {
	store            *archivestore.Store
	memory           *archivestore.Memory
	downloads        *download.Downloader
	client           *http.Client
	policy           perf.Policy
	metadata         *perf.MetadataCache
	progressInterval time.Duration
	logger           *slog.Logger

	out chan message.LoadMessage

	mu        sync.Mutex
	loads     map[string]*inflight
	lastPing  time.Time
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithHTTPClient sets the client used for remote archives.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Worker) {
		w.client = c
	}
}

// WithPolicy sets the loading strategy policy.
func WithPolicy(p perf.Policy) Option {
	return func(w *Worker) {
		w.policy = p
	}
}

// WithMemory keeps fully loaded archives in m.
func WithMemory(m *archivestore.Memory) Option {
	return func(w *Worker) {
		w.memory = m
	}
}

// WithMetadata records every completed load in mc.
func WithMetadata(mc *perf.MetadataCache) Option {
	return func(w *Worker) {
		w.metadata = mc
	}
}

// WithDownloader shares a downloader between workers.
func WithDownloader(d *download.Downloader) Option {
	return func(w *Worker) {
		w.downloads = d
	}
}

// WithProgressInterval overrides DefaultProgressInterval.
func WithProgressInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.progressInterval = d
	}
}

// NewHTTPClient returns the client used for remote archives, applying creds
// per host and recording fetch metrics.
func NewHTTPClient(creds *credentials.Credentials) *http.Client {
	return &http.Client{
		Transport: &credentials.Transport{
			Base:        telemetry.NewInstrumentedTransport(nil, "loadworker"),
			Credentials: creds,
		},
	}
}

// New creates a load worker storing archives in store.
func New(store *archivestore.Store, opts ...Option) *Worker {
	w := &Worker{
		store:            store,
		policy:           perf.DefaultPolicy(),
		progressInterval: DefaultProgressInterval,
		logger:           slog.Default(),
		out:              make(chan message.LoadMessage, 64),
		loads:            make(map[string]*inflight),
		closing:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.client == nil {
		w.client = NewHTTPClient(nil)
	}
	if w.downloads == nil {
		w.downloads = download.New(download.WithLogger(w.logger))
	}
	w.logger = w.logger.With("component", "loadworker")
	return w
}

// Messages returns the channel progress and completion messages are sent
// on. It is closed by Close.
func (w *Worker) Messages() <-chan message.LoadMessage {
	return w.out
}

// LastKeepAlive returns when the last ping arrived.
func (w *Worker) LastKeepAlive() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPing
}

// Active returns the number of loads in flight.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.loads)
}

// Post handles one load-channel message. addColl returns as soon as the
// load has started.
func (w *Worker) Post(ctx context.Context, msg message.LoadMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	switch m := msg.(type) {
	case message.AddColl:
		w.startLocked(m)
	case message.CancelLoad:
		if l, ok := w.loads[m.Name]; ok {
			l.cancel()
			w.logger.Info("load cancelled", "coll", m.Name)
		}
	case message.KeepAlive:
		w.lastPing = time.Now()
	default:
		w.logger.Warn("ignoring message", "type", msg.LoadType(), "coll", msg.Coll())
	}
	return nil
}

type inflight struct {
	cancel context.CancelFunc
}

func (w *Worker) startLocked(m message.AddColl) {
	if prev, ok := w.loads[m.Name]; ok {
		// a repeated addColl restarts the load with a fresh download
		prev.cancel()
		w.downloads.Forget(m.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &inflight{cancel: cancel}
	w.loads[m.Name] = l

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.run(ctx, m)

		w.mu.Lock()
		if w.loads[m.Name] == l {
			delete(w.loads, m.Name)
		}
		w.mu.Unlock()
	}()
}

// Close cancels every load, waits for them and closes Messages.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for _, l := range w.loads {
			l.cancel()
		}
		w.mu.Unlock()

		close(w.closing)
		w.wg.Wait()
		close(w.out)
	})
	return nil
}

// emit sends msg unless the worker is closing.
func (w *Worker) emit(msg message.LoadMessage) {
	select {
	case w.out <- msg:
	case <-w.closing:
	}
}
