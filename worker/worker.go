// Package worker implements the content-serving worker: its install and
// activate lifecycle, the serve-channel message loop that owns the archive
// registry, and the request interceptor that answers archive-scoped fetches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wolfeidau/replay-bridge/cachestorage"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/registry"
)

// State is the worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrNotActive is returned when posting to a worker that is not activated.
	ErrNotActive = errors.New("worker not active")

	// ErrClosed is returned when posting to a stopped worker.
	ErrClosed = errors.New("worker closed")
)

// Descriptor is what a worker reports about itself.
type Descriptor struct {
	Scope       string `json:"scope"`
	State       State  `json:"state"`
	Controlling bool   `json:"controlling"`
	Archives    int    `json:"archives"`
}

type envelope struct {
	msg   message.Message
	reply chan<- message.Message
}

// Worker owns the registry. Serve-channel messages are handled one at a
// time, in arrival order, by a single goroutine.
type Worker struct {
	registry *registry.Registry
	caches   *cachestorage.Storage
	scope    string
	logger   *slog.Logger

	mu      sync.RWMutex
	state   State
	running bool

	inbox     chan envelope
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithScope sets the URL scope the worker controls. Default "/".
func WithScope(scope string) Option {
	return func(w *Worker) {
		w.scope = scope
	}
}

// WithQueueSize sets how many messages may wait for the loop. Default 64.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.inbox = make(chan envelope, n)
		}
	}
}

// New creates a worker over reg. caches may be nil, in which case cache
// cleanup on activation and unregistration is skipped.
func New(reg *registry.Registry, caches *cachestorage.Storage, opts ...Option) *Worker {
	w := &Worker{
		registry: reg,
		caches:   caches,
		scope:    "/",
		logger:   slog.Default(),
		state:    StateParsed,
		inbox:    make(chan envelope, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker")
	return w
}

// Registry returns the registry the worker owns.
func (w *Worker) Registry() *registry.Registry {
	return w.registry
}

// Scope returns the worker scope.
func (w *Worker) Scope() string {
	return w.scope
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Controlling reports whether the worker has claimed its clients.
func (w *Worker) Controlling() bool {
	return w.State() == StateActivated
}

// Describe returns the worker descriptor.
func (w *Worker) Describe() Descriptor {
	return Descriptor{
		Scope:       w.scope,
		State:       w.State(),
		Controlling: w.Controlling(),
		Archives:    w.registry.Len(),
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	w.logger.Debug("worker state", "from", prev, "to", s)
}

// Install runs the install step and skips waiting, leaving the worker
// ready to activate immediately. Installing an already installed or
// active worker is a no-op.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateParsed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateInstalling
	w.mu.Unlock()

	w.logger.Info("installing worker", "scope", w.scope)
	w.setState(StateInstalled)
	// skip waiting
	w.setState(StateActivating)
	return ctx.Err()
}

// Activate claims clients and deletes caches written under an older scheme
// version. The worker must be installed first.
func (w *Worker) Activate(ctx context.Context) error {
	switch w.State() {
	case StateActivated:
		return nil
	case StateActivating:
	default:
		return fmt.Errorf("activating worker in state %s: %w", w.State(), ErrNotActive)
	}

	if w.caches != nil {
		deleted, err := w.caches.DeleteStale(ctx)
		if err != nil {
			w.logger.Warn("failed to delete stale caches", "error", err)
		}
		for _, name := range deleted {
			w.logger.Info("deleted stale cache", "cache", name)
		}
	}

	w.setState(StateActivated)
	w.logger.Info("worker activated, clients claimed", "scope", w.scope)
	return nil
}

// Start runs the message loop until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.running = true
		w.mu.Unlock()
		go w.run(ctx)
	})
}

// Stop ends the message loop and marks the worker redundant. Queued
// messages are dropped and the worker cannot be started again.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.startOnce.Do(func() {})

		w.mu.RLock()
		running := w.running
		w.mu.RUnlock()
		if running {
			<-w.doneCh
		}
		w.setState(StateRedundant)
	})
}

// PostMessage queues msg for the loop. Replies are sent on reply without
// blocking, so reply should be buffered; a nil reply discards them.
// It fails fast with ErrNotActive when the worker is not controlling.
func (w *Worker) PostMessage(ctx context.Context, msg message.Message, reply chan<- message.Message) error {
	if !w.Controlling() {
		return ErrNotActive
	}
	select {
	case <-w.stopCh:
		return ErrClosed
	default:
	}

	select {
	case w.inbox <- envelope{msg: msg, reply: reply}:
		return nil
	case <-w.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case env := <-w.inbox:
			w.dispatch(ctx, env)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("message handler panicked", "type", env.msg.MessageType(), "panic", r)
		}
	}()

	resp := w.Handle(ctx, env.msg)
	if resp == nil || env.reply == nil {
		return
	}
	select {
	case env.reply <- resp:
	default:
		w.logger.Warn("reply dropped, channel not ready", "type", resp.MessageType(), "id", resp.RequestID())
	}
}

// Handle applies msg and returns its reply, or nil for messages the worker
// does not answer. It is called from the message loop; callers outside the
// loop should use PostMessage.
func (w *Worker) Handle(ctx context.Context, msg message.Message) message.Message {
	switch m := msg.(type) {
	case message.RegisterArchive:
		rec, err := w.registry.Register(m.ArchiveID, m.URL, m.Size)
		if err != nil {
			w.logger.Warn("register archive rejected", "archive", m.ArchiveID, "error", err)
			return message.Reply{ID: m.ID, ArchiveID: m.ArchiveID, Error: err.Error()}
		}
		w.logger.Info("archive registered", "archive", rec.ID, "url", rec.SourceURL, "size", rec.SizeBytes)
		return message.Reply{ID: m.ID, Success: true, ArchiveID: rec.ID}

	case message.UnregisterArchive:
		existed := w.registry.Unregister(m.ArchiveID)
		if w.caches != nil {
			if _, err := w.caches.Delete(ctx, w.caches.ArchiveCacheName(m.ArchiveID)); err != nil {
				w.logger.Warn("failed to drop archive cache", "archive", m.ArchiveID, "error", err)
			}
		}
		w.logger.Info("archive unregistered", "archive", m.ArchiveID, "existed", existed)
		return message.Reply{ID: m.ID, Success: true, ArchiveID: m.ArchiveID}

	case message.Ping:
		return message.Pong{ID: m.ID, Message: message.PongMessage}

	default:
		w.logger.Warn("ignoring unknown message", "type", msg.MessageType())
		return nil
	}
}

// ExpectsReply reports whether the worker answers msg.
func ExpectsReply(msg message.Message) bool {
	switch msg.(type) {
	case message.RegisterArchive, message.UnregisterArchive, message.Ping:
		return true
	}
	return false
}
