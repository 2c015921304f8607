package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/worker"
)

// Candidate is one place a serving worker may be registered.
type Candidate struct {
	// Path locates the worker endpoint, relative to the registrar's base.
	Path string
	// Scope is the URL scope the worker must control.
	Scope string
}

// DefaultCandidates are tried in order until one registers.
var DefaultCandidates = []Candidate{
	{Path: "/bridge", Scope: "/"},
	{Path: "/api/bridge", Scope: "/"},
	{Path: "/replay/bridge", Scope: "/"},
}

// Registrar installs a serving worker at a candidate and returns its
// controller once the worker is active.
type Registrar interface {
	Register(ctx context.Context, c Candidate) (Controller, error)
}

// Controller delivers messages to an active worker. Replies, if any, are
// sent to reply. Post fails with ErrNoController when the worker no longer
// controls the client.
type Controller interface {
	Post(ctx context.Context, msg message.Message, reply chan<- message.Message) error
}

// scopeCovers reports whether a worker scoped to workerScope controls scope.
func scopeCovers(workerScope, scope string) bool {
	return scope == "" || strings.HasPrefix(scope, workerScope)
}

// LocalRegistrar registers an in-process worker. Messages travel over Go
// channels.
type LocalRegistrar struct {
	worker *worker.Worker
}

// NewLocalRegistrar returns a registrar for w.
func NewLocalRegistrar(w *worker.Worker) *LocalRegistrar {
	return &LocalRegistrar{worker: w}
}

// Register installs and activates the worker, then starts its message loop.
func (r *LocalRegistrar) Register(ctx context.Context, c Candidate) (Controller, error) {
	if !scopeCovers(r.worker.Scope(), c.Scope) {
		return nil, fmt.Errorf("scope %s outside worker scope %s", c.Scope, r.worker.Scope())
	}
	if err := r.worker.Install(ctx); err != nil {
		return nil, fmt.Errorf("installing worker: %w", err)
	}
	if err := r.worker.Activate(ctx); err != nil {
		return nil, fmt.Errorf("activating worker: %w", err)
	}
	// the loop outlives the registration attempt
	r.worker.Start(context.WithoutCancel(ctx))
	return localController{worker: r.worker}, nil
}

type localController struct {
	worker *worker.Worker
}

func (c localController) Post(ctx context.Context, msg message.Message, reply chan<- message.Message) error {
	err := c.worker.PostMessage(ctx, msg, reply)
	if errors.Is(err, worker.ErrNotActive) || errors.Is(err, worker.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrNoController, err)
	}
	return err
}
