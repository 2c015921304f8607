// Package bridge is the client side of the serve channel. It registers a
// serving worker from an ordered list of candidates and offers a typed
// request/response API over it, correlating replies by request id.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/telemetry"
	"github.com/wolfeidau/replay-bridge/worker"
)

const (
	// DefaultAttemptTimeout bounds one registration attempt.
	DefaultAttemptTimeout = 10 * time.Second

	// ConstrainedAttemptTimeout bounds one attempt under ProfileConstrained.
	ConstrainedAttemptTimeout = 3 * time.Second

	// DefaultRequestTimeout bounds a request waiting for its reply.
	DefaultRequestTimeout = 10 * time.Second

	constrainedBackoff = time.Second
	constrainedSettle  = 500 * time.Millisecond
)

// ErrNoController is returned when no active worker controls the client.
var ErrNoController = errors.New("no active worker")

// ErrRejected is returned with a reply whose success flag is false.
var ErrRejected = errors.New("worker rejected request")

// RegistrationError reports that every candidate failed. It matches
// replaybridge.ErrRegistration and the last underlying error.
type RegistrationError struct {
	Attempts int
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("worker registration failed after %d candidates: %v", e.Attempts, e.Err)
}

func (e *RegistrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{replaybridge.ErrRegistration}
	}
	return []error{replaybridge.ErrRegistration, e.Err}
}

// Profile tunes registration for the host platform.
type Profile int

const (
	// ProfileDefault uses the standard timeouts.
	ProfileDefault Profile = iota
	// ProfileConstrained shortens attempts, backs off after network errors
	// and lets a fresh registration settle before use.
	ProfileConstrained
)

type pendingRequest struct {
	reply  chan message.Message
	sentAt time.Time
}

// Client talks to the serving worker.
type Client struct {
	registrar      Registrar
	candidates     []Candidate
	profile        Profile
	origin         string
	attemptTimeout time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error

	initMu     sync.Mutex
	mu         sync.RWMutex
	controller Controller

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	inbox      chan message.Message
	listenOnce sync.Once
	closeOnce  sync.Once
	closeCh    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithCandidates replaces DefaultCandidates.
func WithCandidates(candidates ...Candidate) Option {
	return func(c *Client) {
		c.candidates = candidates
	}
}

// WithProfile sets the platform profile.
func WithProfile(p Profile) Option {
	return func(c *Client) {
		c.profile = p
	}
}

// WithOrigin sets the origin archive URLs are built on.
func WithOrigin(origin string) Option {
	return func(c *Client) {
		c.origin = origin
	}
}

// WithAttemptTimeout overrides the per-candidate timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.attemptTimeout = d
	}
}

// WithRequestTimeout overrides how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// withSleep replaces the delay used for backoff and settling.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// DefaultOrigin is the origin replay URLs are built on without WithOrigin;
// it matches the server's default listen address.
const DefaultOrigin = "http://localhost:3333"

// New returns a client registering through r. A nil r makes Initialize
// report ErrUnsupported.
func New(r Registrar, opts ...Option) *Client {
	c := &Client{
		registrar:  r,
		candidates: DefaultCandidates,
		origin:     DefaultOrigin,
		logger:     slog.Default(),
		sleep:      sleepContext,
		pending:    make(map[string]*pendingRequest),
		inbox:      make(chan message.Message, 64),
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = DefaultAttemptTimeout
		if c.profile == ProfileConstrained {
			c.attemptTimeout = ConstrainedAttemptTimeout
		}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	c.logger = c.logger.With("component", "bridge")
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether a worker has been registered.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller != nil
}

// Initialize registers the serving worker, trying each candidate in order.
// It returns true once a worker controls the client. Calls after a success
// return true immediately.
func (c *Client) Initialize(ctx context.Context) (bool, error) {
	if c.Ready() {
		return true, nil
	}
	if c.registrar == nil {
		return false, fmt.Errorf("no worker registrar: %w", replaybridge.ErrUnsupported)
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.Ready() {
		return true, nil
	}

	var lastErr error
	for i, cand := range c.candidates {
		if err := ctx.Err(); err != nil {
			return false, &RegistrationError{Attempts: i, Err: err}
		}

		ctrl, err := c.attempt(ctx, cand)
		if err != nil {
			lastErr = err
			c.logger.Warn("worker registration failed", "path", cand.Path, "scope", cand.Scope, "error", err)
			if c.profile == ProfileConstrained && isNetworkError(err) && i < len(c.candidates)-1 {
				_ = c.sleep(ctx, constrainedBackoff)
			}
			continue
		}

		if c.profile == ProfileConstrained {
			_ = c.sleep(ctx, constrainedSettle)
		}

		c.mu.Lock()
		c.controller = ctrl
		c.mu.Unlock()
		c.listenOnce.Do(func() { go c.listen() })

		c.logger.Info("worker registered", "path", cand.Path, "scope", cand.Scope)
		return true, nil
	}

	return false, &RegistrationError{Attempts: len(c.candidates), Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, cand Candidate) (Controller, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	ctrl, err := c.registrar.Register(ctx, cand)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("registering %s: %w", cand.Path, replaybridge.ErrTimeout)
	}
	return ctrl, err
}

func isNetworkError(err error) bool {
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr)
}

// listen routes replies from the shared inbox to the request waiting on them.
func (c *Client) listen() {
	for {
		select {
		case <-c.closeCh:
			return
		case msg := <-c.inbox:
			c.deliver(msg)
		}
	}
}

// deliver hands msg to its pending request. Replies with an unknown or
// already answered id are dropped.
func (c *Client) deliver(msg message.Message) {
	id := msg.RequestID()

	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("discarding uncorrelated reply", "type", msg.MessageType(), "id", id)
		return
	}
	p.reply <- msg
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Close stops the reply listener. Requests in flight time out.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

func (c *Client) currentController() Controller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

// request posts msg and waits for the reply carrying its id.
func (c *Client) request(ctx context.Context, msg message.Message) (message.Message, error) {
	start := time.Now()
	msgType := string(msg.MessageType())

	ctrl := c.currentController()
	if ctrl == nil {
		telemetry.RecordBridgeMessage(ctx, msgType, "no_controller", 0)
		return nil, ErrNoController
	}

	id := msg.RequestID()
	p := &pendingRequest{reply: make(chan message.Message, 1), sentAt: start}
	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := ctrl.Post(ctx, msg, c.inbox); err != nil {
		outcome := "error"
		if errors.Is(err, ErrNoController) {
			outcome = "no_controller"
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			err = fmt.Errorf("%w: %v", replaybridge.ErrTimeout, err)
		}
		telemetry.RecordBridgeMessage(ctx, msgType, outcome, time.Since(start))
		return nil, fmt.Errorf("sending %s: %w", msgType, err)
	}

	select {
	case resp := <-p.reply:
		telemetry.RecordBridgeMessage(ctx, msgType, "ok", time.Since(p.sentAt))
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			telemetry.RecordBridgeMessage(ctx, msgType, "timeout", time.Since(start))
			return nil, fmt.Errorf("waiting for %s reply %s: %w", msgType, id, replaybridge.ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) ensureReady(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	ok, err := c.Initialize(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoController
	}
	return nil
}

// RegisterArchive asks the worker to register an archive. A reply with
// success false is returned together with ErrRejected.
func (c *Client) RegisterArchive(ctx context.Context, archiveID, sourceURL string, size int64) (*message.Reply, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, message.RegisterArchive{
		ID:        uuid.NewString(),
		ArchiveID: archiveID,
		URL:       sourceURL,
		Size:      size,
	})
	if err != nil {
		return nil, err
	}
	return asReply(resp)
}

// UnregisterArchive asks the worker to drop an archive. Ids the worker
// never saw are acknowledged with success.
func (c *Client) UnregisterArchive(ctx context.Context, archiveID string) (*message.Reply, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, message.UnregisterArchive{
		ID:        uuid.NewString(),
		ArchiveID: archiveID,
	})
	if err != nil {
		return nil, err
	}
	return asReply(resp)
}

func asReply(resp message.Message) (*message.Reply, error) {
	reply, ok := resp.(message.Reply)
	if !ok {
		return nil, fmt.Errorf("unexpected %s reply", resp.MessageType())
	}
	if !reply.Success {
		return &reply, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return &reply, nil
}

// IsActive probes the worker and reports whether a matching PONG arrived
// within the request timeout.
func (c *Client) IsActive(ctx context.Context) bool {
	if err := c.ensureReady(ctx); err != nil {
		c.logger.Debug("worker not available", "error", err)
		return false
	}
	id := uuid.NewString()
	resp, err := c.request(ctx, message.Ping{ID: id})
	if err != nil {
		c.logger.Debug("ping failed", "error", err)
		return false
	}
	pong, ok := resp.(message.Pong)
	return ok && pong.ID == id
}

// CreateArchiveURL returns the URL that addresses path inside archiveID on
// the client's origin.
func (c *Client) CreateArchiveURL(archiveID, path string) string {
	return ArchiveURL(c.origin, archiveID, path)
}

// ArchiveURL builds origin/?waczArchive=<id>[&path=<path>]. Only the scheme
// and host of origin are kept.
func ArchiveURL(origin, archiveID, path string) string {
	q := worker.ParamArchive + "=" + url.QueryEscape(archiveID)
	if path != "" {
		q += "&" + worker.ParamPath + "=" + url.QueryEscape(path)
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "/?" + q
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/", RawQuery: q}).String()
}
