// Package loader drives loading one collection through the load channel. A
// Session is a finite state machine whose transitions are looked up in a
// table keyed by state and trigger.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/telemetry"
)

// State is the load session state.
type State string

const (
	StateWaiting          State = "waiting"
	StateStarted          State = "started"
	StateGoogleDrive      State = "googledrive"
	StatePermissionNeeded State = "permission_needed"
	StateErrored          State = "errored"
)

// Event is emitted for outcomes that are not states.
type Event string

const (
	EventLoaded    Event = "loaded"
	EventCancelled Event = "cancelled"
)

// Mode selects how the load channel is held.
type Mode int

const (
	// ModeDedicated owns its channel and closes it once the load is done.
	ModeDedicated Mode = iota
	// ModeShared shares a channel with other sessions and keeps it alive
	// with periodic pings while loading.
	ModeShared
)

// DefaultKeepAliveInterval is how often a shared session pings.
const DefaultKeepAliveInterval = 15 * time.Second

const fileURLError = "File URLs can not be entered directly or shared. Select a local file to load it instead."

// ErrInvalidTransition is returned for a trigger the current state does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

// Channel delivers load-channel messages to the load worker.
type Channel interface {
	Post(ctx context.Context, msg message.LoadMessage) error
	// Close terminates a dedicated channel.
	Close() error
}

// DriveResolver turns a googledrive: source into something loadable. It
// may block on the user.
type DriveResolver interface {
	Resolve(ctx context.Context, sourceURL string) (*LoadInfo, error)
}

// FilePicker asks the user for a local file.
type FilePicker interface {
	Pick(ctx context.Context) (message.FileHandle, error)
}

// LoadInfo is what is already known about a source before loading it.
type LoadInfo struct {
	SourceURL   string
	LoadURL     string
	Name        string
	Size        int64
	Headers     map[string]string
	NoCache     bool
	ExtraConfig map[string]any
	FileHandle  message.FileHandle
	// SWError is an error reported by the serving worker before loading began.
	SWError string
}

func (li *LoadInfo) fileSource(sourceURL string) message.FileSource {
	fs := message.FileSource{SourceURL: sourceURL}
	if li == nil {
		return fs
	}
	if li.SourceURL != "" {
		fs.SourceURL = li.SourceURL
	}
	fs.LoadURL = li.LoadURL
	fs.Name = li.Name
	fs.Size = li.Size
	fs.Headers = li.Headers
	fs.NoCache = li.NoCache
	fs.FileHandle = li.FileHandle
	return fs
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	SourceURL   string `json:"sourceUrl"`
	Coll        string `json:"coll"`
	State       State  `json:"state"`
	Percent     int    `json:"percent"`
	CurrentSize int64  `json:"currentSize"`
	TotalSize   int64  `json:"totalSize"`
	ExtraMsg    string `json:"extraMsg,omitempty"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable"`
	Loaded      bool   `json:"loaded"`
}

// Session loads one collection. It only reacts to messages carrying its
// collection name.
type Session struct {
	coll      string
	channel   Channel
	mode      Mode
	info      *LoadInfo
	drive     DriveResolver
	picker    FilePicker
	keepAlive time.Duration
	logger    *slog.Logger
	events    chan Event

	mu            sync.Mutex
	state         State
	sourceURL     string
	percent       int
	currentSize   int64
	totalSize     int64
	extraMsg      string
	errMsg        string
	retryable     bool
	loaded        bool
	tryFileHandle bool
	fileHandle    message.FileHandle
	closed        bool
	generation    uint64
	stopPing      chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithMode sets the channel mode. Default ModeDedicated.
func WithMode(m Mode) Option {
	return func(s *Session) {
		s.mode = m
	}
}

// WithLoadInfo supplies prior knowledge about the source.
func WithLoadInfo(info *LoadInfo) Option {
	return func(s *Session) {
		s.info = info
	}
}

// WithDriveResolver enables googledrive: sources.
func WithDriveResolver(r DriveResolver) Option {
	return func(s *Session) {
		s.drive = r
	}
}

// WithFilePicker enables file: sources without prior load info.
func WithFilePicker(p FilePicker) Option {
	return func(s *Session) {
		s.picker = p
	}
}

// WithKeepAliveInterval overrides DefaultKeepAliveInterval.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Session) {
		s.keepAlive = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession returns a waiting session for coll over ch.
func NewSession(coll string, ch Channel, opts ...Option) *Session {
	s := &Session{
		coll:      coll,
		channel:   ch,
		keepAlive: DefaultKeepAliveInterval,
		logger:    slog.Default(),
		events:    make(chan Event, 8),
		state:     StateWaiting,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tryFileHandle = s.picker != nil
	s.logger = s.logger.With("component", "loader", "coll", coll)
	return s
}

// Coll returns the collection name.
func (s *Session) Coll() string {
	return s.coll
}

// Events returns the channel loaded and cancelled events are sent on.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's progress.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SourceURL:   s.sourceURL,
		Coll:        s.coll,
		State:       s.state,
		Percent:     s.percent,
		CurrentSize: s.currentSize,
		TotalSize:   s.totalSize,
		ExtraMsg:    s.extraMsg,
		Error:       s.errMsg,
		Retryable:   s.retryable,
		Loaded:      s.loaded,
	}
}

// SetSource starts loading sourceURL, replacing any load in progress.
func (s *Session) SetSource(ctx context.Context, sourceURL string) error {
	return s.fire(ctx, triggerSetSource, input{sourceURL: sourceURL})
}

// HandleMessage applies a load-channel message. Messages for other
// collections are ignored.
func (s *Session) HandleMessage(ctx context.Context, msg message.LoadMessage) error {
	if msg.Coll() != s.coll {
		return nil
	}
	switch m := msg.(type) {
	case message.CollProgress:
		return s.fire(ctx, triggerProgress, input{progress: m})
	case message.CollAdded:
		return s.fire(ctx, triggerAdded, input{})
	}
	return nil
}

// GrantPermission asks the file handle from the last permission_needed
// report for access and reloads when it is granted.
func (s *Session) GrantPermission(ctx context.Context) error {
	return s.fire(ctx, triggerGrant, input{})
}

// Cancel asks the load worker to stop. Cancellation is cooperative.
func (s *Session) Cancel(ctx context.Context) error {
	return s.fire(ctx, triggerCancel, input{})
}

// setState must be called with mu held.
func (s *Session) setState(ctx context.Context, to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	telemetry.RecordLoaderTransition(ctx, string(from), string(to))
	s.logger.Debug("load state", "from", from, "to", to)
}

// fail must be called with mu held.
func (s *Session) fail(ctx context.Context, msg string, retryable bool) {
	s.errMsg = msg
	s.retryable = retryable
	s.setState(ctx, StateErrored)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event dropped, nobody listening", "event", ev)
	}
}

// stopKeepAlive must be called with mu held.
func (s *Session) stopKeepAlive() {
	if s.stopPing != nil {
		close(s.stopPing)
		s.stopPing = nil
	}
}

// startKeepAlive must be called with mu held.
func (s *Session) startKeepAlive(ctx context.Context) {
	s.stopKeepAlive()
	stop := make(chan struct{})
	s.stopPing = stop

	ctx = context.WithoutCancel(ctx)
	go func() {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := s.channel.Post(ctx, message.KeepAlive{}); err != nil {
					s.logger.Debug("keep-alive failed", "error", err)
				}
			}
		}
	}()
}

// parseSource splits a source URL the way the load worker addresses it.
func parseSource(sourceURL string) (scheme, host, path string) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", "", ""
	}
	return strings.ToLower(u.Scheme), u.Host, u.Path
}

// recording reports whether extraConfig asks for a recording proxy.
func recording(extraConfig map[string]any) bool {
	switch v := extraConfig["recording"].(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	case nil:
		return false
	default:
		return true
	}
}

// start moves the session to started and posts addColl. gen guards against
// a newer SetSource having replaced this load while it was resolving.
func (s *Session) start(ctx context.Context, gen uint64, sourceURL string, file message.FileSource) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}

	var (
		extraConfig map[string]any
		collType    string
	)
	if s.info != nil {
		extraConfig = s.info.ExtraConfig
		if strings.HasPrefix(sourceURL, "proxy:") && recording(extraConfig) {
			collType = "recordingproxy"
		}
	}

	s.setState(ctx, StateStarted)
	s.closed = false
	if s.mode == ModeShared {
		s.startKeepAlive(ctx)
	}
	s.mu.Unlock()

	msg := message.AddColl{
		Name:         s.coll,
		ExtraConfig:  extraConfig,
		Type:         collType,
		SkipExisting: true,
		File:         file,
	}
	if err := s.channel.Post(ctx, msg); err != nil {
		s.mu.Lock()
		s.stopKeepAlive()
		if gen == s.generation {
			s.fail(ctx, err.Error(), true)
		}
		s.mu.Unlock()
		return fmt.Errorf("posting addColl for %s: %w", s.coll, err)
	}
	s.logger.Info("load started", "source", file.SourceURL, "load_url", file.LoadURL)
	return nil
}

func (s *Session) resolveDrive(ctx context.Context, gen uint64, sourceURL string) error {
	if s.drive == nil {
		s.mu.Lock()
		if gen == s.generation {
			s.fail(ctx, "Google Drive sources are not supported here", false)
		}
		s.mu.Unlock()
		return fmt.Errorf("googledrive source: %w", replaybridge.ErrUnsupported)
	}

	info, err := s.drive.Resolve(ctx, sourceURL)
	if err != nil {
		s.mu.Lock()
		if gen == s.generation {
			s.fail(ctx, err.Error(), true)
		}
		s.mu.Unlock()
		return fmt.Errorf("resolving %s: %w", sourceURL, err)
	}
	return s.start(ctx, gen, sourceURL, info.fileSource(sourceURL))
}

func (s *Session) pickFile(ctx context.Context, gen uint64, sourceURL string) error {
	h, err := s.picker.Pick(ctx)
	if err != nil {
		s.mu.Lock()
		if gen == s.generation {
			s.fail(ctx, err.Error(), true)
		}
		s.mu.Unlock()
		return fmt.Errorf("picking file: %w", err)
	}
	return s.start(ctx, gen, sourceURL, message.FileSource{SourceURL: sourceURL, Name: h.Path(), FileHandle: h})
}

func (s *Session) requestPermission(ctx context.Context, h message.FileHandle) error {
	granted, err := h.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("requesting permission: %w", err)
	}
	if !granted {
		return fmt.Errorf("reading %s: %w", h.Path(), replaybridge.ErrPermission)
	}

	s.mu.Lock()
	sourceURL := s.sourceURL
	s.mu.Unlock()
	return s.SetSource(ctx, sourceURL)
}
