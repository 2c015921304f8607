package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfeidau/replay-bridge/message"
)

type trigger string

const (
	triggerSetSource trigger = "set_source"
	triggerProgress  trigger = "coll_progress"
	triggerAdded     trigger = "coll_added"
	triggerGrant     trigger = "grant_permission"
	triggerCancel    trigger = "cancel"
)

// anyState matches every state in the transition table.
const anyState State = "*"

type input struct {
	sourceURL string
	progress  message.CollProgress
}

// action is the blocking part of a transition. It runs without the
// session lock held.
type action func(ctx context.Context) error

// transition runs with the session lock held.
type transition func(s *Session, ctx context.Context, in input) (action, error)

type transitionKey struct {
	state   State
	trigger trigger
}

// transitions is filled in init because its handlers reach fire again
// through SetSource.
var transitions map[transitionKey]transition

func init() {
	transitions = map[transitionKey]transition{
		{anyState, triggerSetSource}:             (*Session).onSetSource,
		{anyState, triggerCancel}:                (*Session).onCancel,
		{StateStarted, triggerProgress}:          (*Session).onProgress,
		{StateStarted, triggerAdded}:             (*Session).onAdded,
		{StatePermissionNeeded, triggerGrant}:    (*Session).onGrant,
		{StateWaiting, triggerProgress}:          ignore,
		{StateWaiting, triggerAdded}:             ignore,
		{StateGoogleDrive, triggerProgress}:      ignore,
		{StateGoogleDrive, triggerAdded}:         ignore,
		{StateErrored, triggerProgress}:          ignore,
		{StateErrored, triggerAdded}:             ignore,
		{StatePermissionNeeded, triggerProgress}: ignore,
		{StatePermissionNeeded, triggerAdded}:    ignore,
	}
}

func ignore(*Session, context.Context, input) (action, error) {
	return nil, nil
}

func lookup(state State, t trigger) (transition, bool) {
	if fn, ok := transitions[transitionKey{state, t}]; ok {
		return fn, true
	}
	fn, ok := transitions[transitionKey{anyState, t}]
	return fn, ok
}

func (s *Session) fire(ctx context.Context, t trigger, in input) error {
	s.mu.Lock()
	fn, ok := lookup(s.state, t)
	if !ok {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, t, state)
	}
	act, err := fn(s, ctx, in)
	s.mu.Unlock()

	if err != nil || act == nil {
		return err
	}
	return act(ctx)
}

func (s *Session) onSetSource(ctx context.Context, in input) (action, error) {
	s.generation++
	gen := s.generation

	s.stopKeepAlive()
	s.sourceURL = in.sourceURL
	s.percent, s.currentSize, s.totalSize = 0, 0, 0
	s.extraMsg, s.errMsg = "", ""
	s.retryable, s.loaded = false, false

	if s.info != nil && s.info.SWError != "" {
		s.fail(ctx, s.info.SWError, false)
		return nil, nil
	}

	sourceURL := in.sourceURL
	scheme, host, path := parseSource(sourceURL)

	switch scheme {
	case "googledrive":
		s.setState(ctx, StateGoogleDrive)
		return func(ctx context.Context) error {
			return s.resolveDrive(ctx, gen, sourceURL)
		}, nil

	case "s3":
		file := message.FileSource{
			SourceURL: sourceURL,
			LoadURL:   "https://" + host + ".s3.amazonaws.com" + path,
			Name:      sourceURL,
		}
		return s.startAction(gen, sourceURL, file), nil

	case "file":
		switch {
		case s.info != nil:
			file := s.info.fileSource(sourceURL)
			if file.FileHandle == nil {
				file.FileHandle = s.fileHandle
			}
			return s.startAction(gen, sourceURL, file), nil
		case s.fileHandle != nil:
			return s.startAction(gen, sourceURL, message.FileSource{SourceURL: sourceURL, FileHandle: s.fileHandle}), nil
		case s.tryFileHandle:
			return func(ctx context.Context) error {
				return s.pickFile(ctx, gen, sourceURL)
			}, nil
		default:
			s.fail(ctx, fileURLError, false)
			return nil, nil
		}

	case "proxy":
		sourceURL = "proxy:" + strings.TrimPrefix(strings.TrimPrefix(sourceURL, "proxy:"), "//")
	}

	file := message.FileSource{SourceURL: sourceURL}
	if s.info != nil {
		file = s.info.fileSource(sourceURL)
		file.SourceURL = sourceURL
	}
	return s.startAction(gen, sourceURL, file), nil
}

func (s *Session) startAction(gen uint64, sourceURL string, file message.FileSource) action {
	return func(ctx context.Context) error {
		return s.start(ctx, gen, sourceURL, file)
	}
}

func (s *Session) onProgress(ctx context.Context, in input) (action, error) {
	p := in.progress
	s.percent = p.Percent

	if p.Error != "" {
		s.errMsg = p.Error
		s.retryable = true
		s.fileHandle = p.FileHandle
		if p.Error == message.ErrorMissingLocalFile {
			s.tryFileHandle = false
		}
	}

	if p.CurrentSize > 0 && p.TotalSize > 0 {
		s.currentSize = p.CurrentSize
		s.totalSize = p.TotalSize
	}
	s.extraMsg = p.ExtraMsg

	if p.Error != "" {
		s.stopKeepAlive()
		if p.Error == message.ErrorPermissionNeeded && p.FileHandle != nil {
			s.setState(ctx, StatePermissionNeeded)
		} else {
			s.setState(ctx, StateErrored)
		}
	}
	return nil, nil
}

func (s *Session) onAdded(ctx context.Context, _ input) (action, error) {
	s.percent = 100
	s.loaded = true
	s.logger.Info("load complete")
	s.emit(EventLoaded)

	switch s.mode {
	case ModeShared:
		s.stopKeepAlive()
		return nil, nil
	default:
		if s.closed {
			return nil, nil
		}
		s.closed = true
		return func(context.Context) error {
			return s.channel.Close()
		}, nil
	}
}

func (s *Session) onGrant(ctx context.Context, _ input) (action, error) {
	h := s.fileHandle
	if h == nil {
		return nil, fmt.Errorf("%w: no file handle to grant", ErrInvalidTransition)
	}
	return func(ctx context.Context) error {
		return s.requestPermission(ctx, h)
	}, nil
}

func (s *Session) onCancel(ctx context.Context, _ input) (action, error) {
	if s.closed {
		return nil, nil
	}
	// a resolving drive source or a pending file pick is abandoned
	s.generation++

	mode := s.mode
	if mode == ModeShared {
		s.stopKeepAlive()
	}
	return func(ctx context.Context) error {
		if err := s.channel.Post(ctx, message.CancelLoad{Name: s.coll}); err != nil {
			return fmt.Errorf("posting cancelLoad for %s: %w", s.coll, err)
		}
		if mode == ModeDedicated {
			s.emit(EventCancelled)
		}
		s.logger.Info("load cancelled")
		return nil
	}, nil
}
