package loader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/message"
)

var testLogger = slog.New(slog.DiscardHandler)

type fakeChannel struct {
	mu      sync.Mutex
	posted  []message.LoadMessage
	closes  int
	postErr error
}

func (c *fakeChannel) Post(_ context.Context, msg message.LoadMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return c.postErr
	}
	c.posted = append(c.posted, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) Posted() []message.LoadMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.LoadMessage(nil), c.posted...)
}

func (c *fakeChannel) count(t message.LoadType) int {
	n := 0
	for _, m := range c.Posted() {
		if m.LoadType() == t {
			n++
		}
	}
	return n
}

func (c *fakeChannel) lastAddColl(t *testing.T) message.AddColl {
	t.Helper()
	posted := c.Posted()
	for i := len(posted) - 1; i >= 0; i-- {
		if m, ok := posted[i].(message.AddColl); ok {
			return m
		}
	}
	t.Fatal("no addColl posted")
	return message.AddColl{}
}

type fakeHandle struct {
	path  string
	grant bool
	asked int
}

func (h *fakeHandle) Path() string { return h.path }

func (h *fakeHandle) RequestPermission(context.Context) (bool, error) {
	h.asked++
	return h.grant, nil
}

type fakePicker struct {
	handle *fakeHandle
	picks  int
}

func (p *fakePicker) Pick(context.Context) (message.FileHandle, error) {
	p.picks++
	return p.handle, nil
}

type fakeDrive struct {
	release chan struct{}
	info    *LoadInfo
	err     error
	calls   int
}

func (d *fakeDrive) Resolve(ctx context.Context, _ string) (*LoadInfo, error) {
	d.calls++
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.info, d.err
}

func newTestSession(coll string, opts ...Option) (*Session, *fakeChannel) {
	ch := &fakeChannel{}
	opts = append([]Option{WithLogger(testLogger)}, opts...)
	return NewSession(coll, ch, opts...), ch
}

func TestSession_S3SkipsGoogleDrive(t *testing.T) {
	drive := &fakeDrive{}
	s, ch := newTestSession("c1", WithDriveResolver(drive))
	require.Equal(t, StateWaiting, s.State())

	require.NoError(t, s.SetSource(t.Context(), "s3://bucket/key.wacz"))
	require.Equal(t, StateStarted, s.State())
	require.Zero(t, drive.calls)

	msg := ch.lastAddColl(t)
	require.Equal(t, "c1", msg.Name)
	require.True(t, msg.SkipExisting)
	require.Equal(t, "s3://bucket/key.wacz", msg.File.SourceURL)
	require.Equal(t, "https://bucket.s3.amazonaws.com/key.wacz", msg.File.LoadURL)
}

func TestSession_HTTPSource(t *testing.T) {
	s, ch := newTestSession("c1")
	require.NoError(t, s.SetSource(t.Context(), "https://example.com/a.wacz"))
	require.Equal(t, StateStarted, s.State())

	msg := ch.lastAddColl(t)
	require.Equal(t, "https://example.com/a.wacz", msg.File.SourceURL)
	require.Empty(t, msg.File.LoadURL)
	require.Empty(t, msg.Type)
}

func TestSession_GoogleDriveWaitsForResolver(t *testing.T) {
	drive := &fakeDrive{
		release: make(chan struct{}),
		info:    &LoadInfo{LoadURL: "https://drive.example/download?id=abc", Name: "abc.wacz", Size: 99},
	}
	s, ch := newTestSession("c1", WithDriveResolver(drive))

	done := make(chan error, 1)
	go func() { done <- s.SetSource(context.Background(), "googledrive://abc") }()

	require.Eventually(t, func() bool { return s.State() == StateGoogleDrive }, time.Second, 5*time.Millisecond)
	require.Empty(t, ch.Posted())

	close(drive.release)
	require.NoError(t, <-done)
	require.Equal(t, StateStarted, s.State())

	msg := ch.lastAddColl(t)
	require.Equal(t, "googledrive://abc", msg.File.SourceURL)
	require.Equal(t, "https://drive.example/download?id=abc", msg.File.LoadURL)
	require.EqualValues(t, 99, msg.File.Size)
}

func TestSession_GoogleDriveUnsupported(t *testing.T) {
	s, ch := newTestSession("c1")
	err := s.SetSource(t.Context(), "googledrive://abc")
	require.ErrorIs(t, err, replaybridge.ErrUnsupported)

	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.False(t, snap.Retryable)
	require.Empty(t, ch.Posted())
}

func TestSession_GoogleDriveResolveFails(t *testing.T) {
	s, _ := newTestSession("c1", WithDriveResolver(&fakeDrive{err: errors.New("consent refused")}))
	require.Error(t, s.SetSource(t.Context(), "googledrive://abc"))

	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.Equal(t, "consent refused", snap.Error)
	require.True(t, snap.Retryable)
}

func TestSession_FileWithoutCapability(t *testing.T) {
	s, ch := newTestSession("c1")
	require.NoError(t, s.SetSource(t.Context(), "file:///tmp/a.wacz"))

	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.False(t, snap.Retryable)
	require.NotEmpty(t, snap.Error)
	require.Empty(t, ch.Posted())
}

func TestSession_FileWithPicker(t *testing.T) {
	picker := &fakePicker{handle: &fakeHandle{path: "/home/me/a.wacz"}}
	s, ch := newTestSession("c1", WithFilePicker(picker))

	require.NoError(t, s.SetSource(t.Context(), "file:///a.wacz"))
	require.Equal(t, StateStarted, s.State())
	require.Equal(t, 1, picker.picks)

	msg := ch.lastAddColl(t)
	require.Equal(t, picker.handle, msg.File.FileHandle)
	require.Equal(t, "/home/me/a.wacz", msg.File.Name)
}

func TestSession_FileWithLoadInfo(t *testing.T) {
	info := &LoadInfo{Name: "local.wacz", Size: 10, NoCache: true}
	s, ch := newTestSession("c1", WithLoadInfo(info))

	require.NoError(t, s.SetSource(t.Context(), "file:///local.wacz"))
	msg := ch.lastAddColl(t)
	require.Equal(t, "local.wacz", msg.File.Name)
	require.True(t, msg.File.NoCache)
}

func TestSession_SWError(t *testing.T) {
	s, ch := newTestSession("c1", WithLoadInfo(&LoadInfo{SWError: "worker failed to start"}))
	require.NoError(t, s.SetSource(t.Context(), "https://example.com/a.wacz"))

	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.Equal(t, "worker failed to start", snap.Error)
	require.False(t, snap.Retryable)
	require.Empty(t, ch.Posted())
}

func TestSession_RecordingProxy(t *testing.T) {
	info := &LoadInfo{ExtraConfig: map[string]any{"recording": true}}
	s, ch := newTestSession("c1", WithLoadInfo(info))

	require.NoError(t, s.SetSource(t.Context(), "proxy://example.com/start"))
	msg := ch.lastAddColl(t)
	require.Equal(t, "proxy:example.com/start", msg.File.SourceURL)
	require.Equal(t, "recordingproxy", msg.Type)
	require.Equal(t, info.ExtraConfig, msg.ExtraConfig)
}

func TestSession_ProxyWithoutRecording(t *testing.T) {
	s, ch := newTestSession("c1")
	require.NoError(t, s.SetSource(t.Context(), "proxy://example.com/start"))
	msg := ch.lastAddColl(t)
	require.Equal(t, "proxy:example.com/start", msg.File.SourceURL)
	require.Empty(t, msg.Type)
}

func TestSession_Progress(t *testing.T) {
	ctx := t.Context()
	s, _ := newTestSession("c1")
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))

	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{Name: "c1", Percent: 10, CurrentSize: 100, TotalSize: 1000, ExtraMsg: "100 B of 1.0 kB"}))
	snap := s.Snapshot()
	require.Equal(t, StateStarted, snap.State)
	require.Equal(t, 10, snap.Percent)
	require.EqualValues(t, 100, snap.CurrentSize)
	require.EqualValues(t, 1000, snap.TotalSize)
	require.Equal(t, "100 B of 1.0 kB", snap.ExtraMsg)

	// sizes only move when both are reported
	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{Name: "c1", Percent: 20, CurrentSize: 500}))
	snap = s.Snapshot()
	require.Equal(t, 20, snap.Percent)
	require.EqualValues(t, 100, snap.CurrentSize)
	require.Empty(t, snap.ExtraMsg)

	// other collections are ignored
	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{Name: "c2", Percent: 90}))
	require.Equal(t, 20, s.Snapshot().Percent)
}

func TestSession_ProgressIgnoredBeforeStart(t *testing.T) {
	s, _ := newTestSession("c1")
	require.NoError(t, s.HandleMessage(t.Context(), message.CollProgress{Name: "c1", Percent: 50}))
	require.NoError(t, s.HandleMessage(t.Context(), message.CollAdded{Name: "c1"}))
	snap := s.Snapshot()
	require.Equal(t, StateWaiting, snap.State)
	require.Zero(t, snap.Percent)
	require.False(t, snap.Loaded)
}

func TestSession_PermissionNeeded(t *testing.T) {
	ctx := t.Context()
	s, ch := newTestSession("c1")
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))

	h := &fakeHandle{path: "/a.wacz"}
	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{
		Name:        "c1",
		Error:       message.ErrorPermissionNeeded,
		FileHandle:  h,
		CurrentSize: 10,
		TotalSize:   40,
		ExtraMsg:    "10 B of 40 B",
	}))
	snap := s.Snapshot()
	require.Equal(t, StatePermissionNeeded, snap.State)
	require.True(t, snap.Retryable)
	require.EqualValues(t, 10, snap.CurrentSize)
	require.EqualValues(t, 40, snap.TotalSize)
	require.Equal(t, "10 B of 40 B", snap.ExtraMsg)

	// denied keeps waiting for consent
	err := s.GrantPermission(ctx)
	require.ErrorIs(t, err, replaybridge.ErrPermission)
	require.Equal(t, StatePermissionNeeded, s.State())
	require.Equal(t, 1, ch.count(message.LoadAddColl))

	h.grant = true
	require.NoError(t, s.GrantPermission(ctx))
	require.Equal(t, StateStarted, s.State())
	require.Equal(t, 2, ch.count(message.LoadAddColl))
	require.Equal(t, 2, h.asked)
}

func TestSession_PermissionNeededWithoutHandle(t *testing.T) {
	ctx := t.Context()
	s, _ := newTestSession("c1")
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))

	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{Name: "c1", Error: message.ErrorPermissionNeeded}))
	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.True(t, snap.Retryable)

	require.ErrorIs(t, s.GrantPermission(ctx), ErrInvalidTransition)
}

func TestSession_MissingLocalFileDisablesFileHandle(t *testing.T) {
	ctx := t.Context()
	picker := &fakePicker{handle: &fakeHandle{path: "/a.wacz"}}
	s, _ := newTestSession("c1", WithFilePicker(picker))
	require.NoError(t, s.SetSource(ctx, "file:///a.wacz"))

	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{Name: "c1", Error: message.ErrorMissingLocalFile}))
	require.Equal(t, StateErrored, s.State())

	// retrying the file source no longer offers the picker
	require.NoError(t, s.SetSource(ctx, "file:///a.wacz"))
	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.False(t, snap.Retryable)
	require.Equal(t, 1, picker.picks)
}

func TestSession_LoadedDedicated(t *testing.T) {
	ctx := t.Context()
	s, ch := newTestSession("c1")
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))

	require.NoError(t, s.HandleMessage(ctx, message.CollAdded{Name: "c1"}))
	require.Equal(t, EventLoaded, <-s.Events())

	snap := s.Snapshot()
	require.Equal(t, 100, snap.Percent)
	require.True(t, snap.Loaded)
	require.Equal(t, 1, ch.closes)

	// a repeated completion does not close twice
	require.NoError(t, s.HandleMessage(ctx, message.CollAdded{Name: "c1"}))
	require.Equal(t, 1, ch.closes)
}

func TestSession_SharedKeepAlive(t *testing.T) {
	ctx := t.Context()
	s, ch := newTestSession("c1", WithMode(ModeShared), WithKeepAliveInterval(5*time.Millisecond))
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))

	require.Eventually(t, func() bool { return ch.count(message.LoadPing) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.HandleMessage(ctx, message.CollAdded{Name: "c1"}))
	require.Equal(t, EventLoaded, <-s.Events())
	require.Zero(t, ch.closes)

	time.Sleep(20 * time.Millisecond)
	pings := ch.count(message.LoadPing)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, pings, ch.count(message.LoadPing))
}

func TestSession_CancelDedicated(t *testing.T) {
	ctx := t.Context()
	s, ch := newTestSession("c1")
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))

	require.NoError(t, s.Cancel(ctx))
	require.Equal(t, EventCancelled, <-s.Events())

	posted := ch.Posted()
	require.Equal(t, message.CancelLoad{Name: "c1"}, posted[len(posted)-1])
}

func TestSession_CancelShared(t *testing.T) {
	ctx := t.Context()
	s, ch := newTestSession("c1", WithMode(ModeShared), WithKeepAliveInterval(5*time.Millisecond))
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))
	require.Eventually(t, func() bool { return ch.count(message.LoadPing) >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Cancel(ctx))
	require.Equal(t, 1, ch.count(message.LoadCancel))
	require.Empty(t, s.Events())

	time.Sleep(20 * time.Millisecond)
	pings := ch.count(message.LoadPing)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, pings, ch.count(message.LoadPing))
}

func TestSession_PostFailure(t *testing.T) {
	s, ch := newTestSession("c1")
	ch.postErr = errors.New("channel gone")

	require.Error(t, s.SetSource(t.Context(), "https://example.com/a.wacz"))
	snap := s.Snapshot()
	require.Equal(t, StateErrored, snap.State)
	require.True(t, snap.Retryable)
}

func TestSession_SetSourceResets(t *testing.T) {
	ctx := t.Context()
	s, _ := newTestSession("c1")
	require.NoError(t, s.SetSource(ctx, "https://example.com/a.wacz"))
	require.NoError(t, s.HandleMessage(ctx, message.CollProgress{Name: "c1", Percent: 70, CurrentSize: 7, TotalSize: 10}))

	require.NoError(t, s.SetSource(ctx, "https://example.com/b.wacz"))
	snap := s.Snapshot()
	require.Equal(t, "https://example.com/b.wacz", snap.SourceURL)
	require.Zero(t, snap.Percent)
	require.Zero(t, snap.CurrentSize)
	require.Zero(t, snap.TotalSize)
}
