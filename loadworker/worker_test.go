package loadworker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replay-bridge/archivestore"
	"github.com/wolfeidau/replay-bridge/backend"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/perf"
)

var testLogger = slog.New(slog.DiscardHandler)

func newTestStore(t *testing.T) *archivestore.Store {
	t.Helper()
	b, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return archivestore.New(b, archivestore.WithLogger(testLogger))
}

func newTestWorker(t *testing.T, store *archivestore.Store, opts ...Option) *Worker {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger), WithProgressInterval(0)}, opts...)
	w := New(store, opts...)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// collect reads messages until one for coll is terminal.
func collect(t *testing.T, w *Worker) []message.LoadMessage {
	t.Helper()
	var out []message.LoadMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-w.Messages():
			out = append(out, msg)
			switch m := msg.(type) {
			case message.CollAdded:
				return out
			case message.CollProgress:
				if m.Error != "" {
					return out
				}
			}
		case <-timeout:
			t.Fatalf("no terminal message, got %v", out)
			return nil
		}
	}
}

func readStored(t *testing.T, store *archivestore.Store, key string) []byte {
	t.Helper()
	rc, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func serveArchive(t *testing.T, data []byte, gets *atomic.Int32, ranged *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			if r.Header.Get("Range") != "" {
				ranged.Add(1)
			}
		}
		http.ServeContent(w, r, "a.wacz", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWorker_LoadRemote(t *testing.T) {
	data := bytes.Repeat([]byte("wacz"), 256)
	var gets, ranged atomic.Int32
	srv := serveArchive(t, data, &gets, &ranged)

	store := newTestStore(t)
	mem := archivestore.NewMemory()
	meta := perf.NewMetadataCache(perf.WithLogger(testLogger))
	w := newTestWorker(t, store, WithMemory(mem), WithMetadata(meta))

	require.NoError(t, w.Post(t.Context(), message.AddColl{
		Name:         "c1",
		SkipExisting: true,
		File:         message.FileSource{SourceURL: srv.URL + "/files/a.wacz"},
	}))
	msgs := collect(t, w)

	require.Equal(t, message.CollAdded{Name: "c1"}, msgs[len(msgs)-1])
	last := msgs[len(msgs)-2].(message.CollProgress)
	require.EqualValues(t, len(data), last.CurrentSize)
	require.EqualValues(t, len(data), last.TotalSize)
	require.Equal(t, 99, last.Percent)
	require.Equal(t, "1.0 kB of 1.0 kB", last.ExtraMsg)

	require.Equal(t, data, readStored(t, store, "c1/a.wacz"))
	require.EqualValues(t, 1, gets.Load())
	require.Zero(t, ranged.Load())

	held, ok := mem.Get("c1/a.wacz")
	require.True(t, ok)
	require.Equal(t, data, held)

	entry, ok := meta.Get("c1")
	require.True(t, ok)
	require.EqualValues(t, len(data), entry.Size)
	require.Equal(t, "wacz", entry.Type)
}

func TestWorker_LoadRemoteChunked(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 10))
	var gets, ranged atomic.Int32
	srv := serveArchive(t, data, &gets, &ranged)

	store := newTestStore(t)
	mem := archivestore.NewMemory()
	policy := perf.Policy{FullLoadLimit: 50, ChunkThreshold: 10, ChunkSize: 16, LargeChunkSize: 32, LargeArchive: 1 << 30}
	w := newTestWorker(t, store, WithPolicy(policy), WithMemory(mem))

	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{SourceURL: srv.URL + "/a.wacz"}}))
	msgs := collect(t, w)

	require.Equal(t, message.CollAdded{Name: "c1"}, msgs[len(msgs)-1])
	require.Equal(t, data, readStored(t, store, "c1/a.wacz"))
	require.EqualValues(t, 7, gets.Load())
	require.EqualValues(t, 7, ranged.Load())

	last := msgs[len(msgs)-2].(message.CollProgress)
	require.Contains(t, last.ExtraMsg, "chunk 7 of 7")

	// streamed loads are not held in memory
	require.Zero(t, mem.Len())
}

func TestWorker_RangeIgnored(t *testing.T) {
	data := []byte(strings.Repeat("x", 64))
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	policy := perf.Policy{FullLoadLimit: 50, ChunkThreshold: 10, ChunkSize: 16, LargeChunkSize: 32, LargeArchive: 1 << 30}
	w := newTestWorker(t, store, WithPolicy(policy))

	require.NoError(t, w.Post(t.Context(), message.AddColl{
		Name: "c1",
		File: message.FileSource{SourceURL: srv.URL + "/a.wacz", Size: int64(len(data))},
	}))
	msgs := collect(t, w)

	require.Equal(t, message.CollAdded{Name: "c1"}, msgs[len(msgs)-1])
	require.Equal(t, data, readStored(t, store, "c1/a.wacz"))
	require.EqualValues(t, 1, gets.Load())
}

func TestWorker_LaterChunkIgnoresRange(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 10))
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) == 1 {
			http.ServeContent(w, r, "a.wacz", time.Time{}, bytes.NewReader(data))
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	policy := perf.Policy{FullLoadLimit: 50, ChunkThreshold: 10, ChunkSize: 40, LargeChunkSize: 80, LargeArchive: 1 << 30}
	w := newTestWorker(t, store, WithPolicy(policy))

	require.NoError(t, w.Post(t.Context(), message.AddColl{
		Name: "c1",
		File: message.FileSource{SourceURL: srv.URL + "/a.wacz", Size: int64(len(data))},
	}))
	msgs := collect(t, w)

	last := msgs[len(msgs)-1].(message.CollProgress)
	require.Contains(t, last.Error, "ignored range bytes=40-79")
	require.EqualValues(t, 2, gets.Load())

	ok, err := store.Exists(t.Context(), "c1/a.wacz")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorker_ShortChunk(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 10))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-39/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[:10])
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	policy := perf.Policy{FullLoadLimit: 50, ChunkThreshold: 10, ChunkSize: 40, LargeChunkSize: 80, LargeArchive: 1 << 30}
	w := newTestWorker(t, store, WithPolicy(policy))

	require.NoError(t, w.Post(t.Context(), message.AddColl{
		Name: "c1",
		File: message.FileSource{SourceURL: srv.URL + "/a.wacz", Size: int64(len(data))},
	}))
	msgs := collect(t, w)

	last := msgs[len(msgs)-1].(message.CollProgress)
	require.Contains(t, last.Error, "returned 10 bytes for bytes=0-39, want 40")
}

func TestWorker_RestartDuringDownload(t *testing.T) {
	data := []byte(strings.Repeat("w", 128))
	started := make(chan struct{})
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) == 1 {
			close(started)
			<-r.Context().Done()
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	w := newTestWorker(t, store)
	add := message.AddColl{Name: "c1", File: message.FileSource{SourceURL: srv.URL + "/c1.wacz", Size: int64(len(data))}}

	require.NoError(t, w.Post(t.Context(), add))
	<-started
	// a second addColl restarts the load instead of joining the cancelled download
	require.NoError(t, w.Post(t.Context(), add))

	msgs := collect(t, w)
	require.Equal(t, message.CollAdded{Name: "c1"}, msgs[len(msgs)-1])
	for _, msg := range msgs {
		if p, ok := msg.(message.CollProgress); ok {
			require.Empty(t, p.Error)
		}
	}
	require.EqualValues(t, 2, gets.Load())
	require.Equal(t, data, readStored(t, store, "c1/c1.wacz"))
}

func TestWorker_LoadURLAndHeaders(t *testing.T) {
	seen := make(chan http.Header, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		_, _ = io.WriteString(w, "archive")
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	w := newTestWorker(t, store)

	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{
		SourceURL: "s3://bucket/thing.wacz",
		LoadURL:   srv.URL + "/download",
		Name:      "thing.wacz",
		Headers:   map[string]string{"X-Token": "abc"},
		NoCache:   true,
	}}))
	msgs := collect(t, w)
	require.Equal(t, message.CollAdded{Name: "c1"}, msgs[len(msgs)-1])

	h := <-seen
	require.Equal(t, "abc", h.Get("X-Token"))
	require.Equal(t, "no-cache", h.Get("Cache-Control"))
	require.Equal(t, []byte("archive"), readStored(t, store, "c1/thing.wacz"))
}

func TestWorker_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	w := newTestWorker(t, newTestStore(t))
	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{SourceURL: srv.URL + "/a.wacz"}}))
	msgs := collect(t, w)

	last := msgs[len(msgs)-1].(message.CollProgress)
	require.Equal(t, "c1", last.Name)
	require.Contains(t, last.Error, "404")
}

func TestWorker_LoadLocalFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "local.wacz")
	require.NoError(t, os.WriteFile(p, []byte("local archive"), 0o644))

	store := newTestStore(t)
	w := newTestWorker(t, store)
	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{SourceURL: "file://" + p}}))
	msgs := collect(t, w)

	require.Equal(t, message.CollAdded{Name: "c1"}, msgs[len(msgs)-1])
	require.Equal(t, []byte("local archive"), readStored(t, store, "c1/local.wacz"))
}

type pathHandle string

func (h pathHandle) Path() string { return string(h) }
func (h pathHandle) RequestPermission(context.Context) (bool, error) {
	return true, nil
}

func TestWorker_MissingLocalFile(t *testing.T) {
	w := newTestWorker(t, newTestStore(t))
	handle := pathHandle(filepath.Join(t.TempDir(), "gone.wacz"))

	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{SourceURL: "file:///gone.wacz", FileHandle: handle}}))
	msgs := collect(t, w)

	last := msgs[len(msgs)-1].(message.CollProgress)
	require.Equal(t, message.ErrorMissingLocalFile, last.Error)
}

func TestFailure_PermissionCarriesHandle(t *testing.T) {
	handle := pathHandle("/locked.wacz")
	got := failure("c1", &loadError{code: message.ErrorPermissionNeeded, handle: handle, err: os.ErrPermission})
	require.Equal(t, message.ErrorPermissionNeeded, got.Error)
	require.Equal(t, handle, got.FileHandle)

	got = failure("c1", errors.New("boom"))
	require.Equal(t, "boom", got.Error)
	require.Nil(t, got.FileHandle)
}

func TestWorker_SkipExisting(t *testing.T) {
	var gets, ranged atomic.Int32
	srv := serveArchive(t, []byte("new"), &gets, &ranged)

	store := newTestStore(t)
	_, err := store.Put(t.Context(), "c1", "c1.wacz", strings.NewReader("old"))
	require.NoError(t, err)

	w := newTestWorker(t, store)
	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", SkipExisting: true, File: message.FileSource{SourceURL: srv.URL + "/c1.wacz"}}))
	msgs := collect(t, w)

	require.Equal(t, []message.LoadMessage{message.CollAdded{Name: "c1"}}, msgs)
	require.Zero(t, gets.Load())
}

func TestWorker_ProxyUnsupported(t *testing.T) {
	w := newTestWorker(t, newTestStore(t))
	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{SourceURL: "proxy:example.com"}}))
	msgs := collect(t, w)

	last := msgs[len(msgs)-1].(message.CollProgress)
	require.Contains(t, last.Error, "unsupported")
}

func TestWorker_Cancel(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	w := newTestWorker(t, store)
	require.NoError(t, w.Post(t.Context(), message.AddColl{Name: "c1", File: message.FileSource{SourceURL: srv.URL + "/a.wacz"}}))

	<-started
	require.Equal(t, 1, w.Active())
	require.NoError(t, w.Post(t.Context(), message.CancelLoad{Name: "c1"}))
	require.Eventually(t, func() bool { return w.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	// nothing terminal is reported and nothing is stored
	for {
		select {
		case msg := <-w.Messages():
			_, added := msg.(message.CollAdded)
			require.False(t, added)
			require.Empty(t, msg.(message.CollProgress).Error)
			continue
		default:
		}
		break
	}
	ok, err := store.Exists(t.Context(), "c1/a.wacz")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorker_KeepAliveAndClose(t *testing.T) {
	w := newTestWorker(t, newTestStore(t))
	require.True(t, w.LastKeepAlive().IsZero())

	require.NoError(t, w.Post(t.Context(), message.KeepAlive{}))
	require.False(t, w.LastKeepAlive().IsZero())

	require.NoError(t, w.Close())
	_, open := <-w.Messages()
	require.False(t, open)
	require.ErrorIs(t, w.Post(t.Context(), message.KeepAlive{}), ErrClosed)
}
