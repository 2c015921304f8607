package loadworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	replaybridge "github.com/wolfeidau/replay-bridge"
	"github.com/wolfeidau/replay-bridge/archivestore"
	"github.com/wolfeidau/replay-bridge/backend"
	"github.com/wolfeidau/replay-bridge/download"
	"github.com/wolfeidau/replay-bridge/message"
	"github.com/wolfeidau/replay-bridge/perf"
	"github.com/wolfeidau/replay-bridge/telemetry"
)

// loadError carries the error code reported on the load channel.
type loadError struct {
	code   string
	handle message.FileHandle
	err    error
}

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

// failure converts err into the collProgress reporting it.
func failure(coll string, err error) message.CollProgress {
	var le *loadError
	if errors.As(err, &le) {
		return message.CollProgress{Name: coll, Error: le.code, FileHandle: le.handle}
	}
	return message.CollProgress{Name: coll, Error: err.Error()}
}

func (w *Worker) run(ctx context.Context, m message.AddColl) {
	logger := w.logger.With("coll", m.Name)

	if m.SkipExisting {
		if info, err := w.store.Find(ctx, m.Name); err == nil {
			logger.Info("archive already stored", "key", info.Key)
			w.touch(ctx, info)
			w.emit(message.CollAdded{Name: m.Name})
			return
		}
	}

	start := time.Now()
	info, err := w.load(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("load stopped", "error", err)
			return
		}
		logger.Warn("load failed", "source", m.File.SourceURL, "error", err)
		w.emit(failure(m.Name, err))
		return
	}

	logger.Info("archive loaded",
		"key", info.Key,
		"size", humanize.Bytes(uint64(info.Size)),
		"duration", time.Since(start),
	)
	w.touch(ctx, info)
	w.emit(message.CollAdded{Name: m.Name})
}

func (w *Worker) touch(ctx context.Context, info archivestore.Info) {
	if w.metadata == nil {
		return
	}
	w.metadata.Touch(ctx, perf.Archive{Name: info.ID, Size: info.Size, Type: info.Type})
}

func (w *Worker) load(ctx context.Context, m message.AddColl) (archivestore.Info, error) {
	src := m.File
	switch {
	case src.FileHandle != nil:
		return w.loadLocal(ctx, m.Name, src, src.FileHandle.Path(), src.FileHandle)
	case strings.HasPrefix(src.SourceURL, "file:"):
		u, err := url.Parse(src.SourceURL)
		if err != nil {
			return archivestore.Info{}, err
		}
		return w.loadLocal(ctx, m.Name, src, u.Path, nil)
	case strings.HasPrefix(src.SourceURL, "proxy:"):
		return archivestore.Info{}, fmt.Errorf("proxy source %s: %w", src.SourceURL, replaybridge.ErrUnsupported)
	default:
		return w.loadRemote(ctx, m.Name, src)
	}
}

// archiveName picks the stored file name for a source.
func archiveName(coll string, src message.FileSource, fallback string) string {
	for _, candidate := range []string{src.Name, fallback} {
		if candidate == "" {
			continue
		}
		if base := path.Base(candidate); archivestore.ArchiveType(base) != "" {
			return base
		}
	}
	return coll + ".wacz"
}

func (w *Worker) loadLocal(ctx context.Context, coll string, src message.FileSource, p string, handle message.FileHandle) (archivestore.Info, error) {
	f, err := os.Open(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return archivestore.Info{}, &loadError{code: message.ErrorMissingLocalFile, err: err}
	case errors.Is(err, fs.ErrPermission):
		return archivestore.Info{}, &loadError{code: message.ErrorPermissionNeeded, handle: handle, err: err}
	case err != nil:
		return archivestore.Info{}, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return archivestore.Info{}, err
	}

	name := archiveName(coll, src, p)
	strategy := w.policy.Strategy(fi.Size())
	_, err = w.copyInto(ctx, coll, name, fi.Size(), strategy, func(dst io.Writer, prog *progress) error {
		_, err := io.Copy(dst, readerWithContext(ctx, f))
		return err
	})
	if err != nil {
		return archivestore.Info{}, err
	}
	key, _ := archivestore.Key(coll, name)
	return w.store.Stat(ctx, key)
}

func (w *Worker) loadRemote(ctx context.Context, coll string, src message.FileSource) (archivestore.Info, error) {
	target := src.LoadURL
	if target == "" {
		target = src.SourceURL
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return archivestore.Info{}, fmt.Errorf("source %q: %w", target, replaybridge.ErrUnsupported)
	}

	name := archiveName(coll, src, u.Path)
	key, err := archivestore.Key(coll, name)
	if err != nil {
		return archivestore.Info{}, err
	}

	ctx = telemetry.WithArchiveContext(ctx, coll)
	// concurrent loads of the same collection share one download; the
	// download runs under the context of the load that started it
	for {
		_, shared, err := w.downloads.Do(ctx, coll, func(context.Context) (*download.Result, error) {
			return w.fetch(ctx, coll, name, target, src)
		})
		if err != nil && shared && ctx.Err() == nil && errors.Is(err, context.Canceled) {
			// joined a load that was cancelled or restarted
			w.logger.Debug("joined download was cancelled, retrying", "coll", coll, "key", key)
			w.downloads.Forget(coll)
			continue
		}
		if err != nil {
			return archivestore.Info{}, err
		}
		if shared {
			w.logger.Debug("joined download in flight", "coll", coll, "key", key)
		}
		return w.store.Stat(ctx, key)
	}
}

// fetch downloads target into the store, in ranged chunks when the
// strategy asks for them and the server honours ranges.
func (w *Worker) fetch(ctx context.Context, coll, name, target string, src message.FileSource) (*download.Result, error) {
	size := src.Size
	if size <= 0 {
		size = w.probe(ctx, target, src)
	}
	strategy := w.policy.Strategy(size)

	return w.copyInto(ctx, coll, name, size, strategy, func(dst io.Writer, prog *progress) error {
		if !strategy.UseChunks || size <= 0 {
			return w.get(ctx, target, src, nil, dst)
		}

		chunks := perf.Chunks(size, strategy.ChunkSize)
		prog.chunks = len(chunks)
		for i, c := range chunks {
			prog.chunk = i + 1
			sp := &span{start: c[0], end: c[1], first: i == 0}
			if err := w.get(ctx, target, src, sp, dst); err != nil {
				if errors.Is(err, errRangeIgnored) {
					// the whole body was sent for the first chunk
					return nil
				}
				return err
			}
		}
		return nil
	})
}

// errRangeIgnored means the first ranged request was answered with the full body.
var errRangeIgnored = errors.New("range ignored")

// span is an inclusive byte range fetched as one chunk.
type span struct {
	start, end int64
	first      bool
}

func (s *span) header() string {
	return "bytes=" + strconv.FormatInt(s.start, 10) + "-" + strconv.FormatInt(s.end, 10)
}

func (s *span) size() int64 { return s.end - s.start + 1 }

func (w *Worker) newRequest(ctx context.Context, method, target string, src message.FileSource) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	if src.NoCache {
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// probe returns the size advertised by target, or 0.
func (w *Worker) probe(ctx context.Context, target string, src message.FileSource) int64 {
	req, err := w.newRequest(ctx, http.MethodHead, target, src)
	if err != nil {
		return 0
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("size probe failed", "url", target, "error", err)
		return 0
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0
	}
	return resp.ContentLength
}

// get copies target into dst, the whole body when sp is nil. A full body
// answering the first chunk is copied and reported as errRangeIgnored; for
// any later chunk it fails the load since earlier chunks are already written.
func (w *Worker) get(ctx context.Context, target string, src message.FileSource, sp *span, dst io.Writer) error {
	req, err := w.newRequest(ctx, http.MethodGet, target, src)
	if err != nil {
		return err
	}
	if sp != nil {
		req.Header.Set("Range", sp.header())
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", replaybridge.ErrUpstreamFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case sp != nil && resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if sp != nil && !sp.first {
			return fmt.Errorf("%w: %s ignored range %s", replaybridge.ErrUpstreamFetch, target, sp.header())
		}
	default:
		return fmt.Errorf("%w: %s returned %s", replaybridge.ErrUpstreamFetch, target, resp.Status)
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", replaybridge.ErrUpstreamFetch, target, err)
	}
	switch {
	case sp == nil:
		return nil
	case resp.StatusCode == http.StatusOK:
		return errRangeIgnored
	case n != sp.size():
		return fmt.Errorf("%w: %s returned %d bytes for %s, want %d", replaybridge.ErrUpstreamFetch, target, n, sp.header(), sp.size())
	}
	return nil
}

// copyInto runs fill against a store writer for coll/name, reporting
// progress. Archives small enough for a full load are also kept in memory.
func (w *Worker) copyInto(ctx context.Context, coll, name string, size int64, strategy perf.Strategy, fill func(io.Writer, *progress) error) (*download.Result, error) {
	wc, key, err := w.store.Writer(ctx, coll, name)
	if err != nil {
		return nil, err
	}

	prog := &progress{worker: w, coll: coll, total: size, interval: w.progressInterval}
	hw := replaybridge.NewHashingWriter()
	sinks := []io.Writer{wc, hw, prog}

	var mem *bytes.Buffer
	if w.memory != nil && !strategy.Streaming {
		mem = &bytes.Buffer{}
		sinks = append(sinks, mem)
	}

	if err := fill(io.MultiWriter(sinks...), prog); err != nil {
		abort(wc)
		return nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("committing %s: %w", key, err)
	}

	prog.report(true)
	telemetry.RecordLoadBytes(ctx, prog.current)
	if mem != nil {
		w.memory.Set(coll, key, mem.Bytes())
	}
	return &download.Result{Key: key, Hash: hw.Sum(), Size: prog.current}, nil
}

func abort(wc io.WriteCloser) {
	if a, ok := wc.(backend.Aborter); ok {
		_ = a.Abort()
		return
	}
	_ = wc.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// progress counts bytes written and reports them as collProgress.
type progress struct {
	worker   *Worker
	coll     string
	total    int64
	current  int64
	interval time.Duration
	last     time.Time
	chunk    int
	chunks   int
}

func (p *progress) Write(b []byte) (int, error) {
	p.current += int64(len(b))
	if time.Since(p.last) >= p.interval {
		p.report(false)
	}
	return len(b), nil
}

func (p *progress) report(done bool) {
	p.last = time.Now()

	percent := 0
	if p.total > 0 {
		percent = int(p.current * 100 / p.total)
		// 100 is reserved for collAdded
		percent = min(percent, 99)
	}
	if done && p.total <= 0 {
		p.total = p.current
	}

	extra := humanize.Bytes(uint64(p.current))
	if p.total > 0 {
		extra += " of " + humanize.Bytes(uint64(p.total))
	}
	if p.chunks > 0 {
		extra += fmt.Sprintf(", chunk %d of %d", p.chunk, p.chunks)
	}

	p.worker.emit(message.CollProgress{
		Name:        p.coll,
		Percent:     percent,
		CurrentSize: p.current,
		TotalSize:   p.total,
		ExtraMsg:    extra,
	})
}
