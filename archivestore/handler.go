package archivestore

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/wolfeidau/replay-bridge/backend"
)

// Handler serves stored files at "/<key>", with Range support. Mount it
// under a prefix with http.StripPrefix. Archives held in mem, when not nil,
// are served without touching the backend.
func (s *Store) Handler(mem *Memory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		key, err := backend.CleanKey(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}

		setContentType(w, key)

		if mem != nil {
			if data, ok := mem.Get(key); ok {
				http.ServeContent(w, r, path.Base(key), time.Time{}, bytes.NewReader(data))
				return
			}
		}

		fi, err := s.backend.Stat(r.Context(), key)
		if errors.Is(err, backend.ErrNotFound) || (err == nil && fi.Dir) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.logger.Error("stat failed", "key", key, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		rc, err := s.backend.Read(r.Context(), key)
		if err != nil {
			s.logger.Error("read failed", "key", key, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer func() { _ = rc.Close() }()

		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, r, path.Base(key), fi.ModTime, rs)
			return
		}
		w.Header().Set("Last-Modified", fi.ModTime.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, rc); err != nil {
			s.logger.Warn("failed to stream archive file", "key", key, "error", err)
		}
	})
}

var archiveContentTypes = map[string]string{
	"wacz":    "application/wacz",
	"warc":    "application/warc",
	"warc.gz": "application/gzip",
}

func setContentType(w http.ResponseWriter, key string) {
	ct, ok := archiveContentTypes[ArchiveType(key)]
	if !ok {
		ct = mime.TypeByExtension(path.Ext(key))
	}
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
}
