package download

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	replaybridge "github.com/wolfeidau/replay-bridge"
)

// hopHeaders are dropped when relaying an upstream response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StreamThroughResult is returned after streaming completes.
type StreamThroughResult struct {
	Hash replaybridge.Hash
	Size int64
}

// CopyHeaders copies end-to-end headers from src to dst.
func CopyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

// StreamThrough relays resp to w while teeing the body into a temp file in
// tempDir (the OS default when empty).
//
// Temp file lifecycle:
//   - StreamThrough creates the temp file.
//   - If the stream fails or onComplete returns an error, StreamThrough deletes it.
//   - If onComplete returns nil, the caller owns deletion.
//
// onComplete runs after the full body has been written to w, so storing the
// spooled copy never delays the caller.
func StreamThrough(
	w http.ResponseWriter,
	resp *http.Response,
	tempDir string,
	onComplete func(result *StreamThroughResult, tmpPath string) error,
	logger *slog.Logger,
) error {
	tmpFile, err := os.CreateTemp(tempDir, "stream-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	callerOwnsTmp := false
	defer func() {
		_ = tmpFile.Close()
		if !callerOwnsTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	CopyHeaders(w.Header(), resp.Header)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)

	hr := replaybridge.NewHashingReader(resp.Body)
	n, copyErr := io.Copy(w, io.TeeReader(hr, tmpFile))
	if copyErr != nil {
		// headers are committed, nothing left to tell the caller
		logger.Error("stream interrupted after partial write", "bytes_written", n, "error", copyErr)
		return fmt.Errorf("streaming: %w", copyErr)
	}

	if resp.ContentLength > 0 && n != resp.ContentLength {
		logger.Error("content-length mismatch", "expected", resp.ContentLength, "actual", n)
		return fmt.Errorf("content-length mismatch: expected %d, got %d", resp.ContentLength, n)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	result := &StreamThroughResult{Hash: hr.Sum(), Size: n}
	if err := onComplete(result, tmpPath); err != nil {
		logger.Warn("onComplete callback failed, not caching", "error", err)
		return nil
	}

	callerOwnsTmp = true
	return nil
}
