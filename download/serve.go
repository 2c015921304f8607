package download

import (
	"log/slog"
	"net/http"
)

// HandleDownloadError writes a text/plain error response for a failed
// upstream fetch: 504 when r's own context ended, 502 otherwise.
func HandleDownloadError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if r.Context().Err() != nil {
		http.Error(w, "Timed out fetching content", http.StatusGatewayTimeout)
		return
	}
	logger.Error("upstream fetch failed", "error", err)
	http.Error(w, "Error fetching content: "+err.Error(), http.StatusBadGateway)
}
