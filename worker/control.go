package worker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/replay-bridge/message"
)

// maxControlBody bounds a posted control message.
const maxControlBody = 64 << 10

// DefaultReplyTimeout bounds how long the control handler waits for the loop.
const DefaultReplyTimeout = 10 * time.Second

// ControlHandler exposes the worker over HTTP. GET returns the Descriptor;
// POST takes one JSON serve-channel message and answers with its reply.
type ControlHandler struct {
	worker       *Worker
	replyTimeout time.Duration
	logger       *slog.Logger
}

// NewControlHandler returns the control endpoint for w.
func NewControlHandler(w *Worker, logger *slog.Logger) *ControlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlHandler{
		worker:       w,
		replyTimeout: DefaultReplyTimeout,
		logger:       logger.With("component", "control"),
	}
}

func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		writeJSON(w, http.StatusOK, h.worker.Describe())
	case http.MethodPost:
		h.post(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *ControlHandler) post(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if len(data) > maxControlBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "message too large"})
		return
	}

	msg, err := message.Decode(data)
	if errors.Is(err, message.ErrUnknownType) {
		// unknown messages are ignored, never fatal
		h.logger.Warn("ignoring unknown message", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	if !ExpectsReply(msg) {
		if err := h.worker.PostMessage(r.Context(), msg, nil); err != nil {
			h.postError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reply := make(chan message.Message, 1)
	if err := h.worker.PostMessage(r.Context(), msg, reply); err != nil {
		h.postError(w, err)
		return
	}

	timer := time.NewTimer(h.replyTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		out, err := message.Encode(resp)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	case <-timer.C:
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timed out waiting for worker"})
	case <-r.Context().Done():
	}
}

func (h *ControlHandler) postError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
