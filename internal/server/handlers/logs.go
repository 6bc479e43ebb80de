package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kryahq/kryad/internal/errors"
	"github.com/kryahq/kryad/pkg/joblog"
)

// LogStream is the replay-then-live subscription surface of the job
// service.
type LogStream interface {
	Subscribe(pattern string) ([]joblog.Event, *joblog.Subscription)
	Unsubscribe(sub *joblog.Subscription)
}

// LogsHandler streams job log events over SSE.
type LogsHandler struct {
	stream LogStream
}

func NewLogsHandler(stream LogStream) *LogsHandler {
	return &LogsHandler{stream: stream}
}

// Stream serves GET /logs. The optional job query parameter selects a
// single job id or a glob pattern; empty means all jobs. Buffered history
// is replayed first, then live events until the client disconnects.
func (h *LogsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, apperrors.CodeInternal, "streaming unsupported")
		return
	}

	pattern := r.URL.Query().Get("job")
	replay, sub := h.stream.Subscribe(pattern)
	defer h.stream.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range replay {
		if !writeEvent(w, ev) {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !writeEvent(w, ev) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev joblog.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	_, err = w.Write([]byte("\n\n"))
	return err == nil
}
