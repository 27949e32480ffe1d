package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/snapsift/snapsift/internal/store"
)

// progressPollInterval is how often the SSE stream re-reads task state.
const progressPollInterval = time.Second

type taskResponse struct {
	ID       string          `json:"id"`
	State    store.TaskState `json:"state"`
	Progress int             `json:"progress"`
	Info     string          `json:"info,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func toTaskResponses(tasks []store.Task) []taskResponse {
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = taskResponse{
			ID:       t.ID,
			State:    t.State,
			Progress: t.Progress,
			Info:     t.Info,
			Result:   t.Result,
			Error:    t.Error,
		}
	}
	return out
}

// allTerminal reports whether every task in the chain has finished.
func allTerminal(tasks []store.Task) bool {
	for _, t := range tasks {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

// sendSSEEvent writes one server-sent event and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// streamTaskProgress streams task chain state as server-sent events by
// polling the fetch function. The stream ends with a "done" event when
// every task reaches a terminal state, the chain is empty (cancelled),
// or the client disconnects.
func streamTaskProgress(w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context) ([]store.Task, error)) {
	tasks, err := fetch(r.Context())
	if err != nil {
		respondFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondFault(w, fmt.Errorf("streaming not supported"))
		return
	}

	sendSSEEvent(w, flusher, "progress", toTaskResponses(tasks))
	if len(tasks) == 0 || allTerminal(tasks) {
		sendSSEEvent(w, flusher, "done", toTaskResponses(tasks))
		return
	}

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			tasks, err := fetch(r.Context())
			if err != nil {
				sendSSEEvent(w, flusher, "error", map[string]string{"detail": "state read failed"})
				return
			}
			sendSSEEvent(w, flusher, "progress", toTaskResponses(tasks))
			if len(tasks) == 0 || allTerminal(tasks) {
				sendSSEEvent(w, flusher, "done", toTaskResponses(tasks))
				return
			}
		}
	}
}
