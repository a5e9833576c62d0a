package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"harvestd/internal/progress"
	"harvestd/internal/store"
)

// sseObserver bridges the tracker to one SSE connection. Send never blocks:
// a full buffer means the client cannot keep up and the tracker evicts it.
type sseObserver struct {
	ch chan progress.Snapshot
}

var errObserverSaturated = errors.New("observer buffer full")

func (o *sseObserver) Send(snap progress.Snapshot) error {
	select {
	case o.ch <- snap:
		return nil
	default:
		return errObserverSaturated
	}
}

func isTerminal(status string) bool {
	switch status {
	case store.StatusSuccess, store.StatusFailed, store.StatusCancelled:
		return true
	}
	return false
}

// streamExecution serves progress snapshots as server-sent events. For an
// already-finished execution it emits one final snapshot built from the
// record and closes; for a live one it subscribes to the tracker and streams
// until a terminal snapshot arrives or the client disconnects.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if isTerminal(exec.Status) {
		elapsed := 0.0
		if exec.CompletedAt != nil {
			elapsed = exec.CompletedAt.Sub(exec.StartedAt).Seconds()
		}
		writeEvent(w, progress.Snapshot{
			ExecutionID:    exec.ID,
			Status:         exec.Status,
			ItemsScraped:   exec.ItemsScraped,
			ElapsedSeconds: elapsed,
			Message:        exec.ErrorMessage,
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
		})
		flusher.Flush()
		return
	}

	obs := &sseObserver{ch: make(chan progress.Snapshot, 16)}
	subID := s.tracker.Subscribe(id, obs)
	defer s.tracker.Unsubscribe(id, subID)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case snap := <-obs.ch:
			writeEvent(w, snap)
			flusher.Flush()
			if isTerminal(snap.Status) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, snap progress.Snapshot) {
	data, _ := json.Marshal(snap)
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}
