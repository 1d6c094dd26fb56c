package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/taskmesh/taskmesh/internal/session"
)

// handleTaskEvents streams a task's events as server-sent events. The first
// event is always a snapshot of the task's current state; live events follow
// in publish order. A request landing on a node that does not own the task
// gets 409 with the owning node's ID so the client can redirect.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.sessions.Subscribe(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, session.ErrNotLocalOwner) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	defer s.sessions.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, open := <-sub.Events():
			if !open {
				// The session manager shut down; end the stream cleanly.
				return
			}
			payload, err := json.Marshal(event.Payload)
			if err != nil {
				s.logger.Error(r.Context(), "marshaling stream event failed",
					"task_id", taskID, "event_type", event.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
