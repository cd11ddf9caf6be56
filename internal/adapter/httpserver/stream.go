package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudsketch/diagen/internal/domain"
)

// EventsHandler handles GET /v1/diagrams/{id}/events: a server-sent-events
// stream of the job's status transitions. The stream opens with a
// "subscribed" acknowledgement and closes after the terminal event.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFrom(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "no subject"}})
			return
		}
		jobID := chi.URLParam(r, "id")

		// Subscribe before the ownership read so no transition can slip
		// between the two.
		ch, cancel := s.bus.Subscribe(jobID)
		defer cancel()

		job, err := s.broker.Query(r.Context(), subject.Key, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("op=http.events: %w: streaming unsupported", domain.ErrInternal), nil)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSE(w, "subscribed", map[string]any{"job_id": jobID, "state": string(job.State)})
		flusher.Flush()

		if job.State.Terminal() {
			writeSSE(w, terminalEventName(job.State), terminalPayload(job))
			flusher.Flush()
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				writeSSE(w, string(ev.Kind), ev)
				flusher.Flush()
				if ev.Kind.Terminal() {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

func terminalEventName(state domain.JobState) string {
	switch state {
	case domain.JobCompleted:
		return string(domain.EventCompleted)
	case domain.JobCancelled:
		return string(domain.EventCancelled)
	default:
		return string(domain.EventFailed)
	}
}

// terminalPayload synthesizes a final event for subscribers that attach
// after the job already settled.
func terminalPayload(job domain.Job) domain.Event {
	ev := domain.Event{
		JobID:     job.ID,
		Attempt:   job.Attempts,
		Timestamp: time.Now(),
	}
	switch job.State {
	case domain.JobCompleted:
		ev.Kind = domain.EventCompleted
	case domain.JobCancelled:
		ev.Kind = domain.EventCancelled
	default:
		ev.Kind = domain.EventFailed
		ev.Data = map[string]any{
			"error_kind": string(job.ErrorKind),
			"message":    job.ErrorMsg,
		}
	}
	return ev
}
