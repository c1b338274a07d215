package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/session"
)

type actionResult struct {
	OK bool `json:"ok"`
}

// HandleSend starts a streamed reply to the "message" form field. The reply itself reaches the
// browser over server-sent events; the response only reports whether the request started.
//
// Validation failures answer 400, a provider without API key 503.
func (m Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	msg := r.FormValue("message")

	if err := m.session.Send(msg); err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyInput), errors.Is(err, session.ErrInputTooLong):
			m.logger.Debug("Rejected message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, session.ErrNotConfigured):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	m.writeJSON(w, http.StatusAccepted, m.session.Snapshot())
}

// HandleCancel stops the reply in flight, keeping any partial text.
func (m Main) HandleCancel(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, actionResult{OK: m.session.Cancel()})
}

// HandleRetry resends the last user message after a failed reply.
func (m Main) HandleRetry(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, actionResult{OK: m.session.RetryLast()})
}

// HandleDismiss clears the error banner.
func (m Main) HandleDismiss(w http.ResponseWriter, _ *http.Request) {
	m.session.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete removes the message named by the {id} path segment.
func (m Main) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Message id is required", http.StatusBadRequest)
		return
	}

	if err := m.session.DeleteMessage(id); err != nil {
		m.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear empties the conversation and forgets its title.
func (m Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := m.session.Clear(); err != nil {
		m.writeEditError(w, err)
		return
	}
	m.resetTitle()

	// Plain form posts from browsers without scripting land back on the page.
	if r.Header.Get("Accept") == "application/json" || r.Header.Get("X-Requested-With") != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (m Main) writeEditError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, conversation.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		m.logger.Error("Failed to edit conversation", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
