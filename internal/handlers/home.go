package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/stream-chat/internal/session"
)

type homePageData struct {
	Title    string
	Snapshot session.Snapshot
	Stream   streamView

	MaxInputLength       int
	ScrollThreshold      float64
	ScrollDebounceMillis int64
}

type streamView struct {
	ID   string
	Text string
}

type stateResponse struct {
	session.Snapshot
	Title string `json:"title,omitempty"`
}

// HandleHome renders the chat page with the current conversation, including the reply being
// streamed if there is one.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := m.session.Snapshot()
	data := homePageData{
		Title:                m.Title(),
		Snapshot:             snap,
		Stream:               streamView{ID: snap.StreamingID, Text: snap.Streaming},
		MaxInputLength:       m.cfg.MaxInputLength,
		ScrollThreshold:      m.cfg.ScrollThreshold,
		ScrollDebounceMillis: m.cfg.ScrollDebounce.Milliseconds(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleState returns the conversation snapshot as JSON.
func (m Main) HandleState(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, stateResponse{
		Snapshot: m.session.Snapshot(),
		Title:    m.Title(),
	})
}

// HandleSSE streams conversation updates to the browser.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}
