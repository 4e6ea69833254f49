package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/veil/pkg/session"
)

// SessionSource is the read side of session.Manager.
type SessionSource interface {
	Snapshot() []session.Info
	Get(id string) (*session.Session, bool)
}

// SessionHandler serves the live session table.
type SessionHandler struct {
	sessions SessionSource
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionSource) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// List handles GET /sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.sessions.Snapshot()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, okResponse(infos))
}

// Get handles GET /sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := h.sessions.Get(id)
	if !ok {
		NotFound(w, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(s.Info()))
}
