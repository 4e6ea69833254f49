package handlers

import (
	"net/http"
	"time"
)

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// HealthHandler handles health check endpoints.
//
// Health endpoints provide:
//   - Liveness probe: is the process serving HTTP?
//   - Readiness probe: is the tunnel listener bound?
type HealthHandler struct {
	sessions  SessionCounter
	ready     func() bool
	startedAt time.Time
	version   string
}

// HealthInfo is the payload of GET /health.
type HealthInfo struct {
	Service   string    `json:"service"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Sessions  int       `json:"sessions"`
	Ready     bool      `json:"ready"`
}

// NewHealthHandler creates a health handler. ready may be nil, in which
// case the server is always reported ready.
func NewHealthHandler(sessions SessionCounter, ready func() bool, startedAt time.Time, version string) *HealthHandler {
	return &HealthHandler{sessions: sessions, ready: ready, startedAt: startedAt, version: version}
}

func (h *HealthHandler) info() HealthInfo {
	info := HealthInfo{
		Service:   "veil",
		Version:   h.version,
		StartedAt: h.startedAt.UTC(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Ready:     h.ready == nil || h.ready(),
	}
	if h.sessions != nil {
		info.Sessions = h.sessions.Count()
	}
	return info
}

// Liveness handles GET /health. It always returns 200 while the HTTP
// server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(h.info()))
}

// Readiness handles GET /health/ready. It returns 503 until the tunnel
// listener is bound.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	info := h.info()
	if !info.Ready {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponseWithData(info))
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(info))
}
