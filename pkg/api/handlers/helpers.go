package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the envelope of every status API reply.
//
//   - Status is "healthy", "unhealthy", "ok" or "error"
//   - Timestamp is the server time of the reply
//   - Data carries the payload, Error the failure message
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are already out, so an encode failure cannot be reported
	_ = json.NewEncoder(w).Encode(v)
}

func healthyResponse(data any) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthyResponseWithData(data any) Response {
	return Response{Status: "unhealthy", Timestamp: time.Now().UTC(), Data: data}
}

func okResponse(data any) Response {
	return Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data}
}

func errorResponse(msg string) Response {
	return Response{Status: "error", Timestamp: time.Now().UTC(), Error: msg}
}

// NotFound writes a 404 error reply.
func NotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorResponse(msg))
}

// InternalServerError writes a 500 error reply.
func InternalServerError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusInternalServerError, errorResponse(msg))
}

// MethodNotAllowed writes a 405 error reply.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"))
}

// RouteNotFound writes a 404 for unknown paths.
func RouteNotFound(w http.ResponseWriter, r *http.Request) {
	NotFound(w, "no route for "+r.URL.Path)
}
