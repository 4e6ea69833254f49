package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/accounting"
)

// AccountingHandler serves persisted per-client traffic totals.
type AccountingHandler struct {
	store accounting.Store
}

// NewAccountingHandler creates an AccountingHandler.
func NewAccountingHandler(store accounting.Store) *AccountingHandler {
	return &AccountingHandler{store: store}
}

// List handles GET /accounting.
func (h *AccountingHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		logger.Error("List accounting records", logger.Err(err))
		InternalServerError(w, "failed to list accounting records")
		return
	}
	if records == nil {
		records = []accounting.Record{}
	}
	writeJSON(w, http.StatusOK, okResponse(records))
}

// Get handles GET /accounting/{key}. Keys are client IPs, so IPv6 keys
// arrive path-escaped.
func (h *AccountingHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		NotFound(w, "record not found")
		return
	}
	rec, err := h.store.Get(r.Context(), key)
	switch {
	case errors.Is(err, accounting.ErrNotFound):
		NotFound(w, "record not found")
	case err != nil:
		logger.Error("Get accounting record", "key", key, logger.Err(err))
		InternalServerError(w, "failed to get accounting record")
	default:
		writeJSON(w, http.StatusOK, okResponse(rec))
	}
}
