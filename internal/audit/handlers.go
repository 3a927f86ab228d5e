// Package audit exposes the webhook ledger to operators.
package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/marketplace-payments/internal/common"
	"github.com/noah-isme/marketplace-payments/internal/ledger"
)

// LedgerReader is the read side of ledger.Store.
type LedgerReader interface {
	Lookup(ctx context.Context, eventID string) (ledger.Record, error)
	List(ctx context.Context, filter ledger.Filter) ([]ledger.Record, error)
}

// Handler exposes HTTP endpoints for inspecting processed provider events.
type Handler struct {
	Ledger LedgerReader
}

// List returns ledger records, newest first, optionally narrowed by status.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "ledger not configured", nil)
		return
	}
	filter := ledger.Filter{}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := ledger.Status(strings.ToLower(raw))
		if !status.Valid() {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be pending, processed or failed", nil)
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = limit
	}

	records, err := h.Ledger.List(r.Context(), filter)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "unable to fetch webhook events", nil)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	common.JSONData(w, http.StatusOK, records, nil)
}

// Get returns one ledger record.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "ledger not configured", nil)
		return
	}
	eventID := strings.TrimSpace(chi.URLParam(r, "eventID"))
	if eventID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "event id is required", nil)
		return
	}
	rec, err := h.Ledger.Lookup(r.Context(), eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "webhook event not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "unable to fetch webhook event", nil)
		return
	}
	common.JSONData(w, http.StatusOK, rec, nil)
}

// Routes mounts the handler under a router.
func (h Handler) Routes(r chi.Router) {
	r.Get("/webhook-events", h.List)
	r.Get("/webhook-events/{eventID}", h.Get)
}
