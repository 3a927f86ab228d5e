package queue

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/marketplace-payments/internal/common"
)

// AdminHandler exposes dead-letter inspection and replay to operators.
type AdminHandler struct {
	DLQ   DLQ
	Kinds []string
}

func (h AdminHandler) kind(r *http.Request) (string, bool) {
	kind := strings.TrimSpace(chi.URLParam(r, "kind"))
	for _, k := range h.Kinds {
		if k == kind {
			return kind, true
		}
	}
	return "", false
}

// List returns dead tasks for a kind.
func (h AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(r)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown queue", nil)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	tasks, err := h.DLQ.List(r.Context(), kind, limit)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "unable to read dead letters", nil)
		return
	}
	size, err := h.DLQ.Size(r.Context(), kind)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "unable to read dead letters", nil)
		return
	}
	common.JSONData(w, http.StatusOK, tasks, map[string]any{"total": size})
}

// Replay requeues dead tasks for a kind.
func (h AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(r)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown queue", nil)
		return
	}
	count := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "count must be between 1 and 1000", nil)
			return
		}
		count = parsed
	}
	replayed, err := h.DLQ.Replay(r.Context(), kind, count)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "unable to replay dead letters", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"replayed": replayed})
}

// Routes mounts the handler under a router.
func (h AdminHandler) Routes(r chi.Router) {
	r.Get("/queues/{kind}/dlq", h.List)
	r.Post("/queues/{kind}/dlq/replay", h.Replay)
}
