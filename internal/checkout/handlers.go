package checkout

import (
	"encoding/json"
	"net/http"

	"github.com/noah-isme/marketplace-payments/internal/common"
)

// Handler exposes checkout session creation over HTTP.
type Handler struct {
	Svc *Service
}

// Create handles POST /checkout-sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	out, err := h.Svc.Create(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, out)
}
