package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/common"
	"github.com/noah-isme/marketplace-payments/internal/obs"
)

// SignatureHeaderName carries the `t=..,v1=..` signature.
const SignatureHeaderName = "Stripe-Signature"

// OutcomeHeaderName reports the processing outcome alongside the acknowledgement body.
const OutcomeHeaderName = "X-Webhook-Outcome"

// FailureGuard throttles callers that keep failing authentication.
type FailureGuard interface {
	Blocked(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
}

// Handler is the HTTP entrypoint for provider events.
type Handler struct {
	Verifier  Verifier
	Processor *Processor
	Guard     FailureGuard
	Metrics   *obs.WebhookMetrics
	Logger    zerolog.Logger
}

type ackResponse struct {
	Received bool `json:"received"`
}

// ServeHTTP verifies, parses and processes one delivery. Any verified delivery is acknowledged with
// {"received":true}, including deliveries whose handler failed.
//
// Two verified outcomes are not acknowledged. A ledger outage answers 503 and a delivery whose event id is held
// by a live claim answers 409 EVENT_IN_PROGRESS; both make the provider redeliver later, when the claim has been
// committed or its lease has expired.
//
// The failure guard only sees deliveries that failed authentication, so a correctly signed delivery is never
// throttled whatever its source address.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := common.ClientIP(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.reject("too_large")
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return
		}
		h.reject("unreadable")
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	if err := h.Verifier.Verify(body, r.Header.Get(SignatureHeaderName)); err != nil {
		h.fail(ctx, w, ip, err)
		return
	}
	evt, err := Parse(body)
	if err != nil {
		h.fail(ctx, w, ip, err)
		return
	}

	res, err := h.Processor.Process(ctx, evt)
	if err != nil {
		w.Header().Set("Retry-After", "5")
		common.JSONError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "event could not be recorded, retry later", nil)
		return
	}
	w.Header().Set(OutcomeHeaderName, string(res.Outcome))
	if res.Outcome == OutcomeInProgress {
		common.JSONError(w, http.StatusConflict, "EVENT_IN_PROGRESS", "event is being processed", nil)
		return
	}
	common.JSON(w, http.StatusOK, ackResponse{Received: true})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, ip string, err error) {
	kind := KindOf(err)
	h.reject(kind.String())

	switch kind.Category() {
	case CategoryAuthentication:
		h.Logger.Warn().Str("remote_ip", ip).Str("reason", kind.String()).Msg("webhook authentication failed")
		if h.throttled(ctx, ip) {
			h.reject("throttled")
			common.JSONError(w, http.StatusTooManyRequests, "TOO_MANY_AUTH_FAILURES", "too many failed webhook authentications", nil)
			return
		}
	case CategoryConfiguration:
		h.Logger.Error().Str("error_kind", kind.String()).Err(err).Msg("webhook rejected: not configured")
	default:
		h.Logger.Info().Str("remote_ip", ip).Str("error_kind", kind.String()).Err(err).Msg("webhook rejected")
	}
	common.JSONError(w, kind.HTTPStatus(), kind.Code(), kind.Message(), nil)
}

// throttled records one authentication failure for ip and reports whether ip had already used its budget.
func (h *Handler) throttled(ctx context.Context, ip string) bool {
	if h.Guard == nil {
		return false
	}
	blocked, err := h.Guard.Blocked(ctx, ip)
	if err != nil {
		h.Logger.Warn().Err(err).Str("remote_ip", ip).Msg("webhook failure guard unavailable")
		return false
	}
	if blocked {
		return true
	}
	if err := h.Guard.Record(ctx, ip); err != nil {
		h.Logger.Warn().Err(err).Str("remote_ip", ip).Msg("webhook failure guard unavailable")
	}
	return false
}

func (h *Handler) reject(reason string) {
	if h.Metrics != nil {
		h.Metrics.Rejections.WithLabelValues(reason).Inc()
	}
}
