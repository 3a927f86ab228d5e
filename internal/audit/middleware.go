package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/common"
	"github.com/noah-isme/marketplace-payments/internal/obs"
)

// AccessRecorder logs every operator request after it has been handled.
type AccessRecorder struct {
	Logger zerolog.Logger
}

// Middleware records action for each request passing through.
func (a AccessRecorder) Middleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := obs.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			actor, ok := common.Subject(r.Context())
			if !ok || actor == "" {
				actor = "anonymous"
			}
			event := a.Logger.Info()
			if rec.Status() >= http.StatusBadRequest {
				event = a.Logger.Warn()
			}
			event.
				Str("action", action).
				Str("actor", actor).
				Str("method", r.Method).
				Str("route", obs.RoutePattern(r)).
				Str("resource_id", chi.URLParam(r, "eventID")).
				Int("status", rec.Status()).
				Str("remote_ip", common.ClientIP(r)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("admin_access")
		})
	}
}
