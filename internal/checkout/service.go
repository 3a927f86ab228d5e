// Package checkout opens provider checkout sessions for marketplace purchases.
package checkout

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v81"

	"github.com/noah-isme/marketplace-payments/internal/common"
	"github.com/noah-isme/marketplace-payments/internal/obs"
	"github.com/noah-isme/marketplace-payments/internal/resilience"
)

// UI modes accepted by the provider.
const (
	UIModeEmbedded = "embedded"
	UIModeHosted   = "hosted"
)

// Request is the body of POST /checkout-sessions.
type Request struct {
	AmountCents         int64             `json:"amount_cents" validate:"gt=0"`
	Currency            string            `json:"currency" validate:"omitempty,len=3,alpha"`
	Description         string            `json:"description" validate:"required,max=500"`
	ConnectedAccountID  string            `json:"connected_account_id" validate:"omitempty,startswith=acct_"`
	ApplicationFeeCents *int64            `json:"application_fee_cents" validate:"omitempty,gte=0"`
	Metadata            map[string]string `json:"metadata" validate:"omitempty,max=50"`
	UIMode              string            `json:"ui_mode" validate:"omitempty,oneof=embedded hosted"`
}

// Session is what the client needs to mount or redirect to checkout.
type Session struct {
	SessionID    string `json:"session_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	URL          string `json:"url,omitempty"`
}

// SessionCreator performs the outbound create call.
type SessionCreator interface {
	CreateSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Service validates requests and shapes provider parameters.
type Service struct {
	Creator               SessionCreator
	ReturnURL             string
	SuccessURL            string
	CancelURL             string
	DefaultApplicationFee int64
	Validate              *validator.Validate
	Metrics               *obs.CheckoutMetrics
	Logger                zerolog.Logger
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize applies request defaults.
func (r Request) Normalize() Request {
	r.Currency = strings.ToLower(strings.TrimSpace(r.Currency))
	if r.Currency == "" {
		r.Currency = "usd"
	}
	r.UIMode = strings.TrimSpace(r.UIMode)
	if r.UIMode == "" {
		r.UIMode = UIModeEmbedded
	}
	r.Description = strings.TrimSpace(r.Description)
	r.ConnectedAccountID = strings.TrimSpace(r.ConnectedAccountID)
	return r
}

// BuildParams maps a normalized request onto session create parameters. Embedded sessions return to
// ReturnURL; hosted sessions use the success and cancel URLs. A connected account receives the transfer and
// the platform keeps the application fee.
func (s *Service) BuildParams(req Request) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:   stripe.String(string(stripe.CheckoutSessionModePayment)),
		UIMode: stripe.String(req.UIMode),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(req.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.UIMode == UIModeEmbedded {
		params.ReturnURL = stripe.String(s.ReturnURL)
	} else {
		params.SuccessURL = stripe.String(s.SuccessURL)
		params.CancelURL = stripe.String(s.CancelURL)
	}
	if req.ConnectedAccountID != "" {
		fee, _ := s.applicationFee(req)
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			ApplicationFeeAmount: stripe.Int64(fee),
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(req.ConnectedAccountID),
			},
		}
		if _, ok := req.Metadata["store_id"]; !ok {
			params.AddMetadata("store_id", req.ConnectedAccountID)
		}
	}
	return params
}

// applicationFee returns the fee the platform keeps for req: the requested fee, or the default fee when the
// session pays a connected account. ok is false when no fee applies.
func (s *Service) applicationFee(req Request) (fee int64, ok bool) {
	switch {
	case req.ApplicationFeeCents != nil:
		return *req.ApplicationFeeCents, true
	case req.ConnectedAccountID != "":
		return s.DefaultApplicationFee, true
	}
	return 0, false
}

// Create validates req and opens a session. idempotencyKey is forwarded to the provider when set.
func (s *Service) Create(ctx context.Context, req Request, idempotencyKey string) (Session, error) {
	if s == nil || s.Creator == nil {
		s.observe("not_configured")
		return Session{}, common.NewAppError("CHECKOUT_NOT_CONFIGURED", "checkout is not configured", http.StatusServiceUnavailable, nil)
	}
	req = req.Normalize()
	validate := s.Validate
	if validate == nil {
		validate = NewValidator()
	}
	if err := validate.Struct(req); err != nil {
		s.observe("invalid")
		appErr := common.NewAppError("VALIDATION_ERROR", "invalid checkout request", http.StatusBadRequest, err)
		appErr.Details = fieldErrors(err)
		return Session{}, appErr
	}
	if fee, ok := s.applicationFee(req); ok && fee >= req.AmountCents {
		s.observe("invalid")
		appErr := common.NewAppError("VALIDATION_ERROR", "invalid checkout request", http.StatusBadRequest, nil)
		appErr.Details = map[string]string{"application_fee_cents": "ltfield"}
		return Session{}, appErr
	}

	params := s.BuildParams(req)
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	sess, err := s.Creator.CreateSession(ctx, params)
	if err != nil {
		s.observe("provider_error")
		s.Logger.Error().Err(err).Str("connected_account_id", req.ConnectedAccountID).Msg("create checkout session")
		return Session{}, providerError(err)
	}
	s.observe("created")
	return Session{SessionID: sess.ID, ClientSecret: sess.ClientSecret, URL: sess.URL}, nil
}

func (s *Service) observe(result string) {
	if s == nil || s.Metrics == nil {
		return
	}
	s.Metrics.Sessions.WithLabelValues(result).Inc()
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}

func providerError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := http.StatusBadGateway
		if stripeErr.HTTPStatusCode == http.StatusBadRequest || stripeErr.HTTPStatusCode == http.StatusPaymentRequired {
			status = http.StatusBadRequest
		}
		msg := stripeErr.Msg
		if msg == "" {
			msg = "payment provider rejected the request"
		}
		return common.NewAppError("PROVIDER_ERROR", msg, status, err)
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return common.NewAppError("PROVIDER_UNAVAILABLE", "payment provider temporarily unavailable", http.StatusServiceUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return common.NewAppError("PROVIDER_TIMEOUT", "payment provider timed out", http.StatusGatewayTimeout, err)
	}
	return common.NewAppError("PROVIDER_ERROR", "payment provider unavailable", http.StatusBadGateway, err)
}
