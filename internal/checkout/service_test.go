package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/noah-isme/marketplace-payments/internal/common"
	"github.com/noah-isme/marketplace-payments/internal/obs"
	"github.com/noah-isme/marketplace-payments/internal/resilience"
)

type fakeCreator struct {
	mu     sync.Mutex
	params []*stripe.CheckoutSessionParams
	err    error
}

func (f *fakeCreator) CreateSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", ClientSecret: "cs_test_1_secret"}, nil
}

func (f *fakeCreator) last() *stripe.CheckoutSessionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

func newService(creator SessionCreator) *Service {
	return &Service{
		Creator:               creator,
		ReturnURL:             "http://localhost:3000/return",
		SuccessURL:            "http://localhost:3000/success",
		CancelURL:             "http://localhost:3000/cancel",
		DefaultApplicationFee: 150,
		Validate:              NewValidator(),
		Metrics:               obs.NewCheckoutMetrics("test", prometheus.NewRegistry()),
		Logger:                zerolog.Nop(),
	}
}

func TestCreateEmbeddedSession(t *testing.T) {
	creator := &fakeCreator{}
	svc := newService(creator)

	out, err := svc.Create(context.Background(), Request{AmountCents: 2000, Description: "Anvil"}, "key-1")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", out.SessionID)
	require.Equal(t, "cs_test_1_secret", out.ClientSecret)

	params := creator.last()
	require.Equal(t, "payment", *params.Mode)
	require.Equal(t, UIModeEmbedded, *params.UIMode)
	require.Equal(t, "http://localhost:3000/return", *params.ReturnURL)
	require.Nil(t, params.SuccessURL)
	require.Len(t, params.LineItems, 1)
	require.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
	require.Equal(t, int64(2000), *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "Anvil", *params.LineItems[0].PriceData.ProductData.Name)
	require.Equal(t, int64(1), *params.LineItems[0].Quantity)
	require.Nil(t, params.PaymentIntentData)
	require.Equal(t, "key-1", *params.IdempotencyKey)
	require.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.Sessions.WithLabelValues("created")))
}

func TestCreateHostedSessionForConnectedAccount(t *testing.T) {
	creator := &fakeCreator{}
	svc := newService(creator)

	_, err := svc.Create(context.Background(), Request{
		AmountCents:        5000,
		Currency:           "EUR",
		Description:        "Hammer",
		ConnectedAccountID: "acct_123",
		UIMode:             UIModeHosted,
		Metadata:           map[string]string{"cart": "c1"},
	}, "")
	require.NoError(t, err)

	params := creator.last()
	require.Nil(t, params.ReturnURL)
	require.Equal(t, "http://localhost:3000/success", *params.SuccessURL)
	require.Equal(t, "http://localhost:3000/cancel", *params.CancelURL)
	require.Equal(t, "eur", *params.LineItems[0].PriceData.Currency)
	require.Equal(t, int64(150), *params.PaymentIntentData.ApplicationFeeAmount)
	require.Equal(t, "acct_123", *params.PaymentIntentData.TransferData.Destination)
	require.Equal(t, "c1", params.Metadata["cart"])
	require.Equal(t, "acct_123", params.Metadata["store_id"])
	require.Nil(t, params.IdempotencyKey)
}

func TestCreateUsesRequestedFee(t *testing.T) {
	creator := &fakeCreator{}
	fee := int64(75)
	_, err := newService(creator).Create(context.Background(), Request{
		AmountCents: 1000, Description: "Tongs", ConnectedAccountID: "acct_9", ApplicationFeeCents: &fee,
	}, "")
	require.NoError(t, err)
	require.Equal(t, int64(75), *creator.last().PaymentIntentData.ApplicationFeeAmount)
}

func TestCreateRejectsDefaultFeeAboveAmount(t *testing.T) {
	creator := &fakeCreator{}
	svc := newService(creator)

	_, err := svc.Create(context.Background(), Request{AmountCents: 150, Description: "Nail", ConnectedAccountID: "acct_9"}, "")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	require.Equal(t, map[string]string{"application_fee_cents": "ltfield"}, appErr.Details)
	require.Empty(t, creator.params)
	require.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.Sessions.WithLabelValues("invalid")))

	// the default only applies to connected accounts
	_, err = svc.Create(context.Background(), Request{AmountCents: 150, Description: "Nail"}, "")
	require.NoError(t, err)
	require.Nil(t, creator.last().PaymentIntentData)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	fee := int64(5000)
	cases := map[string]struct {
		req   Request
		field string
	}{
		"zero amount":      {Request{Description: "x"}, "amount_cents"},
		"no description":   {Request{AmountCents: 10}, "description"},
		"bad currency":     {Request{AmountCents: 10, Description: "x", Currency: "dollars"}, "currency"},
		"bad ui mode":      {Request{AmountCents: 10, Description: "x", UIMode: "popup"}, "ui_mode"},
		"bad account":      {Request{AmountCents: 10, Description: "x", ConnectedAccountID: "cus_1"}, "connected_account_id"},
		"fee above amount": {Request{AmountCents: 10, Description: "x", ApplicationFeeCents: &fee}, "application_fee_cents"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			creator := &fakeCreator{}
			_, err := newService(creator).Create(context.Background(), tc.req, "")
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
			require.Equal(t, "VALIDATION_ERROR", appErr.Code)
			require.Contains(t, appErr.Details, tc.field)
			require.Empty(t, creator.params)
		})
	}
}

func TestCreateWithoutCreator(t *testing.T) {
	_, err := newService(nil).Create(context.Background(), Request{AmountCents: 10, Description: "x"}, "")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
}

func TestCreateMapsProviderErrors(t *testing.T) {
	creator := &fakeCreator{err: &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "No such destination"}}
	_, err := newService(creator).Create(context.Background(), Request{AmountCents: 10, Description: "x"}, "")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "PROVIDER_ERROR", appErr.Code)
	require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	require.Equal(t, "No such destination", appErr.Message)

	creator.err = fmt.Errorf("post: %w", resilience.ErrOpenCircuit)
	_, err = newService(creator).Create(context.Background(), Request{AmountCents: 10, Description: "x"}, "")
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)

	creator.err = errors.New("connection reset")
	_, err = newService(creator).Create(context.Background(), Request{AmountCents: 10, Description: "x"}, "")
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusBadGateway, appErr.HTTPStatus)
}

func TestHandlerCreate(t *testing.T) {
	creator := &fakeCreator{}
	h := &Handler{Svc: newService(creator)}

	body, _ := json.Marshal(map[string]any{"amount_cents": 1500, "description": "Anvil"})
	req := httptest.NewRequest(http.MethodPost, "/checkout-sessions", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", "abc")
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "cs_test_1", out.SessionID)
	require.Equal(t, "abc", *creator.last().IdempotencyKey)
}

func TestHandlerRejectsBadJSON(t *testing.T) {
	h := &Handler{Svc: newService(&fakeCreator{})}
	for _, body := range []string{`{`, `{"amount_cents":1,"description":"x","unknown":true}`} {
		rec := httptest.NewRecorder()
		h.Create(rec, httptest.NewRequest(http.MethodPost, "/checkout-sessions", bytes.NewBufferString(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "BAD_REQUEST")
	}
}

func TestHandlerRendersValidationErrors(t *testing.T) {
	h := &Handler{Svc: newService(&fakeCreator{})}
	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/checkout-sessions", bytes.NewBufferString(`{"amount_cents":0}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	require.Contains(t, rec.Body.String(), "amount_cents")
}
