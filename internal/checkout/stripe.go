package checkout

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/marketplace-payments/internal/resilience"
)

// StripeCreator creates sessions through the provider API.
type StripeCreator struct {
	API *client.API
}

// NewStripeCreator builds an API client whose HTTP calls are traced and pass through breaker.
func NewStripeCreator(secretKey string, timeout time.Duration, breaker *resilience.Breaker) *StripeCreator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(&resilience.Transport{Base: http.DefaultTransport, Breaker: breaker}),
	}
	return &StripeCreator{API: client.New(secretKey, stripe.NewBackends(httpClient))}
}

// CreateSession implements SessionCreator.
func (c *StripeCreator) CreateSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if params.Context == nil {
		params.Context = ctx
	}
	return c.API.CheckoutSessions.New(params)
}
