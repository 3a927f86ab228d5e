package webhook

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/stripe/stripe-go/v81"
)

// Event is a verified provider notification. Object stays undecoded until a handler asks for its typed form.
type Event struct {
	ID         string
	Type       string
	Created    time.Time
	Account    string
	Livemode   bool
	APIVersion string
	Object     json.RawMessage
}

type envelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Account    string `json:"account"`
	Livemode   bool   `json:"livemode"`
	APIVersion string `json:"api_version"`
	Data       *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Parse decodes payload into an Event. Only id, type and data.object are required.
func Parse(payload []byte) (Event, error) {
	if !utf8.Valid(payload) {
		return Event{}, newError(KindInvalidPayload, "payload is not valid UTF-8")
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, newError(KindInvalidPayload, "decode payload: %v", err)
	}
	switch {
	case env.ID == "":
		return Event{}, newError(KindInvalidPayload, "event id is missing")
	case env.Type == "":
		return Event{}, newError(KindInvalidPayload, "event type is missing")
	case env.Data == nil:
		return Event{}, newError(KindInvalidPayload, "event data is missing")
	}
	object := bytes.TrimSpace(env.Data.Object)
	if len(object) == 0 || object[0] != '{' {
		return Event{}, newError(KindInvalidPayload, "data.object must be an object")
	}

	evt := Event{
		ID:         env.ID,
		Type:       env.Type,
		Account:    env.Account,
		Livemode:   env.Livemode,
		APIVersion: env.APIVersion,
		Object:     json.RawMessage(object),
	}
	if env.Created > 0 {
		evt.Created = time.Unix(env.Created, 0).UTC()
	}
	return evt, nil
}

// Decode unmarshals the event object into T.
func Decode[T any](evt Event) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(evt.Object, out); err != nil {
		return nil, newError(KindInvalidPayload, "decode %s object: %v", evt.Type, err)
	}
	return out, nil
}

// AccountObject decodes account.* objects.
func (e Event) AccountObject() (*stripe.Account, error) { return Decode[stripe.Account](e) }

// ChargeObject decodes charge.* objects.
func (e Event) ChargeObject() (*stripe.Charge, error) { return Decode[stripe.Charge](e) }

// PaymentIntentObject decodes payment_intent.* objects.
func (e Event) PaymentIntentObject() (*stripe.PaymentIntent, error) {
	return Decode[stripe.PaymentIntent](e)
}

// CustomerObject decodes customer.* objects.
func (e Event) CustomerObject() (*stripe.Customer, error) { return Decode[stripe.Customer](e) }

// CheckoutSessionObject decodes checkout.session.* objects.
func (e Event) CheckoutSessionObject() (*stripe.CheckoutSession, error) {
	return Decode[stripe.CheckoutSession](e)
}
