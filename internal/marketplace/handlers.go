package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v81"

	"github.com/noah-isme/marketplace-payments/internal/events"
	"github.com/noah-isme/marketplace-payments/internal/webhook"
)

// Provider event types handled by the marketplace.
const (
	EventAccountCreated          = "account.created"
	EventAccountUpdated          = "account.updated"
	EventChargeSucceeded         = "charge.succeeded"
	EventChargeFailed            = "charge.failed"
	EventChargeRefunded          = "charge.refunded"
	EventPaymentIntentSucceeded  = "payment_intent.succeeded"
	EventPaymentIntentFailed     = "payment_intent.payment_failed"
	EventCustomerCreated         = "customer.created"
	EventCustomerUpdated         = "customer.updated"
	EventCheckoutSessionComplete = "checkout.session.completed"
)

// Handlers turns provider events into store, order and customer mutations. Every handler converges to the
// same state when replayed with the same event.
type Handlers struct {
	Stores    StoreRepository
	Orders    OrderRepository
	Customers CustomerRepository
	Events    Emitter
	Locks     Locker
	Logger    zerolog.Logger
	Now       func() time.Time
}

const storeLockTTL = 15 * time.Second

// Register binds every marketplace event type on r.
func (h *Handlers) Register(r *webhook.Router) {
	r.Register(EventAccountCreated, h.AccountCreated)
	r.Register(EventAccountUpdated, h.AccountUpdated)
	r.Register(EventChargeSucceeded, h.chargeTo(OrderCompleted))
	r.Register(EventChargeFailed, h.chargeTo(OrderFailed))
	r.Register(EventChargeRefunded, h.ChargeRefunded)
	r.Register(EventPaymentIntentSucceeded, h.paymentIntentTo(OrderCompleted))
	r.Register(EventPaymentIntentFailed, h.paymentIntentTo(OrderFailed))
	r.Register(EventCustomerCreated, h.CustomerSync)
	r.Register(EventCustomerUpdated, h.CustomerSync)
	r.Register(EventCheckoutSessionComplete, h.CheckoutSessionCompleted)
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// AccountCreated builds the seller store for a new connected account.
func (h *Handlers) AccountCreated(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
	acct, err := evt.AccountObject()
	if err != nil {
		return webhook.Summary{}, err
	}
	if acct.ID == "" {
		return webhook.Summary{}, errors.New("account object has no id")
	}
	store := h.newStore(acct, evt.ID)
	created, err := h.Stores.CreateIfAbsent(ctx, store)
	if err != nil {
		return webhook.Summary{}, fmt.Errorf("create store %s: %w", store.StoreID, err)
	}
	summary := webhook.Summary{Action: "store_unchanged", Resource: "store", ResourceID: store.StoreID}
	if created {
		summary.Action = "store_created"
		h.emit(ctx, events.TopicStoreCreated, store.StoreID, evt.ID, store)
	}
	return summary, nil
}

// AccountUpdated syncs seller fields onto the store, creating it when the created event never arrived.
func (h *Handlers) AccountUpdated(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
	acct, err := evt.AccountObject()
	if err != nil {
		return webhook.Summary{}, err
	}
	if acct.ID == "" {
		return webhook.Summary{}, errors.New("account object has no id")
	}
	summary := webhook.Summary{Action: "store_synced", Resource: "store", ResourceID: acct.ID}
	err = h.withStoreLock(ctx, acct.ID, func(ctx context.Context) error {
		existing, err := h.Stores.Get(ctx, acct.ID)
		if errors.Is(err, ErrNotFound) {
			store := h.newStore(acct, evt.ID)
			created, createErr := h.Stores.CreateIfAbsent(ctx, store)
			if createErr != nil {
				return fmt.Errorf("create store %s: %w", acct.ID, createErr)
			}
			if created {
				summary.Action = "store_created"
				h.emit(ctx, events.TopicStoreCreated, store.StoreID, evt.ID, store)
				return nil
			}
			existing, err = h.Stores.Get(ctx, acct.ID)
		}
		if err != nil {
			return fmt.Errorf("load store %s: %w", acct.ID, err)
		}

		synced := SyncStore(existing, acct)
		synced.LastEventID = evt.ID
		synced.UpdatedAt = h.now()
		if err := h.Stores.Update(ctx, synced); err != nil {
			return fmt.Errorf("update store %s: %w", acct.ID, err)
		}
		h.emit(ctx, events.TopicStoreUpdated, synced.StoreID, evt.ID, synced)
		return nil
	})
	if err != nil {
		return webhook.Summary{}, err
	}
	return summary, nil
}

func (h *Handlers) withStoreLock(ctx context.Context, storeID string, fn func(context.Context) error) error {
	if h.Locks == nil {
		return fn(ctx)
	}
	return h.Locks.WithLock(ctx, "store:"+storeID, storeLockTTL, fn)
}

func (h *Handlers) newStore(acct *stripe.Account, eventID string) Store {
	store := BuildStore(acct)
	now := h.now()
	store.LastEventID = eventID
	store.CreatedAt = now
	store.UpdatedAt = now
	return store
}

func (h *Handlers) chargeTo(status OrderStatus) webhook.HandlerFunc {
	return func(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
		ch, err := evt.ChargeObject()
		if err != nil {
			return webhook.Summary{}, err
		}
		return h.applyPayment(ctx, evt, h.chargeUpdate(evt, ch, status))
	}
}

// ChargeRefunded marks fully refunded orders. Partial refunds only refresh order details.
func (h *Handlers) ChargeRefunded(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
	ch, err := evt.ChargeObject()
	if err != nil {
		return webhook.Summary{}, err
	}
	status := OrderRefunded
	if !ch.Refunded {
		status = ""
	}
	return h.applyPayment(ctx, evt, h.chargeUpdate(evt, ch, status))
}

func (h *Handlers) chargeUpdate(evt webhook.Event, ch *stripe.Charge, status OrderStatus) PaymentUpdate {
	u := PaymentUpdate{
		EventID:     evt.ID,
		ChargeID:    ch.ID,
		Amount:      ch.Amount,
		Currency:    string(ch.Currency),
		Status:      status,
		Metadata:    ch.Metadata,
		Description: ch.Description,
		ReceiptURL:  ch.ReceiptURL,
		OccurredAt:  h.now(),
	}
	if ch.PaymentIntent != nil {
		u.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.Customer != nil {
		u.CustomerID = ch.Customer.ID
	}
	var destination *stripe.Account
	if ch.TransferData != nil {
		destination = ch.TransferData.Destination
	}
	u.StoreID = resolveStoreID(ch.Metadata, ch.OnBehalfOf, destination, evt.Account)
	return u
}

func (h *Handlers) paymentIntentTo(status OrderStatus) webhook.HandlerFunc {
	return func(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
		pi, err := evt.PaymentIntentObject()
		if err != nil {
			return webhook.Summary{}, err
		}
		u := PaymentUpdate{
			EventID:         evt.ID,
			PaymentIntentID: pi.ID,
			Amount:          pi.Amount,
			Currency:        string(pi.Currency),
			Status:          status,
			Metadata:        pi.Metadata,
			Description:     pi.Description,
			OccurredAt:      h.now(),
		}
		if pi.LatestCharge != nil {
			u.ChargeID = pi.LatestCharge.ID
			u.ReceiptURL = pi.LatestCharge.ReceiptURL
		}
		if pi.Customer != nil {
			u.CustomerID = pi.Customer.ID
		}
		var destination *stripe.Account
		if pi.TransferData != nil {
			destination = pi.TransferData.Destination
		}
		u.StoreID = resolveStoreID(pi.Metadata, pi.OnBehalfOf, destination, evt.Account)
		return h.applyPayment(ctx, evt, u)
	}
}

// CheckoutSessionCompleted completes the order behind a paid session.
func (h *Handlers) CheckoutSessionCompleted(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
	sess, err := evt.CheckoutSessionObject()
	if err != nil {
		return webhook.Summary{}, err
	}
	summary := webhook.Summary{Action: "session_unpaid", Resource: "checkout_session", ResourceID: sess.ID}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid || sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return summary, nil
	}
	u := PaymentUpdate{
		EventID:         evt.ID,
		PaymentIntentID: sess.PaymentIntent.ID,
		Amount:          sess.AmountTotal,
		Currency:        string(sess.Currency),
		Status:          OrderCompleted,
		Metadata:        sess.Metadata,
		OccurredAt:      h.now(),
		StoreID:         resolveStoreID(sess.Metadata, nil, nil, evt.Account),
	}
	if sess.Customer != nil {
		u.CustomerID = sess.Customer.ID
	}
	if sess.LineItems != nil {
		for _, li := range sess.LineItems.Data {
			if li == nil {
				continue
			}
			item := OrderItem{Description: li.Description, Quantity: li.Quantity, AmountTotal: li.AmountTotal}
			if li.Price != nil {
				item.PriceID = li.Price.ID
			}
			u.Items = append(u.Items, item)
		}
	}
	return h.applyPayment(ctx, evt, u)
}

func (h *Handlers) applyPayment(ctx context.Context, evt webhook.Event, u PaymentUpdate) (webhook.Summary, error) {
	if u.ChargeID == "" && u.PaymentIntentID == "" {
		return webhook.Summary{}, fmt.Errorf("%s object has no charge or payment intent id", evt.Type)
	}
	order, changed, err := h.Orders.ApplyPayment(ctx, u)
	if err != nil {
		return webhook.Summary{}, fmt.Errorf("apply payment: %w", err)
	}
	summary := webhook.Summary{Action: "order_unchanged", Resource: "order", ResourceID: order.OrderID}
	if changed {
		summary.Action = "order_" + string(order.Status)
		if topic := orderTopic(order.Status); topic != "" {
			h.emit(ctx, topic, order.OrderID, evt.ID, order)
		}
	}
	return summary, nil
}

func orderTopic(status OrderStatus) string {
	switch status {
	case OrderPending:
		return events.TopicOrderPending
	case OrderCompleted:
		return events.TopicOrderCompleted
	case OrderFailed:
		return events.TopicOrderFailed
	case OrderRefunded:
		return events.TopicOrderRefunded
	}
	return ""
}

// CustomerSync upserts the customer record for created and updated events.
func (h *Handlers) CustomerSync(ctx context.Context, evt webhook.Event) (webhook.Summary, error) {
	c, err := evt.CustomerObject()
	if err != nil {
		return webhook.Summary{}, err
	}
	if c.ID == "" {
		return webhook.Summary{}, errors.New("customer object has no id")
	}
	customer := BuildCustomer(c, resolveStoreID(c.Metadata, nil, nil, evt.Account))
	now := h.now()
	customer.LastEventID = evt.ID
	customer.CreatedAt = now
	customer.UpdatedAt = now

	created, err := h.Customers.Upsert(ctx, customer)
	if err != nil {
		return webhook.Summary{}, fmt.Errorf("upsert customer %s: %w", c.ID, err)
	}
	summary := webhook.Summary{Action: "customer_updated", Resource: "customer", ResourceID: c.ID}
	if created {
		summary.Action = "customer_created"
	}
	h.emit(ctx, events.TopicCustomerSynced, c.ID, evt.ID, customer)
	return summary, nil
}

// emit publishes a domain event. Failures are logged: the state change already happened and the provider
// cannot fix a broken event sink by redelivering.
func (h *Handlers) emit(ctx context.Context, topic, aggregateID, sourceEvent string, payload any) {
	if h.Events == nil {
		return
	}
	_, err := h.Events.Emit(ctx, events.Envelope{
		Topic:       topic,
		AggregateID: aggregateID,
		SourceEvent: sourceEvent,
		Payload:     payload,
	})
	if err != nil {
		h.Logger.Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).
			Str("event_id", sourceEvent).Msg("emit domain event")
	}
}

// resolveStoreID picks the seller that owns a payment: explicit metadata first, then the connected account
// the payment settles to, then the account the event was delivered for.
func resolveStoreID(metadata map[string]string, onBehalfOf, destination *stripe.Account, eventAccount string) string {
	if id := strings.TrimSpace(metadata["store_id"]); id != "" {
		return id
	}
	if onBehalfOf != nil && onBehalfOf.ID != "" {
		return onBehalfOf.ID
	}
	if destination != nil && destination.ID != "" {
		return destination.ID
	}
	if eventAccount != "" {
		return eventAccount
	}
	return PlatformStoreID
}
