package marketplace

import (
	"time"
)

// OrderStatus follows the provider's settlement lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFailed    OrderStatus = "failed"
	OrderCompleted OrderStatus = "completed"
	OrderRefunded  OrderStatus = "refunded"
)

func (s OrderStatus) rank() int {
	switch s {
	case OrderPending:
		return 1
	case OrderFailed:
		return 2
	case OrderCompleted:
		return 3
	case OrderRefunded:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool { return s.rank() > 0 }

// CanTransition reports whether moving from s to next advances the lifecycle. Equal or earlier statuses are
// ignored so out-of-order and repeated deliveries cannot regress an order.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

// PlatformStoreID owns orders and customers that carry no seller reference.
const PlatformStoreID = "platform"

// OrderItem is one purchased line.
type OrderItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	AmountTotal int64  `json:"amount_total"`
	PriceID     string `json:"price_id,omitempty"`
}

// Order is keyed by the charge id and/or the payment intent id of the payment that created it.
type Order struct {
	OrderID         string            `json:"order_id"`
	ChargeID        string            `json:"charge_id,omitempty"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	StoreID         string            `json:"store_id"`
	CustomerID      string            `json:"customer_id,omitempty"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Status          OrderStatus       `json:"status"`
	Items           []OrderItem       `json:"items"`
	Metadata        map[string]string `json:"metadata"`
	Description     string            `json:"description,omitempty"`
	ReceiptURL      string            `json:"receipt_url,omitempty"`
	LastEventID     string            `json:"last_event_id"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PaymentUpdate is the state change one payment event requests.
type PaymentUpdate struct {
	EventID         string
	ChargeID        string
	PaymentIntentID string
	StoreID         string
	CustomerID      string
	Amount          int64
	Currency        string
	Status          OrderStatus
	Items           []OrderItem
	Metadata        map[string]string
	Description     string
	ReceiptURL      string
	OccurredAt      time.Time
}

// Merge folds u into o. It fills identifiers and details the order lacks and advances the status when
// allowed. It reports whether the status changed.
func (o *Order) Merge(u PaymentUpdate) bool {
	if o.ChargeID == "" {
		o.ChargeID = u.ChargeID
	}
	if o.PaymentIntentID == "" {
		o.PaymentIntentID = u.PaymentIntentID
	}
	if (o.StoreID == "" || o.StoreID == PlatformStoreID) && u.StoreID != "" {
		o.StoreID = u.StoreID
	}
	if o.CustomerID == "" {
		o.CustomerID = u.CustomerID
	}
	if o.Amount == 0 {
		o.Amount = u.Amount
	}
	if o.Currency == "" {
		o.Currency = u.Currency
	}
	if len(o.Items) == 0 && len(u.Items) > 0 {
		o.Items = u.Items
	}
	if o.Description == "" {
		o.Description = u.Description
	}
	if u.ReceiptURL != "" {
		o.ReceiptURL = u.ReceiptURL
	}
	if o.Metadata == nil {
		o.Metadata = map[string]string{}
	}
	for k, v := range u.Metadata {
		if _, ok := o.Metadata[k]; !ok {
			o.Metadata[k] = v
		}
	}
	if o.Items == nil {
		o.Items = []OrderItem{}
	}
	o.LastEventID = u.EventID
	o.UpdatedAt = u.OccurredAt

	if !o.Status.CanTransition(u.Status) {
		return false
	}
	o.Status = u.Status
	if u.Status == OrderCompleted && o.CompletedAt == nil {
		t := u.OccurredAt
		o.CompletedAt = &t
	}
	return true
}

// NewOrder starts an order from its first payment event.
func NewOrder(id string, u PaymentUpdate) Order {
	o := Order{OrderID: id, CreatedAt: u.OccurredAt}
	o.Merge(u)
	if o.Status == "" {
		o.Status = OrderPending
	}
	return o
}
