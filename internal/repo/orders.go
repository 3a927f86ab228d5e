package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/marketplace-payments/internal/marketplace"
)

// OrderRepo implements marketplace.OrderRepository.
type OrderRepo struct {
	DB TxDB
}

const orderColumns = `order_id, charge_id, payment_intent_id, store_id, customer_id, amount, currency, status,
items, metadata, description, receipt_url, last_event_id, completed_at, created_at, updated_at`

// ApplyPayment merges u into the order that shares its charge or payment intent id. Concurrent first
// deliveries for the same payment race on the unique columns; the loser retries and merges into the winner.
func (r OrderRepo) ApplyPayment(ctx context.Context, u marketplace.PaymentUpdate) (marketplace.Order, bool, error) {
	if u.ChargeID == "" && u.PaymentIntentID == "" {
		return marketplace.Order{}, false, errors.New("apply payment: charge or payment intent id is required")
	}
	const attempts = 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		order, changed, err := r.applyOnce(ctx, u)
		if err == nil {
			return order, changed, nil
		}
		if !isUniqueViolation(err) {
			return marketplace.Order{}, false, err
		}
		lastErr = err
	}
	return marketplace.Order{}, false, lastErr
}

func (r OrderRepo) applyOnce(ctx context.Context, u marketplace.PaymentUpdate) (marketplace.Order, bool, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return marketplace.Order{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	order, err := lockOrder(ctx, tx, u)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		order = marketplace.NewOrder(uuid.NewString(), u)
		if err := insertOrder(ctx, tx, order); err != nil {
			return marketplace.Order{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return marketplace.Order{}, false, fmt.Errorf("commit order: %w", err)
		}
		return order, true, nil
	case err != nil:
		return marketplace.Order{}, false, fmt.Errorf("lock order: %w", err)
	}

	changed := order.Merge(u)
	if err := updateOrder(ctx, tx, order); err != nil {
		return marketplace.Order{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return marketplace.Order{}, false, fmt.Errorf("commit order: %w", err)
	}
	return order, changed, nil
}

func lockOrder(ctx context.Context, tx DBTX, u marketplace.PaymentUpdate) (marketplace.Order, error) {
	row := tx.QueryRow(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE ($1::text <> '' AND charge_id = $1) OR ($2::text <> '' AND payment_intent_id = $2)
ORDER BY created_at
LIMIT 1
FOR UPDATE`, u.ChargeID, u.PaymentIntentID)
	return scanOrder(row)
}

func scanOrder(row pgx.Row) (marketplace.Order, error) {
	var (
		o                              marketplace.Order
		chargeID, intentID, customerID *string
		description, receiptURL        *string
		status                         string
		completedAt                    *time.Time
	)
	err := row.Scan(&o.OrderID, &chargeID, &intentID, &o.StoreID, &customerID, &o.Amount, &o.Currency, &status,
		&o.Items, &o.Metadata, &description, &receiptURL, &o.LastEventID, &completedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return marketplace.Order{}, err
	}
	o.ChargeID = deref(chargeID)
	o.PaymentIntentID = deref(intentID)
	o.CustomerID = deref(customerID)
	o.Description = deref(description)
	o.ReceiptURL = deref(receiptURL)
	o.Status = marketplace.OrderStatus(status)
	o.CompletedAt = completedAt
	return o, nil
}

func insertOrder(ctx context.Context, tx DBTX, o marketplace.Order) error {
	_, err := tx.Exec(ctx, `
INSERT INTO orders (`+orderColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.OrderID, nullable(o.ChargeID), nullable(o.PaymentIntentID), o.StoreID, nullable(o.CustomerID), o.Amount,
		o.Currency, string(o.Status), items(o.Items), nonNilMap(o.Metadata), nullable(o.Description),
		nullable(o.ReceiptURL), o.LastEventID, o.CompletedAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func updateOrder(ctx context.Context, tx DBTX, o marketplace.Order) error {
	_, err := tx.Exec(ctx, `
UPDATE orders
SET charge_id = $2, payment_intent_id = $3, store_id = $4, customer_id = $5, amount = $6, currency = $7,
    status = $8, items = $9, metadata = $10, description = $11, receipt_url = $12, last_event_id = $13,
    completed_at = $14, updated_at = $15
WHERE order_id = $1`,
		o.OrderID, nullable(o.ChargeID), nullable(o.PaymentIntentID), o.StoreID, nullable(o.CustomerID), o.Amount,
		o.Currency, string(o.Status), items(o.Items), nonNilMap(o.Metadata), nullable(o.Description),
		nullable(o.ReceiptURL), o.LastEventID, o.CompletedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func items(in []marketplace.OrderItem) []marketplace.OrderItem {
	if in == nil {
		return []marketplace.OrderItem{}
	}
	return in
}
