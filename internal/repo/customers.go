package repo

import (
	"context"
	"fmt"

	"github.com/noah-isme/marketplace-payments/internal/marketplace"
)

// CustomerRepo implements marketplace.CustomerRepository.
type CustomerRepo struct {
	DB DBTX
}

// Upsert writes c, keeping the original created_at on conflict. xmax is zero only for freshly inserted rows.
func (r CustomerRepo) Upsert(ctx context.Context, c marketplace.Customer) (bool, error) {
	var inserted bool
	err := r.DB.QueryRow(ctx, `
INSERT INTO customers (customer_id, store_id, email, name, phone, address, metadata, last_event_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (customer_id) DO UPDATE
SET store_id = EXCLUDED.store_id,
    email = EXCLUDED.email,
    name = EXCLUDED.name,
    phone = EXCLUDED.phone,
    address = EXCLUDED.address,
    metadata = EXCLUDED.metadata,
    last_event_id = EXCLUDED.last_event_id,
    updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)`,
		c.CustomerID, c.StoreID, nullable(c.Email), nullable(c.Name), nullable(c.Phone), c.Address,
		nonNilMap(c.Metadata), c.LastEventID, c.UpdatedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert customer: %w", err)
	}
	return inserted, nil
}
