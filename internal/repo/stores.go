package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/marketplace-payments/internal/marketplace"
)

// StoreRepo implements marketplace.StoreRepository.
type StoreRepo struct {
	DB DBTX
}

const storeColumns = `store_id, seller_info, store_pages, payment_methods, status, settings, last_event_id, created_at, updated_at`

// Get loads one store.
func (r StoreRepo) Get(ctx context.Context, storeID string) (marketplace.Store, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE store_id = $1`, storeID)
	var (
		s         marketplace.Store
		status    string
		lastEvent *string
	)
	err := row.Scan(&s.StoreID, &s.SellerInfo, &s.Pages, &s.PaymentMethods, &status, &s.Settings, &lastEvent,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Store{}, marketplace.ErrNotFound
	}
	if err != nil {
		return marketplace.Store{}, fmt.Errorf("get store: %w", err)
	}
	s.Status = marketplace.StoreStatus(status)
	s.LastEventID = deref(lastEvent)
	return s, nil
}

// CreateIfAbsent inserts s unless the store already exists.
func (r StoreRepo) CreateIfAbsent(ctx context.Context, s marketplace.Store) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
INSERT INTO stores (`+storeColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (store_id) DO NOTHING`,
		s.StoreID, s.SellerInfo, pages(s.Pages), s.PaymentMethods, string(s.Status), settings(s.Settings),
		nullable(s.LastEventID), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert store: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update overwrites the mutable columns of an existing store.
func (r StoreRepo) Update(ctx context.Context, s marketplace.Store) error {
	tag, err := r.DB.Exec(ctx, `
UPDATE stores
SET seller_info = $2, store_pages = $3, payment_methods = $4, status = $5, settings = $6,
    last_event_id = $7, updated_at = $8
WHERE store_id = $1`,
		s.StoreID, s.SellerInfo, pages(s.Pages), s.PaymentMethods, string(s.Status), settings(s.Settings),
		nullable(s.LastEventID), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update store: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketplace.ErrNotFound
	}
	return nil
}

func pages(p []marketplace.StorePage) []marketplace.StorePage {
	if p == nil {
		return []marketplace.StorePage{}
	}
	return p
}

func settings(s marketplace.StoreSettings) marketplace.StoreSettings {
	if s.Capabilities == nil {
		s.Capabilities = map[string]string{}
	}
	return s
}
