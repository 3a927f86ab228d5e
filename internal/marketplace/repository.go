package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/marketplace-payments/internal/events"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("marketplace: not found")

// StoreRepository persists stores keyed by connected account id.
type StoreRepository interface {
	Get(ctx context.Context, storeID string) (Store, error)
	// CreateIfAbsent inserts s unless a store with the same id exists. It reports whether s was inserted.
	CreateIfAbsent(ctx context.Context, s Store) (bool, error)
	Update(ctx context.Context, s Store) error
}

// OrderRepository persists orders keyed by charge and payment intent ids.
type OrderRepository interface {
	// ApplyPayment finds the order matching the update's charge or payment intent id, creating it when absent,
	// and merges the update under a row lock. It reports whether the order was created or its status changed.
	ApplyPayment(ctx context.Context, u PaymentUpdate) (Order, bool, error)
}

// CustomerRepository persists customers keyed by provider customer id.
type CustomerRepository interface {
	// Upsert stores c and reports whether it was created.
	Upsert(ctx context.Context, c Customer) (bool, error)
}

// Emitter publishes domain events for applied changes.
type Emitter interface {
	Emit(ctx context.Context, env events.Envelope) (events.DomainEvent, error)
}

// Locker serializes read-modify-write cycles on one aggregate across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}
