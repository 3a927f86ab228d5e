package repo

import (
	"context"
	"fmt"

	"github.com/noah-isme/marketplace-payments/internal/events"
)

// DomainEventRepo implements events.EventStore.
type DomainEventRepo struct {
	DB DBTX
}

// InsertDomainEvent appends ev to the outbox table.
func (r DomainEventRepo) InsertDomainEvent(ctx context.Context, ev events.DomainEvent) error {
	_, err := r.DB.Exec(ctx, `
INSERT INTO domain_events (id, topic, aggregate_id, source_event, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID.String(), ev.Topic, ev.AggregateID, nullable(ev.SourceEvent), string(ev.Payload), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}
