package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/queue"
)

// PublishTaskKind is the queue kind carrying domain events awaiting redelivery.
const PublishTaskKind = "events.publish"

// Scheduler enqueues deferred work.
type Scheduler interface {
	Enqueue(ctx context.Context, t queue.Task, delay time.Duration) error
}

// RetryingNotifier delivers through Next and schedules a redelivery when that fails. The error is only
// surfaced when the retry cannot be scheduled either.
type RetryingNotifier struct {
	Next        Notifier
	Queue       Scheduler
	MaxAttempts int
	Delay       time.Duration
	Logger      zerolog.Logger
}

// Notify implements Notifier.
func (n RetryingNotifier) Notify(ctx context.Context, event DomainEvent) error {
	if n.Next == nil {
		return nil
	}
	err := n.Next.Notify(ctx, event)
	if err == nil || n.Queue == nil {
		return err
	}
	payload, encErr := json.Marshal(event)
	if encErr != nil {
		return fmt.Errorf("encode domain event: %w", encErr)
	}
	task := queue.Task{
		Kind:        PublishTaskKind,
		Key:         event.ID.String(),
		Payload:     payload,
		MaxAttempts: n.MaxAttempts,
	}
	if qErr := n.Queue.Enqueue(context.WithoutCancel(ctx), task, n.Delay); qErr != nil {
		return fmt.Errorf("%w (retry not scheduled: %v)", err, qErr)
	}
	n.Logger.Warn().Err(err).Str("topic", event.Topic).Str("domain_event_id", event.ID.String()).
		Msg("domain event publish deferred")
	return nil
}

// Redeliver returns a queue handler that replays deferred events through next.
func Redeliver(next Notifier) func(context.Context, queue.Task) error {
	return func(ctx context.Context, t queue.Task) error {
		var event DomainEvent
		if err := json.Unmarshal(t.Payload, &event); err != nil {
			return fmt.Errorf("decode domain event: %w", err)
		}
		return next.Notify(ctx, event)
	}
}
