package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-payments/internal/events"
	"github.com/noah-isme/marketplace-payments/internal/queue"
)

type failingScheduler struct{}

func (failingScheduler) Enqueue(context.Context, queue.Task, time.Duration) error {
	return errors.New("redis down")
}

func TestRetryingNotifierDefersFailedPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	flaky := &captureNotifier{err: errors.New("broker down")}
	notifier := events.RetryingNotifier{
		Next:        flaky,
		Queue:       queue.Enqueuer{R: rdb},
		MaxAttempts: 3,
	}
	bus := events.Bus{Store: &stubStore{}, Notifiers: []events.Notifier{notifier}}
	ev, err := bus.Emit(context.Background(), events.Envelope{Topic: events.TopicOrderCompleted, AggregateID: "ord_1"})
	require.NoError(t, err)
	require.Len(t, flaky.events, 1)

	flaky.err = nil
	worker := queue.Worker{R: rdb, Kind: events.PublishTaskKind, Handler: events.Redeliver(flaky)}
	found, err := worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, flaky.events, 2)
	require.Equal(t, ev.ID, flaky.events[1].ID)
	require.Equal(t, events.TopicOrderCompleted, flaky.events[1].Topic)
}

func TestRetryingNotifierSurfacesErrorWhenQueueFails(t *testing.T) {
	notifier := events.RetryingNotifier{
		Next:  &captureNotifier{err: errors.New("broker down")},
		Queue: failingScheduler{},
	}
	err := notifier.Notify(context.Background(), events.DomainEvent{Topic: events.TopicStoreCreated})
	require.ErrorContains(t, err, "broker down")
	require.ErrorContains(t, err, "redis down")
}

func TestRetryingNotifierPassesThroughSuccess(t *testing.T) {
	next := &captureNotifier{}
	notifier := events.RetryingNotifier{Next: next, Queue: failingScheduler{}}
	require.NoError(t, notifier.Notify(context.Background(), events.DomainEvent{Topic: events.TopicStoreCreated}))
	require.Len(t, next.events, 1)
}
