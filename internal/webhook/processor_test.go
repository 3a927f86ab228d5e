package webhook_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-payments/internal/ledger"
	"github.com/noah-isme/marketplace-payments/internal/obs"
	"github.com/noah-isme/marketplace-payments/internal/webhook"
)

type brokenLedger struct {
	ledger.Store
	beginErr  error
	commitErr error
}

func (b brokenLedger) Begin(ctx context.Context, id, typ string) (ledger.Record, error) {
	if b.beginErr != nil {
		return ledger.Record{}, b.beginErr
	}
	return b.Store.Begin(ctx, id, typ)
}

func (b brokenLedger) Commit(ctx context.Context, id string, attempt int, o ledger.Outcome) (ledger.Record, error) {
	if b.commitErr != nil {
		return ledger.Record{}, b.commitErr
	}
	return b.Store.Commit(ctx, id, attempt, o)
}

func newProcessor(store ledger.Store, router *webhook.Router) *webhook.Processor {
	return &webhook.Processor{
		Ledger:         store,
		Router:         router,
		HandlerTimeout: time.Second,
		LedgerTimeout:  time.Second,
		Logger:         zerolog.Nop(),
	}
}

func evt(id, typ string) webhook.Event {
	return webhook.Event{ID: id, Type: typ, Object: []byte(`{}`)}
}

func TestProcessRunsHandlerOncePerEventID(t *testing.T) {
	var calls atomic.Int32
	router := webhook.NewRouter()
	router.Register("charge.succeeded", func(ctx context.Context, e webhook.Event) (webhook.Summary, error) {
		calls.Add(1)
		return webhook.Summary{Action: "order_completed"}, nil
	})
	p := newProcessor(ledger.NewMemory(), router)

	res, err := p.Process(context.Background(), evt("evt_1", "charge.succeeded"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, res.Outcome)
	require.Equal(t, "order_completed", res.Summary.Action)

	res, err = p.Process(context.Background(), evt("evt_1", "charge.succeeded"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeDuplicate, res.Outcome)
	require.Equal(t, ledger.StatusProcessed, res.Record.Status)
	require.EqualValues(t, 1, calls.Load())
}

func TestProcessFailureThenRetrySucceeds(t *testing.T) {
	var attempts atomic.Int32
	router := webhook.NewRouter()
	router.Register("charge.failed", func(ctx context.Context, e webhook.Event) (webhook.Summary, error) {
		if attempts.Add(1) == 1 {
			return webhook.Summary{}, errors.New("order repository timeout")
		}
		return webhook.Summary{Action: "order_failed"}, nil
	})
	store := ledger.NewMemory()
	p := newProcessor(store, router)

	res, err := p.Process(context.Background(), evt("evt_x", "charge.failed"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeFailed, res.Outcome)
	require.Equal(t, webhook.KindHandler, webhook.KindOf(res.Err))
	rec, err := store.Lookup(context.Background(), "evt_x")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, 0, rec.RetryCount)
	require.Equal(t, "order repository timeout", *rec.ErrorMessage)

	res, err = p.Process(context.Background(), evt("evt_x", "charge.failed"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, res.Outcome)
	require.Equal(t, ledger.StatusProcessed, res.Record.Status)
	require.Equal(t, 1, res.Record.RetryCount)
	require.EqualValues(t, 2, attempts.Load())
}

func TestProcessUnknownTypeIsAcknowledged(t *testing.T) {
	store := ledger.NewMemory()
	p := newProcessor(store, webhook.NewRouter())

	res, err := p.Process(context.Background(), evt("evt_u", "invoice.finalized"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeIgnored, res.Outcome)
	require.Nil(t, res.Err)

	failed, err := store.List(context.Background(), ledger.Filter{Status: ledger.StatusFailed})
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	router := webhook.NewRouter()
	router.Register("customer.created", func(ctx context.Context, e webhook.Event) (webhook.Summary, error) {
		panic("nil map")
	})
	store := ledger.NewMemory()
	res, err := newProcessor(store, router).Process(context.Background(), evt("evt_p", "customer.created"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeFailed, res.Outcome)
	require.Contains(t, *res.Record.ErrorMessage, "nil map")
}

func TestProcessHandlerTimeoutIsRecordedAsFailure(t *testing.T) {
	router := webhook.NewRouter()
	router.Register("account.updated", func(ctx context.Context, e webhook.Event) (webhook.Summary, error) {
		<-ctx.Done()
		return webhook.Summary{}, ctx.Err()
	})
	p := newProcessor(ledger.NewMemory(), router)
	p.HandlerTimeout = 20 * time.Millisecond

	res, err := p.Process(context.Background(), evt("evt_t", "account.updated"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Equal(t, ledger.StatusFailed, res.Record.Status)
}

func TestProcessCommitsAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	router := webhook.NewRouter()
	router.Register("customer.updated", func(context.Context, webhook.Event) (webhook.Summary, error) {
		cancel()
		return webhook.Summary{Action: "customer_synced"}, nil
	})
	store := ledger.NewMemory()
	res, err := newProcessor(store, router).Process(ctx, evt("evt_c", "customer.updated"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, res.Outcome)
	require.Equal(t, ledger.StatusProcessed, res.Record.Status)
}

func TestProcessInProgressSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	router := webhook.NewRouter()
	router.Register("charge.succeeded", func(context.Context, webhook.Event) (webhook.Summary, error) {
		calls.Add(1)
		return webhook.Summary{}, nil
	})
	store := ledger.NewMemory()
	_, err := store.Begin(context.Background(), "evt_busy", "charge.succeeded")
	require.NoError(t, err)

	res, err := newProcessor(store, router).Process(context.Background(), evt("evt_busy", "charge.succeeded"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeInProgress, res.Outcome)
	require.Zero(t, calls.Load())
}

func TestProcessLateCommitKeepsReclaimedOutcome(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemory()
	store.Lease = time.Minute
	store.Now = func() time.Time { return now }

	router := webhook.NewRouter()
	router.Register("charge.succeeded", func(ctx context.Context, e webhook.Event) (webhook.Summary, error) {
		// A redelivery reclaims the expired lease and finishes first.
		now = now.Add(2 * time.Minute)
		rec, err := store.Begin(ctx, e.ID, e.Type)
		if err != nil {
			return webhook.Summary{}, err
		}
		if _, err := store.Commit(ctx, e.ID, rec.RetryCount, ledger.Processed()); err != nil {
			return webhook.Summary{}, err
		}
		return webhook.Summary{}, errors.New("gateway timeout")
	})
	p := newProcessor(store, router)
	registry := prometheus.NewRegistry()
	p.Metrics = obs.NewWebhookMetrics("test", registry)

	res, err := p.Process(context.Background(), evt("evt_slow", "charge.succeeded"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeDuplicate, res.Outcome)
	require.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.LedgerClaims.WithLabelValues("lost")))

	rec, err := store.Lookup(context.Background(), "evt_slow")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessed, rec.Status)
	require.Nil(t, rec.ErrorMessage)

	res, err = p.Process(context.Background(), evt("evt_slow", "charge.succeeded"))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeDuplicate, res.Outcome)
}

func TestProcessLedgerFailures(t *testing.T) {
	var calls atomic.Int32
	router := webhook.NewRouter()
	router.Register("charge.succeeded", func(context.Context, webhook.Event) (webhook.Summary, error) {
		calls.Add(1)
		return webhook.Summary{}, nil
	})

	_, err := newProcessor(brokenLedger{Store: ledger.NewMemory(), beginErr: errors.New("conn refused")}, router).
		Process(context.Background(), evt("evt_b", "charge.succeeded"))
	require.ErrorIs(t, err, webhook.ErrLedgerUnavailable)
	require.Zero(t, calls.Load())

	_, err = newProcessor(brokenLedger{Store: ledger.NewMemory(), commitErr: errors.New("conn reset")}, router).
		Process(context.Background(), evt("evt_b", "charge.succeeded"))
	require.ErrorIs(t, err, webhook.ErrLedgerUnavailable)
	require.EqualValues(t, 1, calls.Load())
}

func TestProcessRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	router := webhook.NewRouter()
	router.Register("charge.succeeded", func(context.Context, webhook.Event) (webhook.Summary, error) {
		return webhook.Summary{}, nil
	})
	p := newProcessor(ledger.NewMemory(), router)
	p.Metrics = obs.NewWebhookMetrics("test", registry)

	_, err := p.Process(context.Background(), evt("evt_m", "charge.succeeded"))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), evt("evt_m", "charge.succeeded"))
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Events.WithLabelValues("charge.succeeded", "processed")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Events.WithLabelValues("charge.succeeded", "duplicate")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.LedgerClaims.WithLabelValues("claimed")))
	require.Equal(t, 1, testutil.CollectAndCount(p.Metrics.HandlerDuration))
}
