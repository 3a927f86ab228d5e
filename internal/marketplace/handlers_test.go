package marketplace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-payments/internal/events"
	"github.com/noah-isme/marketplace-payments/internal/webhook"
)

type memoryRepo struct {
	mu        sync.Mutex
	stores    map[string]Store
	orders    map[string]Order
	customers map[string]Customer
	seq       int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		stores:    map[string]Store{},
		orders:    map[string]Order{},
		customers: map[string]Customer{},
	}
}

func (m *memoryRepo) Get(_ context.Context, id string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[id]
	if !ok {
		return Store{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryRepo) CreateIfAbsent(_ context.Context, s Store) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[s.StoreID]; ok {
		return false, nil
	}
	m.stores[s.StoreID] = s
	return true, nil
}

func (m *memoryRepo) Update(_ context.Context, s Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[s.StoreID]; !ok {
		return ErrNotFound
	}
	m.stores[s.StoreID] = s
	return nil
}

func (m *memoryRepo) ApplyPayment(_ context.Context, u PaymentUpdate) (Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orders {
		if (u.ChargeID != "" && o.ChargeID == u.ChargeID) || (u.PaymentIntentID != "" && o.PaymentIntentID == u.PaymentIntentID) {
			changed := o.Merge(u)
			m.orders[id] = o
			return o, changed, nil
		}
	}
	m.seq++
	o := NewOrder(fmt.Sprintf("order-%d", m.seq), u)
	m.orders[o.OrderID] = o
	return o, true, nil
}

func (m *memoryRepo) Upsert(_ context.Context, c Customer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.customers[c.CustomerID]
	if ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.customers[c.CustomerID] = c
	return !ok, nil
}

func (m *memoryRepo) orderList() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, env events.Envelope) (events.DomainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return events.DomainEvent{}, r.err
	}
	r.topics = append(r.topics, env.Topic)
	return events.DomainEvent{Topic: env.Topic, AggregateID: env.AggregateID}, nil
}

func (r *recordingEmitter) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func newHandlers(repo *memoryRepo, emitter Emitter) *Handlers {
	return &Handlers{
		Stores:    repo,
		Orders:    repo,
		Customers: repo,
		Events:    emitter,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func mustEvent(t *testing.T, id, typ, account, object string) webhook.Event {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"type":%q,"account":%q,"data":{"object":%s}}`, id, typ, account, object)
	evt, err := webhook.Parse([]byte(payload))
	require.NoError(t, err)
	return evt
}

func dispatch(t *testing.T, h *Handlers, evt webhook.Event) (webhook.Summary, error) {
	t.Helper()
	r := webhook.NewRouter()
	h.Register(r)
	fn, ok := r.Route(evt.Type)
	require.True(t, ok, "no handler for %s", evt.Type)
	return fn(context.Background(), evt)
}

const acmeAccount = `{"id":"acct_123","object":"account","email":"owner@acme.test","country":"us",
	"business_profile":{"name":"Acme","product_description":"Anvils"},
	"charges_enabled":true,"payouts_enabled":false,
	"capabilities":{"card_payments":"active","transfers":"inactive"}}`

func TestRegisterBindsEveryType(t *testing.T) {
	r := webhook.NewRouter()
	newHandlers(newMemoryRepo(), nil).Register(r)
	require.ElementsMatch(t, []string{
		EventAccountCreated, EventAccountUpdated,
		EventChargeSucceeded, EventChargeFailed, EventChargeRefunded,
		EventPaymentIntentSucceeded, EventPaymentIntentFailed,
		EventCustomerCreated, EventCustomerUpdated,
		EventCheckoutSessionComplete,
	}, r.Types())
}

func TestAccountCreatedBuildsStore(t *testing.T) {
	repo := newMemoryRepo()
	emitter := &recordingEmitter{}
	h := newHandlers(repo, emitter)

	summary, err := dispatch(t, h, mustEvent(t, "evt_1", EventAccountCreated, "", acmeAccount))
	require.NoError(t, err)
	require.Equal(t, "store_created", summary.Action)
	require.Equal(t, "acct_123", summary.ResourceID)

	store, err := repo.Get(context.Background(), "acct_123")
	require.NoError(t, err)
	require.Equal(t, "Acme", store.SellerInfo.Name)
	require.Equal(t, "US", store.SellerInfo.Country)
	require.Len(t, store.Pages, 4)
	require.Equal(t, "home", store.Pages[0].Slug)
	require.Equal(t, StoreActive, store.Status)
	require.True(t, store.PaymentMethods.ChargesEnabled)
	require.Equal(t, "active", store.Settings.Capabilities["card_payments"])
	require.Equal(t, "evt_1", store.LastEventID)
	require.Equal(t, []string{events.TopicStoreCreated}, emitter.Topics())
}

func TestAccountCreatedReplayLeavesStoreUntouched(t *testing.T) {
	repo := newMemoryRepo()
	emitter := &recordingEmitter{}
	h := newHandlers(repo, emitter)
	evt := mustEvent(t, "evt_1", EventAccountCreated, "", acmeAccount)

	_, err := dispatch(t, h, evt)
	require.NoError(t, err)
	summary, err := dispatch(t, h, evt)
	require.NoError(t, err)
	require.Equal(t, "store_unchanged", summary.Action)
	require.Len(t, emitter.Topics(), 1)
}

func TestAccountCreatedDefaults(t *testing.T) {
	repo := newMemoryRepo()
	h := newHandlers(repo, nil)

	_, err := dispatch(t, h, mustEvent(t, "evt_1", EventAccountCreated, "", `{"id":"acct_bare"}`))
	require.NoError(t, err)
	store, err := repo.Get(context.Background(), "acct_bare")
	require.NoError(t, err)
	require.Equal(t, "Unnamed Store", store.SellerInfo.Name)
	require.Equal(t, "US", store.SellerInfo.Country)
}

func TestAccountCreatedRequiresID(t *testing.T) {
	_, err := dispatch(t, newHandlers(newMemoryRepo(), nil), mustEvent(t, "evt_1", EventAccountCreated, "", `{"email":"x@y.z"}`))
	require.Error(t, err)
}

func TestAccountUpdatedSyncsAndSuspends(t *testing.T) {
	repo := newMemoryRepo()
	emitter := &recordingEmitter{}
	h := newHandlers(repo, emitter)
	_, err := dispatch(t, h, mustEvent(t, "evt_1", EventAccountCreated, "", acmeAccount))
	require.NoError(t, err)

	updated := `{"id":"acct_123","business_profile":{"name":"Acme Anvils"},"charges_enabled":false,
		"payouts_enabled":true,"requirements":{"disabled_reason":"rejected.fraud"}}`
	summary, err := dispatch(t, h, mustEvent(t, "evt_2", EventAccountUpdated, "", updated))
	require.NoError(t, err)
	require.Equal(t, "store_synced", summary.Action)

	store, err := repo.Get(context.Background(), "acct_123")
	require.NoError(t, err)
	require.Equal(t, "Acme Anvils", store.SellerInfo.Name)
	require.Equal(t, StoreSuspended, store.Status)
	require.False(t, store.PaymentMethods.ChargesEnabled)
	require.True(t, store.PaymentMethods.PayoutsEnabled)
	require.Len(t, store.Pages, 4)
	require.Equal(t, "evt_2", store.LastEventID)
	require.Equal(t, []string{events.TopicStoreCreated, events.TopicStoreUpdated}, emitter.Topics())
}

func TestAccountUpdatedCreatesMissingStore(t *testing.T) {
	repo := newMemoryRepo()
	h := newHandlers(repo, nil)

	summary, err := dispatch(t, h, mustEvent(t, "evt_9", EventAccountUpdated, "", acmeAccount))
	require.NoError(t, err)
	require.Equal(t, "store_created", summary.Action)
	_, err = repo.Get(context.Background(), "acct_123")
	require.NoError(t, err)
}

func TestChargeLifecycleIsMonotonic(t *testing.T) {
	repo := newMemoryRepo()
	emitter := &recordingEmitter{}
	h := newHandlers(repo, emitter)

	succeeded := `{"id":"ch_1","amount":2500,"currency":"usd","payment_intent":"pi_1","customer":"cus_1",
		"metadata":{"store_id":"acct_123"},"receipt_url":"https://pay.example/r/1"}`
	summary, err := dispatch(t, h, mustEvent(t, "evt_1", EventChargeSucceeded, "", succeeded))
	require.NoError(t, err)
	require.Equal(t, "order_completed", summary.Action)

	// A late failure must not regress the completed order.
	failed := `{"id":"ch_1","amount":2500,"currency":"usd","payment_intent":"pi_1"}`
	summary, err = dispatch(t, h, mustEvent(t, "evt_2", EventChargeFailed, "", failed))
	require.NoError(t, err)
	require.Equal(t, "order_unchanged", summary.Action)

	refunded := `{"id":"ch_1","amount":2500,"currency":"usd","refunded":true}`
	summary, err = dispatch(t, h, mustEvent(t, "evt_3", EventChargeRefunded, "", refunded))
	require.NoError(t, err)
	require.Equal(t, "order_refunded", summary.Action)

	orders := repo.orderList()
	require.Len(t, orders, 1)
	order := orders[0]
	require.Equal(t, OrderRefunded, order.Status)
	require.Equal(t, "acct_123", order.StoreID)
	require.Equal(t, "pi_1", order.PaymentIntentID)
	require.Equal(t, "cus_1", order.CustomerID)
	require.Equal(t, int64(2500), order.Amount)
	require.NotNil(t, order.CompletedAt)
	require.Equal(t, "evt_3", order.LastEventID)
	require.Equal(t, []string{events.TopicOrderCompleted, events.TopicOrderRefunded}, emitter.Topics())
}

func TestPartialRefundKeepsStatus(t *testing.T) {
	repo := newMemoryRepo()
	h := newHandlers(repo, nil)
	_, err := dispatch(t, h, mustEvent(t, "evt_1", EventChargeSucceeded, "", `{"id":"ch_1","amount":100,"currency":"usd"}`))
	require.NoError(t, err)

	summary, err := dispatch(t, h, mustEvent(t, "evt_2", EventChargeRefunded, "", `{"id":"ch_1","amount":100,"amount_refunded":40,"refunded":false}`))
	require.NoError(t, err)
	require.Equal(t, "order_unchanged", summary.Action)
	require.Equal(t, OrderCompleted, repo.orderList()[0].Status)
}

func TestPaymentIntentJoinsChargeOrder(t *testing.T) {
	repo := newMemoryRepo()
	h := newHandlers(repo, nil)

	_, err := dispatch(t, h, mustEvent(t, "evt_1", EventPaymentIntentFailed, "", `{"id":"pi_7","amount":900,"currency":"eur"}`))
	require.NoError(t, err)
	pi := `{"id":"pi_7","amount":900,"currency":"eur","latest_charge":"ch_7","on_behalf_of":"acct_seller"}`
	summary, err := dispatch(t, h, mustEvent(t, "evt_2", EventPaymentIntentSucceeded, "", pi))
	require.NoError(t, err)
	require.Equal(t, "order_completed", summary.Action)

	orders := repo.orderList()
	require.Len(t, orders, 1)
	require.Equal(t, "ch_7", orders[0].ChargeID)
	require.Equal(t, "acct_seller", orders[0].StoreID)
}

func TestPaymentRequiresIdentifier(t *testing.T) {
	_, err := dispatch(t, newHandlers(newMemoryRepo(), nil), mustEvent(t, "evt_1", EventChargeSucceeded, "", `{"amount":1}`))
	require.Error(t, err)
}

func TestCheckoutSessionCompleted(t *testing.T) {
	repo := newMemoryRepo()
	h := newHandlers(repo, nil)

	unpaid := `{"id":"cs_1","payment_status":"unpaid","payment_intent":"pi_9"}`
	summary, err := dispatch(t, h, mustEvent(t, "evt_1", EventCheckoutSessionComplete, "", unpaid))
	require.NoError(t, err)
	require.Equal(t, "session_unpaid", summary.Action)
	require.Empty(t, repo.orderList())

	paid := `{"id":"cs_1","payment_status":"paid","payment_intent":"pi_9","amount_total":4200,"currency":"usd",
		"line_items":{"data":[{"description":"Anvil","quantity":2,"amount_total":4200,"price":{"id":"price_1"}}]}}`
	summary, err = dispatch(t, h, mustEvent(t, "evt_2", EventCheckoutSessionComplete, "acct_123", paid))
	require.NoError(t, err)
	require.Equal(t, "order_completed", summary.Action)

	order := repo.orderList()[0]
	require.Equal(t, "acct_123", order.StoreID)
	require.Equal(t, int64(4200), order.Amount)
	require.Len(t, order.Items, 1)
	require.Equal(t, "price_1", order.Items[0].PriceID)
}

func TestCustomerSync(t *testing.T) {
	repo := newMemoryRepo()
	emitter := &recordingEmitter{}
	h := newHandlers(repo, emitter)

	summary, err := dispatch(t, h, mustEvent(t, "evt_1", EventCustomerCreated, "acct_123", `{"id":"cus_1","email":"a@b.c","name":"Ada"}`))
	require.NoError(t, err)
	require.Equal(t, "customer_created", summary.Action)

	summary, err = dispatch(t, h, mustEvent(t, "evt_2", EventCustomerUpdated, "acct_123", `{"id":"cus_1","email":"ada@b.c","name":"Ada"}`))
	require.NoError(t, err)
	require.Equal(t, "customer_updated", summary.Action)

	c := repo.customers["cus_1"]
	require.Equal(t, "ada@b.c", c.Email)
	require.Equal(t, "acct_123", c.StoreID)
	require.Equal(t, []string{events.TopicCustomerSynced, events.TopicCustomerSynced}, emitter.Topics())
}

func TestEmitFailureDoesNotFailEvent(t *testing.T) {
	repo := newMemoryRepo()
	h := newHandlers(repo, &recordingEmitter{err: errors.New("sink down")})

	_, err := dispatch(t, h, mustEvent(t, "evt_1", EventAccountCreated, "", acmeAccount))
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), "acct_123")
	require.NoError(t, err)
}

func TestResolveStoreID(t *testing.T) {
	require.Equal(t, "meta", resolveStoreID(map[string]string{"store_id": "meta"}, nil, nil, "acct_evt"))
	require.Equal(t, "acct_evt", resolveStoreID(nil, nil, nil, "acct_evt"))
	require.Equal(t, PlatformStoreID, resolveStoreID(nil, nil, nil, ""))
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return fn(ctx)
}

func TestAccountUpdatedHoldsStoreLock(t *testing.T) {
	repo := newMemoryRepo()
	locks := &recordingLocker{}
	h := newHandlers(repo, nil)
	h.Locks = locks

	_, err := dispatch(t, h, mustEvent(t, "evt_1", EventAccountUpdated, "", acmeAccount))
	require.NoError(t, err)
	require.Equal(t, []string{"store:acct_123"}, locks.keys)
}
