package orderform_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/common"
	"github.com/noah-isme/order-console/internal/events"
	"github.com/noah-isme/order-console/internal/lock"
	"github.com/noah-isme/order-console/internal/orderform"
	"github.com/noah-isme/order-console/internal/pricing"
	"github.com/noah-isme/order-console/internal/upstream"
)

type fakeOrders struct {
	mu       sync.Mutex
	orders   map[string]upstream.Order
	gates    map[string]chan struct{}
	writeErr error
	created  []upstream.OrderPayload
	keys     []string
	updated  map[string]upstream.OrderPayload
	nextID   int
}

func newFakeOrders(orders ...upstream.Order) *fakeOrders {
	f := &fakeOrders{
		orders:  map[string]upstream.Order{},
		gates:   map[string]chan struct{}{},
		updated: map[string]upstream.OrderPayload{},
		nextID:  500,
	}
	for _, o := range orders {
		f.orders[string(o.ID)] = o
	}
	return f
}

func (f *fakeOrders) gate(id string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeOrders) ReadOrder(ctx context.Context, id string) (upstream.Order, error) {
	f.mu.Lock()
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return upstream.Order{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return upstream.Order{}, upstream.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) persisted(id string, p upstream.OrderPayload) upstream.Order {
	total := decimal.RequireFromString(p.TotalPrice.String())
	o := upstream.Order{
		ID:            upstream.FlexID(id),
		OrderItems:    json.RawMessage(p.OrderItems),
		CustomerID:    p.CustomerID,
		OrderStatus:   p.OrderStatus,
		PaymentStatus: p.PaymentStatus,
		Notes:         p.Notes,
		TotalPrice:    &total,
	}
	f.orders[id] = o
	return o
}

func (f *fakeOrders) CreateOrder(_ context.Context, p upstream.OrderPayload, key string) (upstream.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return upstream.Order{}, f.writeErr
	}
	f.created = append(f.created, p)
	f.keys = append(f.keys, key)
	f.nextID++
	return f.persisted(strconv.Itoa(f.nextID), p), nil
}

func (f *fakeOrders) UpdateOrder(_ context.Context, id string, p upstream.OrderPayload) (upstream.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return upstream.Order{}, f.writeErr
	}
	if _, ok := f.orders[id]; !ok {
		return upstream.Order{}, upstream.ErrNotFound
	}
	f.updated[id] = p
	return f.persisted(id, p), nil
}

type fakeCatalog struct {
	mu    sync.Mutex
	idx   *catalog.Index
	err   error
	calls int
}

func (f *fakeCatalog) Lookup(context.Context) (*catalog.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.idx, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (c *captureEmitter) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return events.Event{Topic: topic, AggregateID: aggregateID}, nil
}

func (c *captureEmitter) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

type countingRecorder struct {
	mu        sync.Mutex
	stale     map[string]int
	submitted []string
	recalcs   int
	overrides int
}

func (r *countingRecorder) Recalculated() {
	r.mu.Lock()
	r.recalcs++
	r.mu.Unlock()
}

func (r *countingRecorder) ManualOverride() {
	r.mu.Lock()
	r.overrides++
	r.mu.Unlock()
}

func (r *countingRecorder) StaleDiscarded(kind string) {
	r.mu.Lock()
	if r.stale == nil {
		r.stale = map[string]int{}
	}
	r.stale[kind]++
	r.mu.Unlock()
}

func (r *countingRecorder) Submitted(mode, result string, _ float64) {
	r.mu.Lock()
	r.submitted = append(r.submitted, mode+":"+result)
	r.mu.Unlock()
}

type fixture struct {
	svc      *orderform.Service
	orders   *fakeOrders
	catalog  *fakeCatalog
	events   *captureEmitter
	recorder *countingRecorder
	redis    *redis.Client
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, orders ...upstream.Order) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		orders:   newFakeOrders(orders...),
		catalog:  &fakeCatalog{idx: testCatalog()},
		events:   &captureEmitter{},
		recorder: &countingRecorder{},
		redis:    client,
		mr:       mr,
	}
	ids := 0
	svc, err := orderform.NewService(orderform.Config{
		Orders:      f.orders,
		Catalog:     f.catalog,
		Locker:      lock.Locker{R: client, Prefix: "lock:", RetryBackoff: 5 * time.Millisecond},
		Events:      f.events,
		Normalizer:  normalizer(),
		LockTTL:     time.Second,
		LoadTimeout: time.Second,
		Logger:      zerolog.Nop(),
		Recorder:    f.recorder,
		NewID: func() string {
			ids++
			return "sess-" + strconv.Itoa(ids)
		},
		Now: func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := orderform.NewService(orderform.Config{})
	require.Error(t, err)
}

func TestOpenLoadsOrderAndCatalog(t *testing.T) {
	f := newFixture(t, storedOrder("7", `{"P1":2,"P2":1}`, "22.50"))
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, "7", view.OrderID)
	f.svc.Wait()

	view, err = f.svc.View(ctx, view.SessionID)
	require.NoError(t, err)
	require.True(t, view.OrderLoaded)
	require.True(t, view.CatalogLoaded)
	require.Equal(t, "22.50", view.Total)
	require.Len(t, view.Items, 2)
	require.Equal(t, "P1 - S$10.00", view.Items[0].Label)
	require.Contains(t, f.events.seen(), events.TopicContextReset)
}

func TestOpenRecordsLoadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "missing")
	require.NoError(t, err)
	f.svc.Wait()

	view, err = f.svc.View(ctx, view.SessionID)
	require.NoError(t, err)
	require.False(t, view.OrderLoaded)
	require.NotEmpty(t, view.LoadError)
}

func TestReopenDiscardsInFlightLoad(t *testing.T) {
	f := newFixture(t,
		storedOrder("A", `{"P1":1}`, "10"),
		storedOrder("B", `{"P3":2}`, "8"),
	)
	ctx := context.Background()
	gate := f.orders.gate("A")

	view, err := f.svc.Open(ctx, "A")
	require.NoError(t, err)
	_, err = f.svc.Reopen(ctx, view.SessionID, "B")
	require.NoError(t, err)
	close(gate)
	f.svc.Wait()

	view, err = f.svc.View(ctx, view.SessionID)
	require.NoError(t, err)
	require.Equal(t, "B", view.OrderID)
	require.Equal(t, "P3", view.Items[0].ProductID)
	require.Equal(t, "8.00", view.Total)
	require.Equal(t, 1, f.recorder.stale["order"])
	require.Contains(t, f.events.seen(), events.TopicStaleDiscarded)
}

func TestEditsEmitPricingEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "")
	require.NoError(t, err)
	f.svc.Wait()
	id := view.SessionID

	ref := "P1"
	qty := 3
	view, err = f.svc.UpdateItem(ctx, id, 0, &ref, &qty)
	require.NoError(t, err)
	require.Equal(t, "30.00", view.Total)

	view, err = f.svc.TotalKeystroke(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pricing.Manual, view.Mode)

	view, err = f.svc.EditTotal(ctx, id, "x")
	require.ErrorIs(t, err, pricing.ErrInvalidTotalInput)
	require.Equal(t, "30.00", view.Total)

	require.Contains(t, f.events.seen(), events.TopicRecalculated)
	require.Contains(t, f.events.seen(), events.TopicManualOverride)
	require.Positive(t, f.recorder.recalcs)
	require.Equal(t, 1, f.recorder.overrides)
}

func TestSubmitCreatesNewOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "")
	require.NoError(t, err)
	f.svc.Wait()
	id := view.SessionID

	ref := "P2"
	qty := 4
	_, err = f.svc.UpdateItem(ctx, id, 0, &ref, &qty)
	require.NoError(t, err)
	customer := "C-1"
	_, err = f.svc.SetFields(ctx, id, orderform.FieldsPatch{CustomerID: &customer})
	require.NoError(t, err)

	res, err := f.svc.Submit(ctx, id, "key-1")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "501", res.OrderID)
	require.Equal(t, "10.00", res.Total)
	require.Equal(t, "501", res.View.OrderID)

	require.Len(t, f.orders.created, 1)
	payload := f.orders.created[0]
	require.Equal(t, `{"P2":4}`, payload.OrderItems)
	require.Equal(t, "4", payload.OrderQuantity)
	require.Equal(t, "C-1", payload.CustomerID)
	require.Equal(t, "10.00", payload.TotalPrice.String())
	require.Equal(t, []string{"key-1"}, f.orders.keys)
	require.Equal(t, []string{"auto:ok"}, f.recorder.submitted)
	require.Contains(t, f.events.seen(), events.TopicSubmitted)
}

func TestSubmitGeneratesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Open(ctx, "")
	require.NoError(t, err)
	f.svc.Wait()

	_, err = f.svc.Submit(ctx, view.SessionID, "")
	require.NoError(t, err)
	require.Len(t, f.orders.keys, 1)
	require.NotEmpty(t, f.orders.keys[0])
}

func TestSubmitPersistsManualTotalAsIs(t *testing.T) {
	f := newFixture(t, storedOrder("7", `{"P1":2}`, "20"))
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "7")
	require.NoError(t, err)
	f.svc.Wait()
	id := view.SessionID

	_, err = f.svc.TotalKeystroke(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.EditTotal(ctx, id, "17.25")
	require.NoError(t, err)
	qty := 9
	_, err = f.svc.UpdateItem(ctx, id, 0, nil, &qty)
	require.NoError(t, err)

	res, err := f.svc.Submit(ctx, id, "")
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, pricing.Manual, res.Mode)
	require.Equal(t, "17.25", f.orders.updated["7"].TotalPrice.String())
	require.Equal(t, "9", f.orders.updated["7"].OrderQuantity)
	require.Equal(t, pricing.Auto, res.View.Mode)
	require.Equal(t, "17.25", res.View.Total)
}

func TestSubmitMapsUpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "not found", err: upstream.ErrNotFound, status: http.StatusNotFound, code: "ORDER_NOT_FOUND"},
		{name: "validation", err: &upstream.APIError{StatusCode: 422, Detail: "bad total"}, status: http.StatusUnprocessableEntity, code: "UPSTREAM_VALIDATION"},
		{name: "other", err: errors.New("boom"), status: http.StatusBadGateway, code: "UPSTREAM_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, storedOrder("7", `{"P1":1}`, "10"))
			ctx := context.Background()
			view, err := f.svc.Open(ctx, "7")
			require.NoError(t, err)
			f.svc.Wait()

			f.orders.writeErr = tc.err
			_, err = f.svc.Submit(ctx, view.SessionID, "")
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, tc.status, appErr.HTTPStatus)
			require.Equal(t, tc.code, appErr.Code)
			require.Contains(t, f.events.seen(), events.TopicSubmitFailed)
			require.Equal(t, []string{"auto:error"}, f.recorder.submitted)

			view, err = f.svc.View(ctx, view.SessionID)
			require.NoError(t, err)
			require.Equal(t, "10.00", view.Total)
		})
	}
}

func TestSubmitWaitsForOrderLock(t *testing.T) {
	f := newFixture(t, storedOrder("7", `{"P1":1}`, "10"))
	view, err := f.svc.Open(context.Background(), "7")
	require.NoError(t, err)
	f.svc.Wait()

	require.NoError(t, f.mr.Set("lock:"+lock.OrderKey("7", view.SessionID), "other"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.svc.Submit(ctx, view.SessionID, "")
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.Empty(t, f.orders.updated)
}

func TestSubmitRefusedUntilOrderLoads(t *testing.T) {
	f := newFixture(t, storedOrder("7", `{"P1":2,"P2":1}`, "22.50"))
	ctx := context.Background()
	gate := f.orders.gate("7")

	view, err := f.svc.Open(ctx, "7")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, view.SessionID, "")
	require.ErrorIs(t, err, orderform.ErrOrderNotLoaded)
	require.Empty(t, f.orders.updated)

	close(gate)
	f.svc.Wait()

	view, err = f.svc.View(ctx, view.SessionID)
	require.NoError(t, err)
	require.True(t, view.OrderLoaded)
	require.Equal(t, "22.50", view.Total)
	require.Len(t, view.Items, 2)

	res, err := f.svc.Submit(ctx, view.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, `{"P1":2,"P2":1}`, f.orders.updated["7"].OrderItems)
	require.Equal(t, "22.50", res.Total)
}

func TestSubmitRefusedAfterFailedOrderLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "missing")
	require.NoError(t, err)
	f.svc.Wait()

	_, err = f.svc.Submit(ctx, view.SessionID, "")
	require.ErrorIs(t, err, orderform.ErrOrderNotLoaded)
	require.Empty(t, f.orders.updated)
	require.Empty(t, f.orders.created)
}

func TestSubmitLoadsMissingCatalog(t *testing.T) {
	f := newFixture(t, storedOrder("7", `{"P1":2}`, "3"))
	f.catalog.err = errors.New("catalog down")
	ctx := context.Background()

	view, err := f.svc.Open(ctx, "7")
	require.NoError(t, err)
	f.svc.Wait()

	f.catalog.mu.Lock()
	f.catalog.err = nil
	f.catalog.mu.Unlock()

	res, err := f.svc.Submit(ctx, view.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, "20.00", res.Total)
}

func TestSearchPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Open(ctx, "")
	require.NoError(t, err)
	f.svc.Wait()

	res, err := f.svc.Search(ctx, view.SessionID, "p", 0, 1, 2)
	require.NoError(t, err)
	require.Len(t, res.Products, 2)
	require.True(t, res.Pagination.HasMore)
	require.Equal(t, 3, res.Pagination.TotalItems)
	require.Equal(t, "P1 - S$10.00", res.Products[0].Label)

	res, err = f.svc.Search(ctx, view.SessionID, "p", 0, 2, 2)
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	require.False(t, res.Pagination.HasMore)
	require.Equal(t, 3, res.Pagination.TotalItems)
}

func TestCloseRemovesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Open(ctx, "")
	require.NoError(t, err)
	f.svc.Wait()

	require.NoError(t, f.svc.Close(ctx, view.SessionID))
	require.ErrorIs(t, f.svc.Close(ctx, view.SessionID), orderform.ErrSessionNotFound)
	_, err = f.svc.View(ctx, view.SessionID)
	require.ErrorIs(t, err, orderform.ErrSessionNotFound)
}
