package catalog_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/catalog"
)

type pagedSource struct {
	entries []catalog.Entry
	calls   []int
	err     error
}

func (p *pagedSource) ReadProducts(_ context.Context, skip, limit int) (catalog.Page, error) {
	p.calls = append(p.calls, skip)
	if p.err != nil {
		return catalog.Page{}, p.err
	}
	end := skip + limit
	if end > len(p.entries) {
		end = len(p.entries)
	}
	if skip > end {
		skip = end
	}
	return catalog.Page{Data: p.entries[skip:end], Count: len(p.entries)}, nil
}

type countingRecorder struct {
	sources []string
}

func (c *countingRecorder) CatalogLoaded(source string, _ int) {
	c.sources = append(c.sources, source)
}

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func sampleEntries(n int) []catalog.Entry {
	out := make([]catalog.Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, catalog.Entry{ProductRef: string(rune('A' + i)), UnitPrice: price("1.50"), Currency: "SGD"})
	}
	return out
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIndexPreservesOrderAndSkipsDuplicates(t *testing.T) {
	idx := catalog.NewIndex([]catalog.Entry{
		{ProductRef: "b"},
		{ProductRef: ""},
		{ProductRef: "a", Brand: "first"},
		{ProductRef: "a", Brand: "second"},
	})
	require.Equal(t, 2, idx.Len())

	var refs []string
	for e := range idx.All() {
		refs = append(refs, e.ProductRef)
	}
	require.Equal(t, []string{"b", "a"}, refs)

	a, ok := idx.Get("a")
	require.True(t, ok)
	require.Equal(t, "first", a.Brand)
	_, ok = idx.Get("missing")
	require.False(t, ok)

	require.Equal(t, 0, catalog.Empty.Len())
}

func TestEntryDisplay(t *testing.T) {
	e := catalog.Entry{ProductRef: "P1", UnitPrice: price("10"), Currency: "USD", Brand: "Acme", Type: "Plank"}
	require.Equal(t, "Acme Plank", e.DisplayName())
	require.Equal(t, "P1 - US$10.00", e.Label())

	unpriced := catalog.Entry{ProductRef: "P2"}
	require.False(t, unpriced.Priced())
	require.Equal(t, "P2", unpriced.Label())
}

func TestLoadAllPagesUntilCount(t *testing.T) {
	src := &pagedSource{entries: sampleEntries(5)}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src, PageSize: 2})
	require.NoError(t, err)

	entries, err := svc.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, []int{0, 2, 4}, src.calls)
}

func TestLoadAllStopsOnExactCount(t *testing.T) {
	src := &pagedSource{entries: sampleEntries(4)}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src, PageSize: 2})
	require.NoError(t, err)

	entries, err := svc.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, []int{0, 2}, src.calls)
}

func TestLookupPrefersSnapshot(t *testing.T) {
	client := newRedis(t)
	cache := catalog.NewCache(client, time.Minute)
	src := &pagedSource{entries: sampleEntries(3)}
	rec := &countingRecorder{}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src, Cache: cache, PageSize: 10, Recorder: rec})
	require.NoError(t, err)

	ctx := context.Background()
	idx, err := svc.Lookup(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())
	require.Len(t, src.calls, 1)

	idx, err = svc.Lookup(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())
	require.Len(t, src.calls, 1)
	require.Equal(t, []string{catalog.SourceUpstream, catalog.SourceCache}, rec.sources)

	entry, ok := idx.Get("A")
	require.True(t, ok)
	require.True(t, entry.UnitPrice.Equal(decimal.RequireFromString("1.5")))
}

func TestLookupReloadsOverCorruptSnapshot(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, catalog.SnapshotKey, "{", 0).Err())

	src := &pagedSource{entries: sampleEntries(2)}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src, Cache: catalog.NewCache(client, time.Minute)})
	require.NoError(t, err)

	idx, err := svc.Lookup(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, idx.Len())
	require.Len(t, src.calls, 1)

	ttl, err := client.TTL(ctx, catalog.SnapshotKey).Result()
	require.NoError(t, err)
	require.Positive(t, ttl)
}

func TestLookupPropagatesSourceErrors(t *testing.T) {
	src := &pagedSource{err: errors.New("boom")}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src})
	require.NoError(t, err)

	_, err = svc.Lookup(context.Background())
	require.ErrorContains(t, err, "boom")
}

func TestRefreshHandlerStoresSnapshot(t *testing.T) {
	client := newRedis(t)
	cache := catalog.NewCache(client, time.Minute)
	src := &pagedSource{entries: sampleEntries(2)}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src, Cache: cache})
	require.NoError(t, err)

	task, err := catalog.NewRefreshTask("scheduled", time.Now(), 0)
	require.NoError(t, err)
	require.NoError(t, catalog.RefreshHandler{Refresher: svc}.ProcessTask(context.Background(), task))

	snap, ok, err := cache.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	refs := make([]string, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		refs = append(refs, e.ProductRef)
	}
	require.True(t, slices.Equal([]string{"A", "B"}, refs))
}

func TestRefreshHandlerRejectsBadPayload(t *testing.T) {
	handler := catalog.RefreshHandler{Refresher: &catalog.Service{}}
	err := handler.ProcessTask(context.Background(), asynq.NewTask(catalog.TypeRefresh, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
