package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/catalog"
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// fakeCatalog serves scripted search results and can be switched to failing.
type fakeCatalog struct {
	mu        sync.Mutex
	customers []catalog.Customer
	items     []catalog.Item
	failing   bool
	calls     int
}

func (f *fakeCatalog) SearchCustomer(ctx context.Context, tenantID, name string) ([]catalog.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, errkind.New(errkind.CodeCatalogUnavailable, "stubbed outage")
	}
	return f.customers, nil
}

func (f *fakeCatalog) SearchItem(ctx context.Context, tenantID string, q catalog.ItemQuery) ([]catalog.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, errkind.New(errkind.CodeCatalogUnavailable, "stubbed outage")
	}
	if q.SKU == "" && q.GTIN == "" && q.Name == "" {
		return nil, errkind.New(errkind.CodeInvalidRequest, "empty item query")
	}
	var out []catalog.Item
	for _, it := range f.items {
		switch {
		case q.SKU != "" && it.SKU == q.SKU:
			out = append(out, it)
		case q.GTIN != "" && it.GTIN == q.GTIN:
			out = append(out, it)
		case q.Name != "":
			out = append(out, it)
		}
	}
	return out, nil
}

func newEngine(cat Searcher, opts Options) (*Engine, casestore.MatchCache) {
	durable := casestore.NewMemoryMatchCache()
	return New(cat, NewMemoryCache(), durable, opts), durable
}

func TestResolveCustomerExactMatch(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{
		{ID: "cu-1", Name: "Acme GmbH"},
		{ID: "cu-2", Name: "Acme Holdings AG"},
	}}
	e, _ := newEngine(cat, Options{})

	res, err := e.ResolveCustomer(context.Background(), "t1", "ACME gmbh")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, "cu-1", res.CustomerID)
}

func TestResolveCustomerFuzzySingleHit(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{
		{ID: "cu-1", Name: "Acme GmbH"},
		{ID: "cu-2", Name: "Completely Different AG"},
	}}
	e, _ := newEngine(cat, Options{})

	res, err := e.ResolveCustomer(context.Background(), "t1", "Acme Gmb")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, "cu-1", res.CustomerID)
}

func TestResolveCustomerAmbiguousOnSmallGap(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{
		{ID: "cu-1", Name: "Acme Trading AG"},
		{ID: "cu-2", Name: "Acme Trading AB"},
	}}
	e, _ := newEngine(cat, Options{})

	res, err := e.ResolveCustomer(context.Background(), "t1", "Acme Trading A")
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, res.Status)
	assert.Len(t, res.Candidates, 2)
}

func TestResolveCustomerNotFound(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{
		{ID: "cu-1", Name: "Entirely Unrelated Name"},
	}}
	e, _ := newEngine(cat, Options{})

	res, err := e.ResolveCustomer(context.Background(), "t1", "Acme GmbH")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Status)
}

func TestAmbiguityGapBoundary(t *testing.T) {
	// A gap exactly equal to the configured value is NOT ambiguous; only a
	// gap strictly below it is.
	e, _ := newEngine(&fakeCatalog{}, Options{AmbiguityGap: 0.10})

	res, err := e.classifyCustomer(context.Background(), "t1", "k", []Candidate{
		{ID: "a", Score: 0.90},
		{ID: "b", Score: 0.80},
	})
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)

	res, err = e.classifyCustomer(context.Background(), "t1", "k", []Candidate{
		{ID: "a", Score: 0.90},
		{ID: "b", Score: 0.81},
	})
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, res.Status)
}

func TestSimilarityThresholdBoundary(t *testing.T) {
	e, _ := newEngine(&fakeCatalog{}, Options{})

	// 3 edits over 12 runes → 0.75: at least the threshold, qualifies.
	cands := e.scoreCustomers("abcdefghijkl", []catalog.Customer{
		{ID: "c", Name: "abcdefghiXYZ"},
	})
	require.Len(t, cands, 1)
	assert.InDelta(t, 0.75, cands[0].Score, 1e-9)
}

func TestResolveItemBySKU(t *testing.T) {
	cat := &fakeCatalog{items: []catalog.Item{
		{ID: "it-1", SKU: "ABC-100", Name: "Widget", Price: 12.50},
	}}
	e, _ := newEngine(cat, Options{})

	res, err := e.ResolveItem(context.Background(), "t1",
		contracts.LineItem{LineNumber: 1, SKU: "abc-100", UnitPrice: 11.00})
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, "it-1", res.ItemID)
	assert.Equal(t, 12.50, res.CatalogPrice)

	require.NotNil(t, res.PriceAudit)
	assert.Equal(t, 11.00, res.PriceAudit.SheetPrice)
	assert.Equal(t, 12.50, res.PriceAudit.CatalogPrice)
	assert.True(t, res.PriceAudit.Differs)
}

func TestResolveItemFallsBackToGTIN(t *testing.T) {
	cat := &fakeCatalog{items: []catalog.Item{
		{ID: "it-9", GTIN: "04012345678901", Name: "Gadget", Price: 3.20},
	}}
	e, _ := newEngine(cat, Options{})

	res, err := e.ResolveItem(context.Background(), "t1",
		contracts.LineItem{LineNumber: 2, SKU: "UNKNOWN", GTIN: "04012345678901"})
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, "it-9", res.ItemID)
}

func TestResolveItemNotFound(t *testing.T) {
	e, _ := newEngine(&fakeCatalog{}, Options{})

	res, err := e.ResolveItem(context.Background(), "t1",
		contracts.LineItem{LineNumber: 3, SKU: "NOPE"})
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Status)
}

func TestStaleCacheServedOnCatalogError(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{{ID: "cu-1", Name: "Acme GmbH"}}}
	e, durable := newEngine(cat, Options{CacheTTL: time.Nanosecond})

	// Seed the durable tier, then expire it and break the catalog.
	require.NoError(t, durable.PutMatch(context.Background(), "t1", "customer|acme gmbh", "cu-1"))
	time.Sleep(2 * time.Nanosecond)
	cat.failing = true

	res, err := e.ResolveCustomer(context.Background(), "t1", "Acme GmbH")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, "cu-1", res.CustomerID)
	assert.True(t, res.Stale)
}

func TestCatalogErrorWithoutCachePropagates(t *testing.T) {
	e, _ := newEngine(&fakeCatalog{failing: true}, Options{})

	_, err := e.ResolveCustomer(context.Background(), "t1", "Acme GmbH")
	require.Error(t, err)
	assert.Equal(t, errkind.CodeCatalogUnavailable, errkind.CodeOf(err))
}

func TestResolveAllItemsCollectsUnresolved(t *testing.T) {
	cat := &fakeCatalog{items: []catalog.Item{
		{ID: "it-1", SKU: "ABC-100", Price: 1},
	}}
	e, _ := newEngine(cat, Options{})

	all, unresolved, err := e.ResolveAllItems(context.Background(), "t1", []contracts.LineItem{
		{LineNumber: 1, SKU: "ABC-100"},
		{LineNumber: 2, SKU: "MISSING"},
		{LineNumber: 3, Description: "no identifiers at all"},
	})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Len(t, unresolved, 2)
	assert.Equal(t, 2, unresolved[0].LineNumber)
	assert.Equal(t, 3, unresolved[1].LineNumber)
}

func TestResolvedResultIsCached(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{{ID: "cu-1", Name: "Acme GmbH"}}}
	e, _ := newEngine(cat, Options{})

	_, err := e.ResolveCustomer(context.Background(), "t1", "Acme GmbH")
	require.NoError(t, err)
	before := cat.calls

	res, err := e.ResolveCustomer(context.Background(), "t1", "Acme GmbH")
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, before, cat.calls)
}

func TestItemCacheHitKeepsCatalogPrice(t *testing.T) {
	cat := &fakeCatalog{items: []catalog.Item{
		{ID: "it-7", GTIN: "04012345678901", Name: "Gadget", Price: 42.00},
	}}
	e, _ := newEngine(cat, Options{})
	line := contracts.LineItem{LineNumber: 1, GTIN: "04012345678901", UnitPrice: 40.00}

	first, err := e.ResolveItem(context.Background(), "t1", line)
	require.NoError(t, err)
	require.Equal(t, Resolved, first.Status)
	before := cat.calls

	second, err := e.ResolveItem(context.Background(), "t1", line)
	require.NoError(t, err)
	assert.Equal(t, Resolved, second.Status)
	assert.Equal(t, "it-7", second.ItemID)
	assert.Equal(t, 42.00, second.CatalogPrice)
	assert.False(t, second.Stale)
	assert.Equal(t, before, cat.calls)

	require.NotNil(t, second.PriceAudit)
	assert.Equal(t, 40.00, second.PriceAudit.SheetPrice)
	assert.Equal(t, 42.00, second.PriceAudit.CatalogPrice)
	assert.True(t, second.PriceAudit.Differs)
}

func TestStaleItemCacheCarriesPrice(t *testing.T) {
	cat := &fakeCatalog{items: []catalog.Item{
		{ID: "it-1", SKU: "ABC-100", Price: 12.50},
	}}
	e, _ := newEngine(cat, Options{CacheTTL: time.Nanosecond})
	line := contracts.LineItem{LineNumber: 1, SKU: "ABC-100"}

	_, err := e.ResolveItem(context.Background(), "t1", line)
	require.NoError(t, err)
	time.Sleep(2 * time.Nanosecond)
	cat.failing = true

	res, err := e.ResolveItem(context.Background(), "t1", line)
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, "it-1", res.ItemID)
	assert.Equal(t, 12.50, res.CatalogPrice)
	assert.True(t, res.Stale)
}

func TestPricelessItemCacheEntryMisses(t *testing.T) {
	// An entry holding only an id (no price) must not produce a resolved
	// line; the engine goes back to the catalog instead.
	cat := &fakeCatalog{items: []catalog.Item{
		{ID: "it-1", SKU: "ABC-100", Price: 9.99},
	}}
	e, durable := newEngine(cat, Options{})
	require.NoError(t, durable.PutMatch(context.Background(), "t1", "sku|ABC-100", "it-1"))

	res, err := e.ResolveItem(context.Background(), "t1",
		contracts.LineItem{LineNumber: 1, SKU: "ABC-100"})
	require.NoError(t, err)
	assert.Equal(t, Resolved, res.Status)
	assert.Equal(t, 9.99, res.CatalogPrice)
	assert.Positive(t, cat.calls)
}

func TestConcurrentResolves(t *testing.T) {
	cat := &fakeCatalog{customers: []catalog.Customer{{ID: "cu-1", Name: "Acme GmbH"}}}
	e, _ := newEngine(cat, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ResolveCustomer(context.Background(), "t1", "Acme GmbH")
			assert.NoError(t, err)
			assert.Equal(t, "cu-1", res.CustomerID)
		}()
	}
	wg.Wait()
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.clock = func() time.Time { return now }

	require.NoError(t, c.Put(context.Background(), "t1", "k", "v", time.Minute))

	v, ok, err := c.Get(context.Background(), "t1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(context.Background(), "t1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
