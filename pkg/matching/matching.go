// Package matching resolves free-text customer names and SKU/GTIN/name
// line-item tuples against the external catalog, using exact → barcode →
// fuzzy strategies with deterministic ambiguity rules.
package matching

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"

	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/catalog"
	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// Resolution classifies a match outcome.
type Resolution string

const (
	Resolved  Resolution = "resolved"
	Ambiguous Resolution = "ambiguous"
	NotFound  Resolution = "not_found"
)

// Candidate is one scored catalog hit, surfaced to the user on ambiguity.
type Candidate struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// CustomerResult is the outcome of resolving a customer free-text.
type CustomerResult struct {
	Status     Resolution  `json:"status"`
	CustomerID string      `json:"customer_id,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	// Stale is true when the result was served from the durable cache
	// because the catalog was unreachable.
	Stale bool `json:"stale,omitempty"`
}

// ItemResult is the outcome of resolving one line item.
type ItemResult struct {
	LineNumber   int                   `json:"line_number"`
	Status       Resolution            `json:"status"`
	ItemID       string                `json:"item_id,omitempty"`
	CatalogPrice float64               `json:"catalog_price,omitempty"`
	Candidates   []Candidate           `json:"candidates,omitempty"`
	PriceAudit   *contracts.PriceAudit `json:"price_audit,omitempty"`
	Stale        bool                  `json:"stale,omitempty"`
}

// Searcher is the slice of the catalog client the engine needs.
type Searcher interface {
	SearchCustomer(ctx context.Context, tenantID, name string) ([]catalog.Customer, error)
	SearchItem(ctx context.Context, tenantID string, q catalog.ItemQuery) ([]catalog.Item, error)
}

// Options tunes the engine thresholds. Boundary semantics: a similarity of
// at least FuzzyThreshold qualifies; a top-2 gap strictly less than
// AmbiguityGap is ambiguous.
type Options struct {
	FuzzyThreshold   float64
	AmbiguityGap     float64
	FuzzyNameEnabled bool
	CacheTTL         time.Duration
}

// Engine resolves customers and items with a two-tier cache in front of the
// catalog.
type Engine struct {
	catalog Searcher
	fast    Cache
	durable casestore.MatchCache
	opts    Options
}

// New creates an Engine. fast may be a MemoryCache or RedisCache; durable is
// the case-store tier and may be nil to disable stale serving.
func New(cat Searcher, fast Cache, durable casestore.MatchCache, opts Options) *Engine {
	if opts.FuzzyThreshold == 0 {
		opts.FuzzyThreshold = 0.75
	}
	if opts.AmbiguityGap == 0 {
		opts.AmbiguityGap = 0.10
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Hour
	}
	return &Engine{
		catalog: cat,
		fast:    fast,
		durable: durable,
		opts:    opts,
	}
}

// normalize folds case and collapses whitespace so comparisons are stable
// across locales. The Caser is built per call; a shared one is not safe for
// the engine's concurrent callers.
func (e *Engine) normalize(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// similarity maps levenshtein distance onto 0..1 over folded strings.
func (e *Engine) similarity(a, b string) float64 {
	na, nb := e.normalize(a), e.normalize(b)
	if na == nb {
		return 1.0
	}
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(na, nb)
	return 1.0 - float64(d)/float64(longest)
}

// ResolveCustomer resolves a free-text customer name.
func (e *Engine) ResolveCustomer(ctx context.Context, tenantID, name string) (CustomerResult, error) {
	key := "customer|" + e.normalize(name)

	if id, ok := e.cacheGet(ctx, tenantID, key); ok {
		return CustomerResult{Status: Resolved, CustomerID: id}, nil
	}

	hits, err := e.catalog.SearchCustomer(ctx, tenantID, name)
	if err != nil {
		if stale, ok := e.staleGet(ctx, tenantID, key); ok {
			return CustomerResult{Status: Resolved, CustomerID: stale, Stale: true}, nil
		}
		return CustomerResult{}, err
	}

	// Exact pass first: a single case-insensitive exact hit wins outright.
	var exact []catalog.Customer
	for _, c := range hits {
		if e.normalize(c.Name) == e.normalize(name) {
			exact = append(exact, c)
		}
	}
	if len(exact) == 1 {
		e.cachePut(ctx, tenantID, key, exact[0].ID)
		return CustomerResult{Status: Resolved, CustomerID: exact[0].ID}, nil
	}

	candidates := e.scoreCustomers(name, hits)
	return e.classifyCustomer(ctx, tenantID, key, candidates)
}

func (e *Engine) scoreCustomers(name string, hits []catalog.Customer) []Candidate {
	var out []Candidate
	for _, c := range hits {
		score := e.similarity(name, c.Name)
		if score >= e.opts.FuzzyThreshold {
			out = append(out, Candidate{ID: c.ID, Label: c.Name, Score: score})
		}
	}
	sortCandidates(out)
	return out
}

func (e *Engine) classifyCustomer(ctx context.Context, tenantID, key string, candidates []Candidate) (CustomerResult, error) {
	switch {
	case len(candidates) == 0:
		return CustomerResult{Status: NotFound}, nil
	case len(candidates) == 1:
		e.cachePut(ctx, tenantID, key, candidates[0].ID)
		return CustomerResult{Status: Resolved, CustomerID: candidates[0].ID}, nil
	case candidates[0].Score-candidates[1].Score < e.opts.AmbiguityGap:
		return CustomerResult{Status: Ambiguous, Candidates: candidates}, nil
	default:
		e.cachePut(ctx, tenantID, key, candidates[0].ID)
		return CustomerResult{Status: Resolved, CustomerID: candidates[0].ID, Candidates: candidates}, nil
	}
}

// ResolveItem resolves one line item: exact SKU, then GTIN custom-field
// lookup, then (when enabled) fuzzy name search.
func (e *Engine) ResolveItem(ctx context.Context, tenantID string, line contracts.LineItem) (ItemResult, error) {
	if !line.Resolvable() && !e.opts.FuzzyNameEnabled {
		return ItemResult{LineNumber: line.LineNumber, Status: NotFound}, nil
	}

	if line.SKU != "" {
		res, done, err := e.resolveBySKU(ctx, tenantID, line)
		if done || err != nil {
			return res, err
		}
	}
	if line.GTIN != "" {
		res, done, err := e.resolveByGTIN(ctx, tenantID, line)
		if done || err != nil {
			return res, err
		}
	}
	if e.opts.FuzzyNameEnabled && line.Description != "" {
		return e.resolveByName(ctx, tenantID, line)
	}
	return ItemResult{LineNumber: line.LineNumber, Status: NotFound}, nil
}

func (e *Engine) resolveBySKU(ctx context.Context, tenantID string, line contracts.LineItem) (ItemResult, bool, error) {
	sku := strings.ToUpper(strings.TrimSpace(line.SKU))
	key := "sku|" + sku

	if v, ok := e.cacheGet(ctx, tenantID, key); ok {
		if res, ok := e.cachedItem(line, v, false); ok {
			return res, true, nil
		}
	}

	hits, err := e.catalog.SearchItem(ctx, tenantID, catalog.ItemQuery{SKU: sku})
	if err != nil {
		if v, ok := e.staleGet(ctx, tenantID, key); ok {
			if res, ok := e.cachedItem(line, v, true); ok {
				return res, true, nil
			}
		}
		return ItemResult{}, false, err
	}
	for _, it := range hits {
		if strings.EqualFold(strings.TrimSpace(it.SKU), sku) {
			e.cachePut(ctx, tenantID, key, itemCacheValue(it))
			return e.itemFromHit(line, it), true, nil
		}
	}
	return ItemResult{}, false, nil
}

func (e *Engine) resolveByGTIN(ctx context.Context, tenantID string, line contracts.LineItem) (ItemResult, bool, error) {
	gtin := strings.TrimSpace(line.GTIN)
	key := "gtin|" + gtin

	if v, ok := e.cacheGet(ctx, tenantID, key); ok {
		if res, ok := e.cachedItem(line, v, false); ok {
			return res, true, nil
		}
	}

	hits, err := e.catalog.SearchItem(ctx, tenantID, catalog.ItemQuery{GTIN: gtin})
	if err != nil {
		if v, ok := e.staleGet(ctx, tenantID, key); ok {
			if res, ok := e.cachedItem(line, v, true); ok {
				return res, true, nil
			}
		}
		return ItemResult{}, false, err
	}
	if len(hits) == 1 {
		e.cachePut(ctx, tenantID, key, itemCacheValue(hits[0]))
		return e.itemFromHit(line, hits[0]), true, nil
	}
	return ItemResult{}, false, nil
}

func (e *Engine) resolveByName(ctx context.Context, tenantID string, line contracts.LineItem) (ItemResult, error) {
	hits, err := e.catalog.SearchItem(ctx, tenantID, catalog.ItemQuery{Name: line.Description})
	if err != nil {
		return ItemResult{}, err
	}

	var candidates []Candidate
	byID := make(map[string]catalog.Item, len(hits))
	for _, it := range hits {
		byID[it.ID] = it
		score := e.similarity(line.Description, it.Name)
		if score >= e.opts.FuzzyThreshold {
			candidates = append(candidates, Candidate{ID: it.ID, Label: it.Name, Score: score})
		}
	}
	sortCandidates(candidates)

	switch {
	case len(candidates) == 0:
		return ItemResult{LineNumber: line.LineNumber, Status: NotFound}, nil
	case len(candidates) > 1 && candidates[0].Score-candidates[1].Score < e.opts.AmbiguityGap:
		return ItemResult{LineNumber: line.LineNumber, Status: Ambiguous, Candidates: candidates}, nil
	default:
		return e.itemFromHit(line, byID[candidates[0].ID]), nil
	}
}

// itemFromHit builds the resolved result. The catalog price prevails; the
// spreadsheet price is recorded in the audit only.
func (e *Engine) itemFromHit(line contracts.LineItem, it catalog.Item) ItemResult {
	return ItemResult{
		LineNumber:   line.LineNumber,
		Status:       Resolved,
		ItemID:       it.ID,
		CatalogPrice: it.Price,
		PriceAudit: &contracts.PriceAudit{
			LineNumber:   line.LineNumber,
			SheetPrice:   line.UnitPrice,
			CatalogPrice: it.Price,
			Differs:      line.UnitPrice != 0 && line.UnitPrice != it.Price,
		},
	}
}

// Item cache values carry the price next to the id so a hit never yields a
// resolved line without the catalog's price. The unit separator cannot occur
// in catalog ids.
const itemCacheSep = "\x1f"

func itemCacheValue(it catalog.Item) string {
	return it.ID + itemCacheSep + strconv.FormatFloat(it.Price, 'f', -1, 64)
}

// cachedItem rebuilds a resolved result from a cached value. Entries that do
// not parse (including ones written before prices were cached) miss, sending
// the caller back to the catalog.
func (e *Engine) cachedItem(line contracts.LineItem, v string, stale bool) (ItemResult, bool) {
	id, rawPrice, ok := strings.Cut(v, itemCacheSep)
	if !ok || id == "" {
		return ItemResult{}, false
	}
	price, err := strconv.ParseFloat(rawPrice, 64)
	if err != nil {
		return ItemResult{}, false
	}
	return ItemResult{
		LineNumber:   line.LineNumber,
		Status:       Resolved,
		ItemID:       id,
		CatalogPrice: price,
		Stale:        stale,
		PriceAudit: &contracts.PriceAudit{
			LineNumber:   line.LineNumber,
			SheetPrice:   line.UnitPrice,
			CatalogPrice: price,
			Differs:      line.UnitPrice != 0 && line.UnitPrice != price,
		},
	}, true
}

func (e *Engine) cacheGet(ctx context.Context, tenantID, key string) (string, bool) {
	if e.fast != nil {
		if v, ok, err := e.fast.Get(ctx, tenantID, key); err == nil && ok {
			return v, true
		}
	}
	if e.durable != nil {
		if entry, ok, err := e.durable.GetMatch(ctx, tenantID, key); err == nil && ok {
			if time.Since(entry.CachedAt) <= e.opts.CacheTTL {
				return entry.Value, true
			}
		}
	}
	return "", false
}

// staleGet consults the durable tier ignoring the TTL. Only used when the
// catalog itself failed; the caller flags the result as stale.
func (e *Engine) staleGet(ctx context.Context, tenantID, key string) (string, bool) {
	if e.durable == nil {
		return "", false
	}
	entry, ok, err := e.durable.GetMatch(ctx, tenantID, key)
	if err != nil || !ok {
		return "", false
	}
	return entry.Value, true
}

func (e *Engine) cachePut(ctx context.Context, tenantID, key, value string) {
	if e.fast != nil {
		_ = e.fast.Put(ctx, tenantID, key, value, e.opts.CacheTTL)
	}
	if e.durable != nil {
		_ = e.durable.PutMatch(ctx, tenantID, key, value)
	}
}

func sortCandidates(cs []Candidate) {
	// Stable order: score descending, id ascending on ties, so ambiguity
	// classification is deterministic.
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0; j-- {
			if cs[j].Score > cs[j-1].Score ||
				(cs[j].Score == cs[j-1].Score && cs[j].ID < cs[j-1].ID) {
				cs[j], cs[j-1] = cs[j-1], cs[j]
			} else {
				break
			}
		}
	}
}

// ResolveAllItems resolves every line of a canonical order, returning
// results in line order and the unresolved subset.
func (e *Engine) ResolveAllItems(ctx context.Context, tenantID string, lines []contracts.LineItem) ([]ItemResult, []ItemResult, error) {
	var all, unresolved []ItemResult
	for _, line := range lines {
		if !line.Resolvable() {
			res := ItemResult{LineNumber: line.LineNumber, Status: NotFound}
			all = append(all, res)
			unresolved = append(unresolved, res)
			continue
		}
		res, err := e.ResolveItem(ctx, tenantID, line)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, res)
		if res.Status != Resolved {
			unresolved = append(unresolved, res)
		}
	}
	return all, unresolved, nil
}
