package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// regionBaseURLs maps the configured region to the order-management API host.
var regionBaseURLs = map[string]string{
	"EU":  "https://api.eu.ordermgmt.example.com/v2",
	"COM": "https://api.ordermgmt.example.com/v2",
	"IN":  "https://api.in.ordermgmt.example.com/v2",
	"AU":  "https://api.au.ordermgmt.example.com/v2",
	"JP":  "https://api.jp.ordermgmt.example.com/v2",
}

// Options configures a Client.
type Options struct {
	Region string
	// BaseURL overrides the regional default; tests point it at a stub.
	BaseURL string
	// TokenURL is the OAuth token endpoint; defaults to BaseURL + "/oauth/token".
	TokenURL string
	// GTINFieldID is the catalog custom field that carries the GTIN.
	GTINFieldID string
	// IdempotencyFieldID is the catalog custom reference field that carries
	// the order fingerprint on created drafts.
	IdempotencyFieldID string
	// TenantRPS bounds requests per second per tenant (token bucket).
	TenantRPS int

	Credentials CredentialSource
	HTTPClient  *http.Client
}

// Client is the narrow order-management API client. Safe for concurrent use.
type Client struct {
	baseURL            string
	gtinFieldID        string
	idempotencyFieldID string
	tenantRPS          int
	http               *http.Client
	tokens             *tokenSource

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Client. The region must be one of EU|COM|IN|AU|JP unless
// BaseURL overrides it.
func New(opts Options) (*Client, error) {
	base := opts.BaseURL
	if base == "" {
		var ok bool
		base, ok = regionBaseURLs[opts.Region]
		if !ok {
			return nil, fmt.Errorf("catalog: unknown region %q", opts.Region)
		}
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = base + "/oauth/token"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	rps := opts.TenantRPS
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL:            base,
		gtinFieldID:        opts.GTINFieldID,
		idempotencyFieldID: opts.IdempotencyFieldID,
		tenantRPS:          rps,
		http:               httpClient,
		tokens:             newTokenSource(tokenURL, opts.Credentials, httpClient),
		limiters:           make(map[string]*rate.Limiter),
	}, nil
}

func (c *Client) limiter(tenantID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.tenantRPS), c.tenantRPS)
		c.limiters[tenantID] = l
	}
	return l
}

// SearchCustomer returns customers whose name matches the query.
func (c *Client) SearchCustomer(ctx context.Context, tenantID, name string) ([]Customer, error) {
	var out []Customer
	q := url.Values{"name": {name}}
	if err := c.get(ctx, tenantID, "/customers?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCustomer returns one customer by id.
func (c *Client) GetCustomer(ctx context.Context, tenantID, id string) (*Customer, error) {
	var out Customer
	if err := c.get(ctx, tenantID, "/customers/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetItem returns one catalog item by id.
func (c *Client) GetItem(ctx context.Context, tenantID, id string) (*Item, error) {
	var out Item
	if err := c.get(ctx, tenantID, "/items/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ItemQuery selects at most one identifier; the client picks the matching
// search endpoint.
type ItemQuery struct {
	SKU  string
	GTIN string
	Name string
}

// SearchItem returns catalog items matching the query. GTIN lookups go
// through the configured custom field.
func (c *Client) SearchItem(ctx context.Context, tenantID string, q ItemQuery) ([]Item, error) {
	values := url.Values{}
	switch {
	case q.SKU != "":
		values.Set("sku", q.SKU)
	case q.GTIN != "":
		values.Set("custom_field_id", c.gtinFieldID)
		values.Set("custom_field_value", q.GTIN)
	case q.Name != "":
		values.Set("name", q.Name)
	default:
		return nil, errkind.New(errkind.CodeInvalidRequest, "item query without identifier")
	}
	var out []Item
	if err := c.get(ctx, tenantID, "/items?"+values.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDraft creates an order draft. The idempotency token is written into
// the configured custom reference field so a lost response can be recovered
// with FindDraftByIdempotencyToken.
func (c *Client) CreateDraft(ctx context.Context, tenantID string, payload DraftPayload, idempotencyToken string) (*DraftResult, error) {
	body := map[string]any{
		"customer_id": payload.CustomerID,
		"lines":       payload.Lines,
		"reference":   payload.Reference,
		"custom_fields": map[string]string{
			c.idempotencyFieldID: idempotencyToken,
		},
	}
	var out DraftResult
	if err := c.post(ctx, tenantID, "/drafts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindDraftByIdempotencyToken scans the custom reference field for a draft
// carrying the token. Returns nil when none exists.
func (c *Client) FindDraftByIdempotencyToken(ctx context.Context, tenantID, token string) (*DraftResult, error) {
	q := url.Values{
		"custom_field_id":    {c.idempotencyFieldID},
		"custom_field_value": {token},
	}
	var out []DraftResult
	if err := c.get(ctx, tenantID, "/drafts?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	found := out[0]
	found.IsDuplicate = true
	return &found, nil
}

func (c *Client) get(ctx context.Context, tenantID, path string, out any) error {
	return c.do(ctx, tenantID, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, tenantID, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("catalog: marshal body: %w", err)
	}
	return c.do(ctx, tenantID, http.MethodPost, path, raw, out)
}

func (c *Client) do(ctx context.Context, tenantID, method, path string, body []byte, out any) error {
	if err := c.limiter(tenantID).Wait(ctx); err != nil {
		return errkind.Wrap(errkind.CodeCatalogRateLimited, "tenant rate limit wait", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tenant-ID", tenantID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.CodeCatalogUnavailable, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		// The cached token may have been revoked; force a refresh next call.
		c.tokens.Invalidate()
	}
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.CodeCatalogUnavailable, "decode response", err)
	}
	return nil
}

// classifyStatus maps the HTTP status to the error taxonomy: 429 carries the
// Retry-After floor, 5xx and 408 are transient, 401/403 are auth, remaining
// 4xx are non-retryable input errors.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errkind.Newf(errkind.CodeCatalogRateLimited, "catalog returned 429")
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				e.RetryAfterSeconds = secs
			}
		}
		return e
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return errkind.Newf(errkind.CodeCatalogUnavailable, "catalog returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return errkind.New(errkind.CodeCatalogAuthFailed, "catalog rejected credentials")
	case resp.StatusCode == http.StatusForbidden:
		return errkind.New(errkind.CodeTenantForbidden, "tenant not authorized")
	default:
		return errkind.Newf(errkind.CodeInvalidRequest, "catalog rejected request with %d", resp.StatusCode)
	}
}
