package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// Client calls the external parser service over HTTP.
type Client struct {
	baseURL       string
	formulaPolicy string
	http          *http.Client
}

// ClientOptions configures the parser service client.
type ClientOptions struct {
	BaseURL string
	// FormulaPolicy is forwarded on every request; "strict" blocks files
	// containing formulas.
	FormulaPolicy string
	HTTPClient    *http.Client
}

// NewClient creates a parser service client.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	policy := opts.FormulaPolicy
	if policy == "" {
		policy = "strict"
	}
	return &Client{baseURL: opts.BaseURL, formulaPolicy: policy, http: httpClient}
}

type parseRequest struct {
	Filename      string `json:"filename"`
	File          []byte `json:"file"` // base64 via encoding/json
	FormulaPolicy string `json:"formula_policy"`
}

// Parse submits the file and decodes the parser's Result. Service outages
// classify as transient; a well-formed blocked outcome is not an error.
func (c *Client) Parse(ctx context.Context, filename string, file []byte) (*Result, error) {
	body, err := json.Marshal(parseRequest{
		Filename:      filename,
		File:          file,
		FormulaPolicy: c.formulaPolicy,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.CodeInvariantViolated, "encode parse request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/parse", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.CodeInvariantViolated, "build parse request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.CodeProviderTimeout, "parser service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, errkind.Newf(errkind.CodeProviderTimeout, "parser service returned %d", resp.StatusCode)
	default:
		return nil, errkind.Newf(errkind.CodeParseUnparsable, "parser service rejected the file (%d)", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errkind.Wrap(errkind.CodeParseUnparsable, "decode parser response", err)
	}
	if result.Blocked && !result.BlockedReason.Valid() {
		return nil, errkind.Newf(errkind.CodeParseUnparsable, "parser reported unknown blocked reason %q", result.BlockedReason)
	}
	if !result.Blocked && result.Order == nil {
		return nil, errkind.New(errkind.CodeParseUnparsable, "parser returned neither an order nor a blocked outcome")
	}
	if !result.Blocked {
		if err := CheckVersion(result.Order); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

var _ Parser = (*Client)(nil)

// String identifies the client in logs without exposing the endpoint's
// query parameters.
func (c *Client) String() string {
	return fmt.Sprintf("parser.Client(%s)", c.baseURL)
}
