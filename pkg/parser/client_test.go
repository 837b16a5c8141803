package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
)

func TestClientParsesOrder(t *testing.T) {
	var gotPolicy string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/parse", r.URL.Path)
		var req parseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPolicy = req.FormulaPolicy
		assert.Equal(t, "orders.xlsx", req.Filename)
		assert.Equal(t, []byte("raw sheet"), req.File)

		_ = json.NewEncoder(w).Encode(Result{
			Order: &contracts.CanonicalOrder{
				Version:  1,
				Customer: contracts.CustomerBlock{Name: "Acme GmbH"},
				Metadata: contracts.OrderMetadata{ParserVersion: "2.1.0"},
			},
		})
	}))
	defer ts.Close()

	c := NewClient(ClientOptions{BaseURL: ts.URL})
	res, err := c.Parse(context.Background(), "orders.xlsx", []byte("raw sheet"))
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, "Acme GmbH", res.Order.Customer.Name)
	assert.Equal(t, "strict", gotPolicy, "policy defaults to strict")
}

func TestClientPassesBlockedOutcomeThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{Blocked: true, BlockedReason: BlockedFormulas})
	}))
	defer ts.Close()

	res, err := NewClient(ClientOptions{BaseURL: ts.URL}).Parse(context.Background(), "f.xlsx", nil)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, BlockedFormulas, res.BlockedReason)
}

func TestClientClassifiesOutageAsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewClient(ClientOptions{BaseURL: ts.URL}).Parse(context.Background(), "f.xlsx", nil)
	require.Error(t, err)
	assert.True(t, errkind.IsRetryable(err))
}

func TestClientRejectsIncompatibleParserVersion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{
			Order: &contracts.CanonicalOrder{
				Version:  1,
				Metadata: contracts.OrderMetadata{ParserVersion: "1.9.0"},
			},
		})
	}))
	defer ts.Close()

	_, err := NewClient(ClientOptions{BaseURL: ts.URL}).Parse(context.Background(), "f.xlsx", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.CodeValidation, errkind.CodeOf(err))
}
