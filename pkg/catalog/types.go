// Package catalog is the narrow client for the external order-management
// system: customer/item search, idempotent draft creation, and the OAuth
// refresh flow that authenticates all of it. It never computes prices; the
// catalog's price always prevails.
package catalog

// Customer is the external system's customer record, reduced to what the
// pipeline needs.
type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// Item is the external system's catalog item, reduced to what the pipeline
// needs. Price is the catalog price in the tenant's currency.
type Item struct {
	ID    string  `json:"id"`
	SKU   string  `json:"sku,omitempty"`
	GTIN  string  `json:"gtin,omitempty"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// DraftLine is one line of the draft submitted to the external system.
type DraftLine struct {
	ItemID    string  `json:"item_id"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// DraftPayload is the draft-creation request body.
type DraftPayload struct {
	CustomerID string      `json:"customer_id"`
	Lines      []DraftLine `json:"lines"`
	Reference  string      `json:"reference,omitempty"`
}

// DraftResult is the outcome of CreateDraft. IsDuplicate is true when the
// idempotency token already produced a draft; DraftID then names it.
type DraftResult struct {
	DraftID     string `json:"draft_id"`
	DraftNumber string `json:"draft_number"`
	IsDuplicate bool   `json:"is_duplicate"`
}
