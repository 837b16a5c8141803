package contracts

// EvidenceCell is the (sheet, address, raw, display) tuple that substantiates
// an extracted value. Every assertion on a canonical order can be traced back
// to its source cell through one of these.
type EvidenceCell struct {
	Sheet   string `json:"sheet"`
	Address string `json:"address"`
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

// Severity grades an Issue.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is a structured finding attached to a canonical order or a line.
// Codes come from the closed errkind taxonomy.
type Issue struct {
	Code       string        `json:"code"`
	Severity   Severity      `json:"severity"`
	Message    string        `json:"message"`
	Evidence   *EvidenceCell `json:"evidence,omitempty"`
	NeedsHuman bool          `json:"needs_human"`
	LineNumber int           `json:"line_number,omitempty"`
}

// LineItem is one order line. Quantity zero is valid and carries into the
// draft. UnitPrice and LineTotal are audit-only; the catalog price prevails.
type LineItem struct {
	LineNumber  int     `json:"line_number"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
	LineTotal   float64 `json:"line_total,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	GTIN        string  `json:"gtin,omitempty"`

	DescriptionEvidence *EvidenceCell `json:"description_evidence,omitempty"`
	QuantityEvidence    *EvidenceCell `json:"quantity_evidence,omitempty"`
	UnitPriceEvidence   *EvidenceCell `json:"unit_price_evidence,omitempty"`
	SKUEvidence         *EvidenceCell `json:"sku_evidence,omitempty"`
	GTINEvidence        *EvidenceCell `json:"gtin_evidence,omitempty"`
}

// Resolvable reports whether the line carries at least one identifier the
// matching engine can use.
func (li LineItem) Resolvable() bool {
	return li.SKU != "" || li.GTIN != ""
}

// CustomerBlock is the free-text customer extraction with its evidence.
type CustomerBlock struct {
	Name     string        `json:"name"`
	Evidence *EvidenceCell `json:"evidence,omitempty"`
}

// Totals holds the declared totals, when the sheet carried any.
type Totals struct {
	Subtotal float64       `json:"subtotal,omitempty"`
	Tax      float64       `json:"tax,omitempty"`
	Total    float64       `json:"total,omitempty"`
	Evidence *EvidenceCell `json:"evidence,omitempty"`
}

// OrderMetadata describes the parse provenance of a canonical order.
type OrderMetadata struct {
	SourceFilename string `json:"source_filename"`
	FileSHA256     string `json:"file_sha256"`
	LanguageHint   string `json:"language_hint,omitempty"`
	ParserVersion  string `json:"parser_version"`
	HadFormulas    bool   `json:"had_formulas"`
}

// CanonicalOrder is the normalized, evidence-bearing parse of a spreadsheet
// order. Versioned per correction round; corrections produce new versions,
// never mutations.
type CanonicalOrder struct {
	Version  int           `json:"version"`
	Metadata OrderMetadata `json:"metadata"`
	Customer CustomerBlock `json:"customer"`
	Lines    []LineItem    `json:"lines"`
	Totals   *Totals       `json:"totals,omitempty"`
	Issues   []Issue       `json:"issues,omitempty"`
}

// HasIssue reports whether an issue with the given code is present.
func (o *CanonicalOrder) HasIssue(code string) bool {
	for _, is := range o.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// CorrectionPatch pins a single field to a replacement value. Path addresses
// the field being replaced (e.g. "lines/2/quantity", "customer/name",
// "mapping/quantity" for a column pin).
type CorrectionPatch struct {
	Path     string `json:"path"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value"`
}

// PriceAudit records the catalog price alongside the spreadsheet price for
// one resolved line. The draft uses CatalogPrice; SheetPrice is evidence.
type PriceAudit struct {
	LineNumber   int     `json:"line_number"`
	SheetPrice   float64 `json:"sheet_price"`
	CatalogPrice float64 `json:"catalog_price"`
	Differs      bool    `json:"differs"`
}
