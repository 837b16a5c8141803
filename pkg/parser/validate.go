package parser

import (
	"fmt"
	"math"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// Validate annotates a canonical order with the core's own findings: missing
// item identifiers and arithmetic mismatches. It mutates only the Issues
// list and returns the order for chaining.
//
// Quantity zero is valid and produces no issue. An arithmetic difference
// within tolerance produces no issue; at the boundary, the issue fires.
func Validate(order *contracts.CanonicalOrder, tolerance float64) *contracts.CanonicalOrder {
	for _, line := range order.Lines {
		if !line.Resolvable() {
			order.Issues = append(order.Issues, contracts.Issue{
				Code:       string(errkind.CodeMissingItemIdentifier),
				Severity:   contracts.SeverityError,
				Message:    fmt.Sprintf("line %d has neither SKU nor GTIN", line.LineNumber),
				NeedsHuman: true,
				LineNumber: line.LineNumber,
			})
		}
		if line.UnitPrice != 0 && line.LineTotal != 0 {
			expected := line.Quantity * line.UnitPrice
			if diff := math.Abs(expected - line.LineTotal); diff >= tolerance {
				order.Issues = append(order.Issues, contracts.Issue{
					Code:       string(errkind.CodeArithmeticMismatch),
					Severity:   contracts.SeverityWarning,
					Message:    fmt.Sprintf("line %d: %.2f × %.2f = %.2f, sheet says %.2f", line.LineNumber, line.Quantity, line.UnitPrice, expected, line.LineTotal),
					NeedsHuman: true,
					LineNumber: line.LineNumber,
				})
			}
		}
	}

	if order.Totals != nil && order.Totals.Total != 0 {
		var sum float64
		for _, line := range order.Lines {
			if line.LineTotal != 0 {
				sum += line.LineTotal
			} else {
				sum += line.Quantity * line.UnitPrice
			}
		}
		declared := order.Totals.Subtotal
		if declared == 0 {
			declared = order.Totals.Total - order.Totals.Tax
		}
		if diff := math.Abs(sum - declared); diff >= tolerance {
			order.Issues = append(order.Issues, contracts.Issue{
				Code:       string(errkind.CodeArithmeticMismatch),
				Severity:   contracts.SeverityWarning,
				Message:    fmt.Sprintf("line sum %.2f does not match declared subtotal %.2f", sum, declared),
				NeedsHuman: true,
			})
		}
	}
	return order
}

// Revalidate refreshes the findings on a corrected order: issues this
// package produces are recomputed against the current content, while issues
// the parsing service reported survive the correction untouched.
func Revalidate(order *contracts.CanonicalOrder, tolerance float64) *contracts.CanonicalOrder {
	var kept []contracts.Issue
	for _, is := range order.Issues {
		switch is.Code {
		case string(errkind.CodeMissingItemIdentifier), string(errkind.CodeArithmeticMismatch):
		default:
			kept = append(kept, is)
		}
	}
	order.Issues = kept
	return Validate(order, tolerance)
}
