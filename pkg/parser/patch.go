package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// ApplyPatches produces the next canonical-order version with the patches
// applied. The input order is never mutated; corrections are new versions.
// The empty patch list yields a content-identical copy under the next
// version number.
//
// Patch paths: "customer/name", "lines/<line_number>/<field>" where field is
// one of quantity, unit_price, line_total, sku, gtin, description.
func ApplyPatches(order *contracts.CanonicalOrder, patches []contracts.CorrectionPatch) (*contracts.CanonicalOrder, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("parser: copy order: %w", err)
	}
	var next contracts.CanonicalOrder
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("parser: copy order: %w", err)
	}
	next.Version = order.Version + 1

	for _, p := range patches {
		if err := applyOne(&next, p); err != nil {
			return nil, err
		}
	}
	return &next, nil
}

func applyOne(order *contracts.CanonicalOrder, p contracts.CorrectionPatch) error {
	parts := strings.Split(p.Path, "/")
	switch {
	case len(parts) == 2 && parts[0] == "customer" && parts[1] == "name":
		order.Customer.Name = p.NewValue
		return nil
	case len(parts) == 3 && parts[0] == "lines":
		lineNo, err := strconv.Atoi(parts[1])
		if err != nil {
			return errkind.Newf(errkind.CodeInvalidRequest, "patch path %q: bad line number", p.Path)
		}
		for i := range order.Lines {
			if order.Lines[i].LineNumber == lineNo {
				return patchLine(&order.Lines[i], parts[2], p)
			}
		}
		return errkind.Newf(errkind.CodeInvalidRequest, "patch path %q: no such line", p.Path)
	default:
		return errkind.Newf(errkind.CodeInvalidRequest, "unsupported patch path %q", p.Path)
	}
}

func patchLine(line *contracts.LineItem, field string, p contracts.CorrectionPatch) error {
	switch field {
	case "description":
		line.Description = p.NewValue
	case "sku":
		line.SKU = p.NewValue
	case "gtin":
		line.GTIN = p.NewValue
	case "quantity", "unit_price", "line_total":
		f, err := strconv.ParseFloat(p.NewValue, 64)
		if err != nil {
			return errkind.Newf(errkind.CodeInvalidRequest,
				"patch %s: %q is not a number", p.Path, p.NewValue)
		}
		switch field {
		case "quantity":
			if f < 0 {
				return errkind.Newf(errkind.CodeInvalidRequest, "patch %s: quantity must be non-negative", p.Path)
			}
			line.Quantity = f
		case "unit_price":
			line.UnitPrice = f
		case "line_total":
			line.LineTotal = f
		}
	default:
		return errkind.Newf(errkind.CodeInvalidRequest, "unsupported line field %q", field)
	}
	return nil
}
