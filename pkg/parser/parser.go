// Package parser defines the spreadsheet-parser collaborator contract. The
// parser implementation lives outside the core; only its output contract,
// the blocked-outcome taxonomy, and the version gate are specified here.
package parser

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// BlockedReason is the closed set of reasons a file cannot be parsed.
type BlockedReason string

const (
	BlockedFormulas   BlockedReason = "formulas"
	BlockedProtected  BlockedReason = "protected"
	BlockedUnparsable BlockedReason = "unparsable"
	BlockedTooLarge   BlockedReason = "too_large"
)

// Valid reports whether r is a known blocked reason.
func (r BlockedReason) Valid() bool {
	switch r {
	case BlockedFormulas, BlockedProtected, BlockedUnparsable, BlockedTooLarge:
		return true
	}
	return false
}

// Result is the parser collaborator's output: either a canonical order or a
// blocked outcome with its reason. Candidates lists the sheet columns the
// parser could not map with certainty; the review committee decides those.
type Result struct {
	Order         *contracts.CanonicalOrder   `json:"order,omitempty"`
	Candidates    []contracts.CandidateColumn `json:"candidates,omitempty"`
	Blocked       bool                        `json:"blocked"`
	BlockedReason BlockedReason               `json:"blocked_reason,omitempty"`
}

// Parser is the collaborator interface the parse activity invokes.
type Parser interface {
	Parse(ctx context.Context, filename string, file []byte) (*Result, error)
}

// minParserVersion is the oldest parser whose canonical orders this core
// accepts. Bumped when the output contract changes incompatibly.
const minParserVersion = "2.0.0"

// CheckVersion gates a canonical order on its parser version. Orders from
// incompatible parsers are input errors, never silently accepted.
func CheckVersion(order *contracts.CanonicalOrder) error {
	v := order.Metadata.ParserVersion
	if v == "" {
		return errkind.New(errkind.CodeValidation, "canonical order without parser version")
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return errkind.Wrap(errkind.CodeValidation, fmt.Sprintf("invalid parser version %q", v), err)
	}
	min := semver.MustParse(minParserVersion)
	if parsed.LessThan(min) {
		return errkind.Newf(errkind.CodeValidation,
			"parser version %s is older than the supported minimum %s", v, minParserVersion)
	}
	return nil
}
