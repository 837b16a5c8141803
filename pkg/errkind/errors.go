// Package errkind defines the stable error taxonomy shared by the workflow
// engine, activities, and the control surface. Every error that crosses a
// component boundary carries a Kind (which the retry policy consults) and a
// Code (which the event log records and user-facing messages map from).
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies how an error must be handled.
type Kind string

const (
	// KindInput: non-retryable, terminal at the step that produced it.
	KindInput Kind = "input"
	// KindTransient: retryable per the aggressive policy.
	KindTransient Kind = "transient"
	// KindAuth: non-retryable, surfaced to operators.
	KindAuth Kind = "auth"
	// KindLogic: non-retryable, routes the workflow to a human-wait state.
	KindLogic Kind = "logic"
	// KindInternal: non-retryable, terminal failed.
	KindInternal Kind = "internal"
)

// Code is a stable identifier recorded in the event log.
type Code string

const (
	CodeBlockedFile     Code = "BLOCKED_FILE"
	CodeParseUnparsable Code = "PARSE_UNPARSABLE"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeValidation      Code = "VALIDATION_FAILED"

	CodeCatalogUnavailable Code = "CATALOG_UNAVAILABLE"
	CodeCatalogRateLimited Code = "CATALOG_RATE_LIMITED"
	CodeProviderTimeout    Code = "PROVIDER_TIMEOUT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	CodeCatalogAuthFailed Code = "CATALOG_AUTH_FAILED"
	CodeTenantForbidden   Code = "TENANT_FORBIDDEN"

	CodeCustomerAmbiguous     Code = "CUSTOMER_AMBIGUOUS"
	CodeCustomerNotFound      Code = "CUSTOMER_NOT_FOUND"
	CodeItemsUnresolved       Code = "ITEMS_UNRESOLVED"
	CodeCommitteeDisagreement Code = "COMMITTEE_DISAGREEMENT"
	CodeArithmeticMismatch    Code = "ARITHMETIC_MISMATCH"
	CodeMissingItemIdentifier Code = "MISSING_ITEM_IDENTIFIER"

	CodeInvariantViolated   Code = "INVARIANT_VIOLATED"
	CodeDeterminismViolated Code = "DETERMINISM_VIOLATED"
	CodeEventLogGap         Code = "EVENT_LOG_GAP"
)

// kindByCode pins each code to its kind so classification cannot drift.
var kindByCode = map[Code]Kind{
	CodeBlockedFile:     KindInput,
	CodeParseUnparsable: KindInput,
	CodeInvalidRequest:  KindInput,
	CodeValidation:      KindInput,

	CodeCatalogUnavailable: KindTransient,
	CodeCatalogRateLimited: KindTransient,
	CodeProviderTimeout:    KindTransient,
	CodeStorageUnavailable: KindTransient,

	CodeCatalogAuthFailed: KindAuth,
	CodeTenantForbidden:   KindAuth,

	CodeCustomerAmbiguous:     KindLogic,
	CodeCustomerNotFound:      KindLogic,
	CodeItemsUnresolved:       KindLogic,
	CodeCommitteeDisagreement: KindLogic,
	CodeArithmeticMismatch:    KindLogic,
	CodeMissingItemIdentifier: KindLogic,

	CodeInvariantViolated:   KindInternal,
	CodeDeterminismViolated: KindInternal,
	CodeEventLogGap:         KindInternal,
}

// Error is the explicit error type carried across component boundaries.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	// RetryAfterSeconds is set when the upstream system demanded a minimum
	// wait (HTTP 429 Retry-After); the retry policy sleeps at least this long.
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error. The kind is derived from the code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Kind: kindOf(code), Message: msg}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code Code, msg string, cause error) *Error {
	e := New(code, msg)
	e.cause = cause
	return e
}

func kindOf(code Code) Kind {
	if k, ok := kindByCode[code]; ok {
		return k
	}
	return KindInternal
}

// CodeOf extracts the taxonomy code from an error chain.
// Unclassified errors report INVARIANT_VIOLATED.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInvariantViolated
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the retry policy may re-attempt after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// RetryAfterOf returns the upstream-demanded minimum wait in seconds, or 0.
func RetryAfterOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterSeconds
	}
	return 0
}

// userMessages maps codes to the non-technical summaries shown through the
// notification collaborator. Internal detail never leaves the event log.
var userMessages = map[Code]string{
	CodeBlockedFile:           "The uploaded file could not be processed. Please re-upload a plain spreadsheet.",
	CodeParseUnparsable:       "The uploaded file could not be read as a spreadsheet.",
	CodeInvalidRequest:        "The request was missing required information.",
	CodeValidation:            "The order contents did not pass validation.",
	CodeCatalogUnavailable:    "The order system is temporarily unavailable. The order has been queued.",
	CodeCatalogRateLimited:    "The order system is busy. The order has been queued.",
	CodeProviderTimeout:       "A review step timed out and will need another attempt.",
	CodeStorageUnavailable:    "Storage is temporarily unavailable.",
	CodeCatalogAuthFailed:     "The connection to the order system needs attention from an operator.",
	CodeTenantForbidden:       "This workspace is not authorized for the order system.",
	CodeCustomerAmbiguous:     "More than one customer matches — please pick the right one.",
	CodeCustomerNotFound:      "No matching customer was found — please pick one manually.",
	CodeItemsUnresolved:       "Some line items could not be matched — please review them.",
	CodeCommitteeDisagreement: "The automatic review was not confident — please confirm the highlighted fields.",
	CodeArithmeticMismatch:    "The totals in the spreadsheet do not add up — please review.",
	CodeMissingItemIdentifier: "A line item is missing both SKU and barcode — please review.",
	CodeInvariantViolated:     "Something went wrong on our side. The order was not created.",
	CodeDeterminismViolated:   "Something went wrong on our side. The order was not created.",
	CodeEventLogGap:           "Something went wrong on our side. The order was not created.",
}

// UserMessage returns the user-visible summary for an error.
func UserMessage(err error) string {
	if msg, ok := userMessages[CodeOf(err)]; ok {
		return msg
	}
	return "Something went wrong on our side. The order was not created."
}
