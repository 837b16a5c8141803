// Package redact filters values that resemble secrets or personal data
// before they reach the event log or a committee evidence pack. The same
// filter is shared by both so a value redacted in one place is redacted in
// the other.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// Filter scrubs secret-looking values from strings and JSON-shaped maps.
type Filter struct {
	patterns       []*regexp.Regexp
	restrictedKeys []string
}

// NewFilter returns a Filter with the default secret patterns.
func NewFilter() *Filter {
	return &Filter{
		patterns: []*regexp.Regexp{
			// Bearer / API tokens
			regexp.MustCompile(`(?i)\b(?:bearer|token|apikey|api[_-]key)\s*[:=]?\s*[A-Za-z0-9\-._~+/]{16,}`),
			// AWS-style access keys
			regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			// PEM blocks
			regexp.MustCompile(`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`),
			// Card numbers (13-19 digits, optionally separated)
			regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
			// Email addresses
			regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		},
		restrictedKeys: []string{
			"password", "secret", "token", "api_key", "apikey",
			"authorization", "credential", "refresh_token", "access_token",
			"ssn", "credit_card", "cc_number",
		},
	}
}

// String scrubs secret-looking substrings from a single value.
// Returns the scrubbed value and whether anything was redacted.
func (f *Filter) String(s string) (string, bool) {
	redacted := false
	for _, re := range f.patterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, placeholder)
			redacted = true
		}
	}
	return s, redacted
}

// Looks reports whether a value resembles a secret without rewriting it.
// The committee evidence pack uses this to drop sample values entirely.
func (f *Filter) Looks(s string) bool {
	for _, re := range f.patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Map scrubs a JSON-shaped payload in place of a copy: restricted keys are
// replaced wholesale, string values are pattern-scrubbed, nested maps and
// slices are walked. Returns the scrubbed copy and the list of redaction
// notes (key paths that were touched).
func (f *Filter) Map(in map[string]any) (map[string]any, []string) {
	var notes []string
	out := f.walkMap(in, "", &notes)
	return out, notes
}

func (f *Filter) walkMap(in map[string]any, prefix string, notes *[]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if f.isRestrictedKey(k) {
			out[k] = placeholder
			*notes = append(*notes, path)
			continue
		}
		out[k] = f.walkValue(v, path, notes)
	}
	return out
}

func (f *Filter) walkValue(v any, path string, notes *[]string) any {
	switch t := v.(type) {
	case string:
		scrubbed, hit := f.String(t)
		if hit {
			*notes = append(*notes, path)
		}
		return scrubbed
	case map[string]any:
		return f.walkMap(t, path, notes)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = f.walkValue(elem, path, notes)
		}
		return out
	default:
		return v
	}
}

func (f *Filter) isRestrictedKey(key string) bool {
	lower := strings.ToLower(key)
	for _, r := range f.restrictedKeys {
		if lower == r || strings.Contains(lower, r) {
			return true
		}
	}
	return false
}
