package audit

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces any value caught by a redaction pattern. A full
// replacement, never a partial mask, so nothing about the original's length
// or structure leaks into the trail.
const Marker = "[REDACTED]"

// Redactor strips sensitive parameter values before events are persisted.
// Patterns match case-insensitively against parameter names and string
// values.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles the configured patterns. Invalid patterns are a
// construction error; policy validation should have caught them already.
func NewRedactor(patterns []string) (*Redactor, error) {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact returns a deep copy of params with every flagged value replaced by
// Marker. The input map is never modified; callers hand the copy to the
// audit store and keep the original for execution.
func (r *Redactor) Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if r.matchesName(k) {
			out[k] = Marker
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		if r.matchesString(val) {
			return Marker
		}
		return val
	case map[string]any:
		return r.Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) matchesName(name string) bool {
	for _, re := range r.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (r *Redactor) matchesString(s string) bool {
	low := strings.ToLower(s)
	for _, re := range r.patterns {
		if re.MatchString(low) {
			return true
		}
	}
	return false
}
