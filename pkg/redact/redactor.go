// Package redact masks sensitive values in recorded traces before they leave
// the process.
package redact

import (
	"fmt"
	"regexp"

	"github.com/mbeema/olly-harness/pkg/traces"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Trace returns a copy of t with every annotation value and status
// message redacted. t itself is not modified.
func (r *Redactor) Trace(t *traces.Trace) *traces.Trace {
	if !r.enabled {
		return t
	}
	c := t.Clone()
	c.Root.Walk(func(s *traces.Span, _ int) bool {
		s.StatusMsg = r.Redact(s.StatusMsg)
		for i := range s.Annotations {
			s.Annotations[i].Value = r.Redact(s.Annotations[i].Value)
		}
		return true
	})
	return c
}

// Traces redacts each trace in trs.
func (r *Redactor) Traces(trs []*traces.Trace) []*traces.Trace {
	if !r.enabled {
		return trs
	}
	out := make([]*traces.Trace, len(trs))
	for i, t := range trs {
		out[i] = r.Trace(t)
	}
	return out
}

// PatternRules builds replacement rules from raw patterns, each replaced with
// "[REDACTED]".
func PatternRules(patterns []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		rules = append(rules, Rule{Name: p, Pattern: re, Replacement: "[REDACTED]"})
	}
	return rules, nil
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "password_in_sql",
			Pattern:     regexp.MustCompile(`(?i)(password\s*=\s*)'[^']*'`),
			Replacement: "${1}'[REDACTED]'",
		},
	}
}
