// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package expect builds expected-trace patterns. Patterns are plain data;
// matching lives in package verify.
package expect

import (
	"fmt"
	"strings"

	"github.com/mbeema/olly-harness/pkg/traces"
)

// Kind tags an Expectation.
type Kind int

const (
	// KindEvent expects a single span.
	KindEvent Kind = iota
	// KindAsync expects an async marker whose subtree matches Children.
	KindAsync
)

func (k Kind) String() string {
	if k == KindAsync {
		return "async"
	}
	return "event"
}

// AnnotationMatcher requires an annotation on the matched span. With
// ExistsOnly set, any value is accepted.
type AnnotationMatcher struct {
	Key        string
	Value      string
	ExistsOnly bool
}

// Matches reports whether the span's annotations satisfy m.
func (m AnnotationMatcher) Matches(s *traces.Span) bool {
	v, ok := s.Annotation(m.Key)
	if !ok {
		return false
	}
	return m.ExistsOnly || v == m.Value
}

func (m AnnotationMatcher) String() string {
	if m.ExistsOnly {
		return m.Key + "=*"
	}
	return fmt.Sprintf("%s=%q", m.Key, m.Value)
}

// Expectation is one node of an expected pattern.
type Expectation struct {
	Kind Kind

	// Event fields. An empty ServiceType matches any service type.
	ServiceType string
	Method      string
	Annotations []AnnotationMatcher

	// Async fields.
	Children []Expectation
}

// Event expects a span with the given service type, method and annotations.
func Event(serviceType, method string, matchers ...AnnotationMatcher) Expectation {
	return Expectation{
		Kind:        KindEvent,
		ServiceType: serviceType,
		Method:      method,
		Annotations: matchers,
	}
}

// Annotation requires key to be present with exactly value.
func Annotation(key, value string) AnnotationMatcher {
	return AnnotationMatcher{Key: key, Value: value}
}

// AnnotationExists requires key to be present with any value.
func AnnotationExists(key string) AnnotationMatcher {
	return AnnotationMatcher{Key: key, ExistsOnly: true}
}

// Async expects the next span to be an async marker whose subtree matches
// exps in order.
func Async(exps ...Expectation) Expectation {
	return Expectation{Kind: KindAsync, Children: exps}
}

// FromSpan returns an event that matches s exactly, ignoring its children.
func FromSpan(s *traces.Span) Expectation {
	e := Event(s.ServiceType, s.Name)
	for _, a := range s.Annotations {
		e.Annotations = append(e.Annotations, Annotation(a.Key, a.Value))
	}
	return e
}

// FromSpans converts recorded subtrees into a pattern that matches them:
// every span becomes an event followed by its descendants, and every async
// marker becomes a group over its children.
func FromSpans(spans ...*traces.Span) []Expectation {
	var out []Expectation
	for _, s := range spans {
		if s.IsMarker() {
			out = append(out, Async(FromSpans(s.Children...)...))
			continue
		}
		out = append(out, FromSpan(s))
		out = append(out, FromSpans(s.Children...)...)
	}
	return out
}

// FromTraces converts whole traces, in order, into one pattern.
func FromTraces(trs ...*traces.Trace) []Expectation {
	var out []Expectation
	for _, t := range trs {
		if t == nil || t.Root == nil {
			continue
		}
		out = append(out, FromSpans(t.Root)...)
	}
	return out
}

// Size returns the number of spans the pattern consumes when it matches.
// Each async group consumes its marker plus its children.
func Size(exps ...Expectation) int {
	n := 0
	for _, e := range exps {
		n++
		if e.Kind == KindAsync {
			n += Size(e.Children...)
		}
	}
	return n
}

func (e Expectation) String() string {
	var b strings.Builder
	e.write(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (e Expectation) write(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	if e.Kind == KindAsync {
		fmt.Fprintf(b, "%sasync(\n", indent)
		for _, c := range e.Children {
			c.write(b, depth+1)
		}
		fmt.Fprintf(b, "%s)\n", indent)
		return
	}
	b.WriteString(indent)
	b.WriteString(e.Label())
	b.WriteString("\n")
}

// Label renders an event on a single line.
func (e Expectation) Label() string {
	if e.Kind == KindAsync {
		return fmt.Sprintf("async[%d]", len(e.Children))
	}
	var b strings.Builder
	b.WriteString("event(")
	if e.ServiceType != "" {
		b.WriteString(e.ServiceType)
		b.WriteString(", ")
	}
	b.WriteString(e.Method)
	for _, m := range e.Annotations {
		b.WriteString(", ")
		b.WriteString(m.String())
	}
	b.WriteString(")")
	return b.String()
}

// Format renders a whole pattern, one node per line.
func Format(exps ...Expectation) string {
	parts := make([]string, 0, len(exps))
	for _, e := range exps {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "\n")
}
