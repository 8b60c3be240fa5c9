// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package verify

import (
	"fmt"
	"strings"

	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/traces"
)

// MismatchError reports an expectation that did not match the span at its
// position.
type MismatchError struct {
	// Path locates the expectation, e.g. "expect[1].async[0]".
	Path     string
	Expected expect.Expectation
	// Actual is nil when the recorded spans ran out.
	Actual *traces.Span
	Reason string
	// AnnotationDiff is a go-cmp diff of required against recorded
	// annotations (-want +got), empty when annotations were not at fault.
	AnnotationDiff string
	Dump           string
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trace mismatch at %s: %s\n", e.Path, e.Reason)
	fmt.Fprintf(&b, "  expected: %s\n", e.Expected.Label())
	if e.Actual != nil {
		fmt.Fprintf(&b, "  actual:   %s\n", SpanLabel(e.Actual))
	} else {
		b.WriteString("  actual:   <no more spans>\n")
	}
	if e.AnnotationDiff != "" {
		fmt.Fprintf(&b, "annotations (-want +got):\n%s", e.AnnotationDiff)
	}
	b.WriteString(e.Dump)
	return b.String()
}

// UnexpectedSpanError reports spans left over where none (or a different
// number) were expected.
type UnexpectedSpanError struct {
	// Path is the async group with leftovers, or "" for a count check.
	Path string
	// Want is the expected number of remaining spans for a count check.
	Want  int
	Spans []*traces.Span
	Dump  string
}

func (e *UnexpectedSpanError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		fmt.Fprintf(&b, "%d unexpected spans left in %s:\n", len(e.Spans), e.Path)
	} else {
		fmt.Fprintf(&b, "expected %d remaining spans, found %d:\n", e.Want, len(e.Spans))
	}
	b.WriteString(spanLabels(e.Spans))
	b.WriteString("\n")
	b.WriteString(e.Dump)
	return b.String()
}

// UnresolvedAsyncMarkerError reports async markers no continuation claimed
// within the wait budget, or an async group that reached an unclaimed marker.
type UnresolvedAsyncMarkerError struct {
	Markers []*traces.Span
	Dump    string
}

func (e *UnresolvedAsyncMarkerError) Error() string {
	ids := make([]string, 0, len(e.Markers))
	for _, m := range e.Markers {
		ids = append(ids, m.SpanID)
	}
	return fmt.Sprintf("%d unresolved async markers [%s]\n%s",
		len(e.Markers), strings.Join(ids, ", "), e.Dump)
}

// MalformedTraceError reports a trace whose spans were not well nested:
// closed out of order or twice, left open, or mutated concurrently.
type MalformedTraceError struct {
	TraceID string
	Faults  []traces.Fault
	Dump    string
}

func (e *MalformedTraceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "malformed trace %s:\n", e.TraceID)
	for _, f := range e.Faults {
		if f.SpanID != "" {
			fmt.Fprintf(&b, "  span %s: %s\n", f.SpanID, f.Reason)
		} else {
			fmt.Fprintf(&b, "  %s\n", f.Reason)
		}
	}
	b.WriteString(e.Dump)
	return b.String()
}
