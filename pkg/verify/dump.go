// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package verify

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

func newTable(w io.Writer, headers []string) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

// SpanLabel renders one span on a single line.
func SpanLabel(s *traces.Span) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", s.Kind)
	if s.ServiceType != "" {
		b.WriteString(s.ServiceType)
		b.WriteString(" ")
	}
	b.WriteString(s.Name)
	if len(s.Annotations) > 0 {
		parts := make([]string, 0, len(s.Annotations))
		for _, a := range s.Annotations {
			parts = append(parts, fmt.Sprintf("%s=%q", a.Key, a.Value))
		}
		b.WriteString(" {")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("}")
	}
	if s.IsMarker() && !s.Claimed {
		b.WriteString(" UNCLAIMED")
	}
	return b.String()
}

// treeLines renders traces as indented lines. Spans in consumed are prefixed
// with "✓".
func treeLines(trs []*traces.Trace, consumed map[string]bool) []string {
	var lines []string
	for _, t := range trs {
		lines = append(lines, fmt.Sprintf("trace %s", t.ID))
		t.Root.Walk(func(s *traces.Span, depth int) bool {
			mark := "  "
			if consumed[spanKey(s)] {
				mark = "✓ "
			}
			lines = append(lines, mark+strings.Repeat("  ", depth+1)+SpanLabel(s))
			return true
		})
	}
	return lines
}

// sideBySide renders the expected pattern next to the actual trees.
func sideBySide(exps []expect.Expectation, trs []*traces.Trace, consumed map[string]bool) string {
	left := strings.Split(expect.Format(exps...), "\n")
	if len(exps) == 0 {
		left = nil
	}
	right := treeLines(trs, consumed)

	var b strings.Builder
	table := newTable(&b, []string{"EXPECTED", "ACTUAL"})
	for i := 0; i < len(left) || i < len(right); i++ {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		_ = table.Append([]string{l, r})
	}
	_ = table.Render()
	return b.String()
}

// annotationDiff compares the annotations an event requires with what the
// span carries. Only keys the event names are compared.
func annotationDiff(e expect.Expectation, s *traces.Span) string {
	if len(e.Annotations) == 0 {
		return ""
	}
	want := make(map[string]string, len(e.Annotations))
	got := make(map[string]string, len(e.Annotations))
	for _, m := range e.Annotations {
		v, ok := s.Annotation(m.Key)
		switch {
		case m.ExistsOnly && ok:
			want[m.Key], got[m.Key] = "<any>", "<any>"
		case m.ExistsOnly:
			want[m.Key] = "<any>"
		default:
			want[m.Key] = m.Value
			if ok {
				got[m.Key] = v
			}
		}
	}
	return cmp.Diff(want, got)
}

func spanLabels(spans []*traces.Span) string {
	labels := make([]string, 0, len(spans))
	for _, s := range spans {
		labels = append(labels, "  "+SpanLabel(s))
	}
	return strings.Join(labels, "\n")
}
