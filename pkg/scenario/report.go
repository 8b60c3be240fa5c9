package scenario

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mbeema/olly-harness/pkg/verify"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// WriteReports renders a verdict table, one row per report.
func WriteReports(w io.Writer, reports []Report) error {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
	}
	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader([]string{"SCENARIO", "RESULT", "SPANS", "TIME", "DETAIL"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)

	for _, r := range reports {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		if err := table.Append([]string{
			r.Scenario,
			result,
			fmt.Sprintf("%d", r.Spans),
			r.Duration.Round(100 * time.Microsecond).String(),
			summary(r.Err),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// summary is the first line of err, prefixed with its verification kind.
func summary(err error) string {
	if err == nil {
		return ""
	}
	line, _, _ := strings.Cut(err.Error(), "\n")

	var (
		mismatch   *verify.MismatchError
		unexpected *verify.UnexpectedSpanError
		unresolved *verify.UnresolvedAsyncMarkerError
		malformed  *verify.MalformedTraceError
	)
	switch {
	case errors.As(err, &mismatch):
		return "mismatch: " + line
	case errors.As(err, &unexpected):
		return "unexpected: " + line
	case errors.As(err, &unresolved):
		return "unresolved: " + line
	case errors.As(err, &malformed):
		return "malformed: " + line
	default:
		return line
	}
}
