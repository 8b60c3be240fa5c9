package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/olly-harness/pkg/traces"
	"go.uber.org/zap"
)

// StdoutExporter prints recorded traces for debugging.
type StdoutExporter struct {
	mu     sync.Mutex
	w      io.Writer
	format string // "text" or "json"
	logger *zap.Logger
}

// NewStdoutExporter creates an exporter writing to w.
func NewStdoutExporter(w io.Writer, format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		w:      w,
		format: format,
		logger: logger,
	}
}

// ExportTraces prints every trace as an indented tree, or one JSON object per
// trace.
func (e *StdoutExporter) ExportTraces(ctx context.Context, trs []*traces.Trace) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range trs {
		var err error
		if e.format == "json" {
			err = e.printJSON(t)
		} else {
			err = e.printText(t)
		}
		if err != nil {
			return fmt.Errorf("print trace %s: %w", t.ID, err)
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printText(t *traces.Trace) error {
	if _, err := fmt.Fprintf(e.w, "[TRACE] %s spans=%d\n", t.ID, t.Count()); err != nil {
		return err
	}

	var werr error
	t.Root.Walk(func(s *traces.Span, depth int) bool {
		status := "OK"
		switch {
		case !s.Ended():
			status = "OPEN"
		case s.Status == traces.StatusError:
			status = "ERR"
		}
		line := fmt.Sprintf("%s[%s] %s %s %s %dms tid=%d%s",
			strings.Repeat("  ", depth+1),
			s.Kind, s.ServiceType, s.Name, status,
			s.Duration.Milliseconds(), s.TID,
			formatAnnotations(s.Annotations),
		)
		if s.IsMarker() && !s.Claimed {
			line += " UNCLAIMED"
		}
		if _, err := fmt.Fprintln(e.w, line); err != nil {
			werr = err
			return false
		}
		return true
	})
	if werr != nil {
		return werr
	}

	for _, f := range t.Faults {
		if _, err := fmt.Fprintf(e.w, "  [FAULT] span=%s %s\n", f.SpanID, f.Reason); err != nil {
			return err
		}
	}
	return nil
}

type jsonSpan struct {
	SpanID      string              `json:"span_id"`
	ParentID    string              `json:"parent_id,omitempty"`
	Kind        string              `json:"kind"`
	ServiceType string              `json:"service_type"`
	Name        string              `json:"name"`
	Start       string              `json:"start"`
	End         string              `json:"end,omitempty"`
	DurationMS  int64               `json:"duration_ms"`
	Error       string              `json:"error,omitempty"`
	TID         int                 `json:"tid,omitempty"`
	Claimed     bool                `json:"claimed,omitempty"`
	Annotations []traces.Annotation `json:"annotations,omitempty"`
	Children    []*jsonSpan         `json:"children,omitempty"`
}

type jsonTrace struct {
	TraceID string         `json:"trace_id"`
	Spans   int            `json:"spans"`
	Root    *jsonSpan      `json:"root,omitempty"`
	Faults  []traces.Fault `json:"faults,omitempty"`
}

func toJSONSpan(s *traces.Span) *jsonSpan {
	if s == nil {
		return nil
	}
	js := &jsonSpan{
		SpanID:      s.SpanID,
		ParentID:    s.ParentSpanID,
		Kind:        s.Kind.String(),
		ServiceType: s.ServiceType,
		Name:        s.Name,
		Start:       s.StartTime.Format(time.RFC3339Nano),
		DurationMS:  s.Duration.Milliseconds(),
		TID:         s.TID,
		Claimed:     s.Claimed,
		Annotations: s.Annotations,
	}
	if s.Ended() {
		js.End = s.EndTime.Format(time.RFC3339Nano)
	}
	if s.Status == traces.StatusError {
		js.Error = s.StatusMsg
	}
	for _, c := range s.Children {
		js.Children = append(js.Children, toJSONSpan(c))
	}
	return js
}

func (e *StdoutExporter) printJSON(t *traces.Trace) error {
	b, err := json.Marshal(jsonTrace{
		TraceID: t.ID,
		Spans:   t.Count(),
		Root:    toJSONSpan(t.Root),
		Faults:  t.Faults,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.w, "%s\n", b)
	return err
}

func formatAnnotations(anns []traces.Annotation) string {
	if len(anns) == 0 {
		return ""
	}
	parts := make([]string, 0, len(anns))
	for _, a := range anns {
		parts = append(parts, fmt.Sprintf("%s=%q", a.Key, a.Value))
	}
	return " {" + strings.Join(parts, ",") + "}"
}
