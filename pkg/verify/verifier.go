// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package verify matches recorded traces against expected patterns.
//
// Recorded spans form one ordered sequence: every trace in creation order,
// each walked depth-first. VerifyTrace consumes spans from the front of that
// sequence; VerifyTraceCount checks how many remain. An async group matches
// the next span only if it is a claimed async marker, and then matches its
// children against the marker's subtree, which must be consumed entirely.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/export"
	"github.com/mbeema/olly-harness/pkg/recorder"
	"github.com/mbeema/olly-harness/pkg/traces"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Verifier checks recorded traces. Consumption state is kept between calls
// until Reset.
type Verifier struct {
	rec     *recorder.Recorder
	logger  *zap.Logger
	timeout time.Duration
	out     io.Writer
	format  string
	noDump  bool

	mu       sync.Mutex
	consumed map[string]bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTimeout bounds how long verification waits for async work to settle.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithOutput sets where PrintCache writes, and its format ("text" or "json").
func WithOutput(w io.Writer, format string) Option {
	return func(v *Verifier) {
		v.out = w
		v.format = format
	}
}

// WithoutDump omits the side-by-side dump from verification errors.
func WithoutDump() Option {
	return func(v *Verifier) { v.noDump = true }
}

// New creates a verifier over rec.
func New(rec *recorder.Recorder, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		rec:      rec,
		logger:   logger,
		timeout:  defaultTimeout,
		out:      os.Stdout,
		format:   "text",
		consumed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func spanKey(s *traces.Span) string {
	return s.TraceID + "/" + s.SpanID
}

// VerifyTrace matches exps, in order, against the unconsumed recorded spans.
// Spans are consumed only if every expectation matches.
func (v *Verifier) VerifyTrace(ctx context.Context, exps ...expect.Expectation) error {
	trs, err := v.settle(ctx, exps)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	m := &matcher{v: v, exps: exps, traces: trs, staged: make(map[string]bool)}
	if err := m.matchLevel("expect", exps, preorder(rootsOf(trs)...), false); err != nil {
		v.logger.Debug("trace verification failed", zap.Error(err))
		return err
	}
	for k := range m.staged {
		v.consumed[k] = true
	}
	v.logger.Debug("trace verified", zap.Int("consumed", len(m.staged)))
	return nil
}

// VerifyTraceCount checks that exactly n recorded spans remain unconsumed.
func (v *Verifier) VerifyTraceCount(ctx context.Context, n int) error {
	trs, err := v.settle(ctx, nil)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var left []*traces.Span
	for _, s := range preorder(rootsOf(trs)...) {
		if !v.consumed[spanKey(s)] {
			left = append(left, s)
		}
	}
	if len(left) != n {
		return &UnexpectedSpanError{Want: n, Spans: left, Dump: v.dump(nil, trs)}
	}
	return nil
}

// PrintCache writes every recorded trace to the configured output.
func (v *Verifier) PrintCache() {
	exp := export.NewStdoutExporter(v.out, v.format, v.logger)
	if err := exp.ExportTraces(context.Background(), v.rec.Snapshot()); err != nil {
		v.logger.Warn("print cache failed", zap.Error(err))
	}
}

// Reset clears consumption state and the recorder.
func (v *Verifier) Reset() {
	v.mu.Lock()
	v.consumed = make(map[string]bool)
	v.mu.Unlock()
	v.rec.Reset()
}

// settle waits for async work, then snapshots and checks for faults.
func (v *Verifier) settle(ctx context.Context, exps []expect.Expectation) ([]*traces.Trace, error) {
	werr := v.rec.Await(ctx, v.timeout)
	trs := v.rec.Snapshot()

	if werr != nil {
		var pe *recorder.PendingError
		if !errors.As(werr, &pe) {
			return nil, fmt.Errorf("wait for traces: %w", werr)
		}
		if len(pe.Markers) > 0 {
			return nil, &UnresolvedAsyncMarkerError{Markers: pe.Markers, Dump: v.dumpLocked(exps, trs)}
		}
		ids := make([]string, 0, len(pe.OpenBranches))
		for id := range pe.OpenBranches {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) > 0 {
			return nil, &MalformedTraceError{
				TraceID: ids[0],
				Faults:  []traces.Fault{{Reason: fmt.Sprintf("trace context still open after %s", v.timeout)}},
				Dump:    v.dumpLocked(exps, trs),
			}
		}
	}

	for _, t := range trs {
		if len(t.Faults) > 0 {
			return nil, &MalformedTraceError{TraceID: t.ID, Faults: t.Faults, Dump: v.dumpLocked(exps, trs)}
		}
	}
	return trs, nil
}

func (v *Verifier) dumpLocked(exps []expect.Expectation, trs []*traces.Trace) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dump(exps, trs)
}

// dump requires v.mu.
func (v *Verifier) dump(exps []expect.Expectation, trs []*traces.Trace) string {
	if v.noDump {
		return ""
	}
	return sideBySide(exps, trs, v.consumed)
}

func rootsOf(trs []*traces.Trace) []*traces.Span {
	roots := make([]*traces.Span, 0, len(trs))
	for _, t := range trs {
		if t.Root != nil {
			roots = append(roots, t.Root)
		}
	}
	return roots
}

// preorder flattens the subtrees rooted at spans, depth-first.
func preorder(spans ...*traces.Span) []*traces.Span {
	var out []*traces.Span
	for _, s := range spans {
		s.Walk(func(sp *traces.Span, _ int) bool {
			out = append(out, sp)
			return true
		})
	}
	return out
}

// matcher runs one VerifyTrace call. Matches are staged and committed by the
// caller only on success.
type matcher struct {
	v      *Verifier
	exps   []expect.Expectation
	traces []*traces.Trace
	staged map[string]bool
}

func (m *matcher) taken(s *traces.Span) bool {
	k := spanKey(s)
	return m.v.consumed[k] || m.staged[k]
}

func (m *matcher) matchLevel(path string, exps []expect.Expectation, items []*traces.Span, group bool) error {
	pos := 0
	next := func() *traces.Span {
		for pos < len(items) {
			s := items[pos]
			pos++
			if !m.taken(s) {
				return s
			}
		}
		return nil
	}

	for i, e := range exps {
		p := fmt.Sprintf("%s[%d]", path, i)
		s := next()
		if s == nil {
			return m.mismatch(p, e, nil, "no more recorded spans", "")
		}

		if e.Kind == expect.KindAsync {
			if !s.IsMarker() {
				return m.mismatch(p, e, s, "expected an async marker", "")
			}
			if !s.Claimed {
				return &UnresolvedAsyncMarkerError{Markers: []*traces.Span{s.Clone()}, Dump: m.dump()}
			}
			m.staged[spanKey(s)] = true
			if err := m.matchLevel(p+".async", e.Children, preorder(s.Children...), true); err != nil {
				return err
			}
			continue
		}

		if reason, diff := matchEvent(e, s); reason != "" {
			return m.mismatch(p, e, s, reason, diff)
		}
		m.staged[spanKey(s)] = true
	}

	if group {
		var left []*traces.Span
		for s := next(); s != nil; s = next() {
			left = append(left, s.Clone())
		}
		if len(left) > 0 {
			return &UnexpectedSpanError{Path: path, Spans: left, Dump: m.dump()}
		}
	}
	return nil
}

// matchEvent returns a non-empty reason when s does not satisfy e.
func matchEvent(e expect.Expectation, s *traces.Span) (reason, diff string) {
	if e.ServiceType != "" && e.ServiceType != s.ServiceType {
		return fmt.Sprintf("service type %q, want %q", s.ServiceType, e.ServiceType), ""
	}
	if e.Method != s.Name {
		return fmt.Sprintf("method %q, want %q", s.Name, e.Method), ""
	}
	for _, am := range e.Annotations {
		if !am.Matches(s) {
			return fmt.Sprintf("annotation %s not satisfied", am), annotationDiff(e, s)
		}
	}
	return "", ""
}

func (m *matcher) mismatch(path string, e expect.Expectation, s *traces.Span, reason, diff string) error {
	var actual *traces.Span
	if s != nil {
		actual = s.Clone()
		actual.Children = nil
	}
	return &MismatchError{
		Path:           path,
		Expected:       e,
		Actual:         actual,
		Reason:         reason,
		AnnotationDiff: diff,
		Dump:           m.dump(),
	}
}

func (m *matcher) dump() string {
	return m.v.dump(m.exps, m.traces)
}
