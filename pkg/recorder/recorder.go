// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package recorder is the process-wide store that assembles interceptor
// events into per-trace span trees.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	// ErrUnknownTrace is returned when a span references a trace that is not
	// (or no longer, after Reset) recorded.
	ErrUnknownTrace = errors.New("unknown trace")

	// ErrParentClosed is returned when a non-marker span is appended under a
	// span that already closed.
	ErrParentClosed = errors.New("parent span already closed")

	// ErrMarkerClaimed is returned when an async marker is claimed twice.
	ErrMarkerClaimed = errors.New("async marker already claimed")
)

const defaultPollInterval = 5 * time.Millisecond

// Recorder accumulates spans into per-trace trees.
// Safe for concurrent use by multiple goroutines.
type Recorder struct {
	logger       *zap.Logger
	metrics      *Metrics
	pollInterval time.Duration

	mu    sync.Mutex
	order []*traceState
	byID  map[string]*traceState
}

type traceState struct {
	trace    *traces.Trace
	branches int
	pending  map[*traces.Span]struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMetrics attaches prometheus metrics to the recorder.
func WithMetrics(m *Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithPollInterval sets how often Await re-checks for settled traces.
func WithPollInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// New creates a recorder.
func New(logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		logger:       logger,
		pollInterval: defaultPollInterval,
		byID:         make(map[string]*traceState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the process-wide recorder. Scenarios sharing it must call
// Reset between runs.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New(zap.NewNop())
	})
	return defaultRecorder
}

// Append attaches span under parent. A nil parent starts a new trace rooted at
// span. Async markers may be appended under a closed parent; nothing else may.
func (r *Recorder) Append(parent, span *traces.Span) error {
	if span == nil {
		return errors.New("nil span")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if parent == nil {
		if _, ok := r.byID[span.TraceID]; ok {
			return fmt.Errorf("trace %s already has a root", span.TraceID)
		}
		ts := &traceState{
			trace:   &traces.Trace{ID: span.TraceID, Root: span},
			pending: make(map[*traces.Span]struct{}),
		}
		r.byID[span.TraceID] = ts
		r.order = append(r.order, ts)
		r.metrics.spanRecorded(span.Kind)
		return nil
	}

	if _, ok := r.byID[parent.TraceID]; !ok {
		return fmt.Errorf("append %s: %w", span.Name, ErrUnknownTrace)
	}
	if parent.Ended() && !span.IsMarker() {
		return fmt.Errorf("append %s under %s: %w", span.Name, parent.Name, ErrParentClosed)
	}

	span.ParentSpanID = parent.SpanID
	parent.Children = append(parent.Children, span)
	r.metrics.spanRecorded(span.Kind)
	return nil
}

// Close ends span at the given time, recording err as the exception
// annotation.
func (r *Recorder) Close(span *traces.Span, at time.Time, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[span.TraceID]; !ok {
		return fmt.Errorf("close %s: %w", span.Name, ErrUnknownTrace)
	}
	if span.Ended() {
		return fmt.Errorf("span %s closed twice", span.Name)
	}
	if err != nil {
		span.SetError(err.Error())
	}
	span.End(at)
	return nil
}

// Annotate sets an annotation on a recorded span.
func (r *Recorder) Annotate(span *traces.Span, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span.SetAnnotation(key, value)
}

// RegisterMarker records marker as pending until a continuation claims it.
func (r *Recorder) RegisterMarker(marker *traces.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.byID[marker.TraceID]
	if !ok {
		return fmt.Errorf("register marker: %w", ErrUnknownTrace)
	}
	ts.pending[marker] = struct{}{}
	r.metrics.markerPending(1)
	return nil
}

// ClaimMarker resolves a pending marker. tid is the OS thread that resumed it.
func (r *Recorder) ClaimMarker(marker *traces.Span, tid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.byID[marker.TraceID]
	if !ok {
		return fmt.Errorf("claim marker: %w", ErrUnknownTrace)
	}
	if marker.Claimed {
		return ErrMarkerClaimed
	}
	marker.Claimed = true
	marker.TID = tid
	delete(ts.pending, marker)
	r.metrics.markerPending(-1)
	return nil
}

// AbandonMarker settles a pending marker whose continuation will never run.
// The marker is closed but stays unclaimed, and reason is recorded as a fault
// against its trace.
func (r *Recorder) AbandonMarker(marker *traces.Span, at time.Time, reason string) error {
	r.mu.Lock()
	ts, ok := r.byID[marker.TraceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("abandon marker: %w", ErrUnknownTrace)
	}
	if marker.Claimed {
		r.mu.Unlock()
		return ErrMarkerClaimed
	}
	if _, pending := ts.pending[marker]; pending {
		delete(ts.pending, marker)
		r.metrics.markerPending(-1)
	}
	if !marker.Ended() {
		marker.End(at)
	}
	ts.trace.Faults = append(ts.trace.Faults, traces.Fault{SpanID: marker.SpanID, Reason: reason})
	r.mu.Unlock()

	r.metrics.fault()
	r.logger.Warn("async marker abandoned",
		zap.String("trace_id", marker.TraceID),
		zap.String("span_id", marker.SpanID),
		zap.String("reason", reason),
	)
	return nil
}

// BeginBranch records that a trace context started mutating traceID.
func (r *Recorder) BeginBranch(traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.byID[traceID]; ok {
		ts.branches++
		r.metrics.branchOpen(1)
	}
}

// EndBranch records that a trace context finished with traceID.
func (r *Recorder) EndBranch(traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.byID[traceID]; ok && ts.branches > 0 {
		ts.branches--
		r.metrics.branchOpen(-1)
	}
}

// Fault records a malformed-trace condition against traceID.
func (r *Recorder) Fault(traceID, spanID, reason string) {
	r.mu.Lock()
	ts, ok := r.byID[traceID]
	if ok {
		ts.trace.Faults = append(ts.trace.Faults, traces.Fault{SpanID: spanID, Reason: reason})
	}
	r.mu.Unlock()

	r.metrics.fault()
	r.logger.Warn("malformed trace",
		zap.String("trace_id", traceID),
		zap.String("span_id", spanID),
		zap.String("reason", reason),
	)
}

// Snapshot returns a deep copy of every recorded trace in creation order.
// The returned trees are safe to inspect while recording continues.
func (r *Recorder) Snapshot() []*traces.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*traces.Trace, 0, len(r.order))
	for _, ts := range r.order {
		out = append(out, ts.trace.Clone())
	}
	return out
}

// Count returns the total number of spans recorded across all traces.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ts := range r.order {
		n += ts.trace.Count()
	}
	return n
}

// Reset clears all recorded state.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = nil
	r.byID = make(map[string]*traceState)
	r.metrics.reset()
}

// PendingError reports work that had not settled when a wait expired.
type PendingError struct {
	// Markers are copies of async markers no continuation claimed.
	Markers []*traces.Span
	// OpenBranches counts trace contexts still open, keyed by trace ID.
	OpenBranches map[string]int
}

func (e *PendingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved async markers", len(e.Markers))
	if n := len(e.OpenBranches); n > 0 {
		ids := make([]string, 0, n)
		for id := range e.OpenBranches {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(&b, ", open trace contexts in %s", strings.Join(ids, ","))
	}
	return b.String()
}

// Pending returns what is still outstanding, or nil when every trace has
// settled.
func (r *Recorder) Pending() *PendingError {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pe *PendingError
	for _, ts := range r.order {
		if len(ts.pending) == 0 && ts.branches == 0 {
			continue
		}
		if pe == nil {
			pe = &PendingError{OpenBranches: make(map[string]int)}
		}
		markers := make([]*traces.Span, 0, len(ts.pending))
		for m := range ts.pending {
			markers = append(markers, m.Clone())
		}
		sort.Slice(markers, func(i, j int) bool { return markers[i].SpanID < markers[j].SpanID })
		pe.Markers = append(pe.Markers, markers...)
		if ts.branches > 0 {
			pe.OpenBranches[ts.trace.ID] = ts.branches
		}
	}
	return pe
}

// Await blocks until every trace settles (no open trace contexts and no
// unclaimed markers) or timeout expires. On expiry it returns a
// *PendingError describing what was still outstanding.
func (r *Recorder) Await(ctx context.Context, timeout time.Duration) error {
	b := retry.WithMaxDuration(timeout, retry.NewConstant(r.pollInterval))
	err := retry.Do(ctx, b, func(_ context.Context) error {
		if pe := r.Pending(); pe != nil {
			return retry.RetryableError(pe)
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("recorder did not settle", zap.Duration("timeout", timeout), zap.Error(err))
	}
	return err
}
