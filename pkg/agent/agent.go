// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent turns interceptor notifications into recorded spans and
// carries the logical trace context across asynchronous dispatch boundaries.
package agent

import (
	"context"
	"fmt"

	"github.com/mbeema/olly-harness/pkg/recorder"
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Agent creates spans for intercepted calls and appends them to a recorder.
// It holds no per-request state; that lives in the TraceContext bound to each
// context.Context.
type Agent struct {
	rec    *recorder.Recorder
	logger *zap.Logger
	clock  clockz.Clock
	ids    *traces.IDGenerator
	nodeID int64
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock replaces the wall clock used for span timestamps.
func WithClock(c clockz.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithNodeID sets the snowflake node used for span IDs (0-1023).
func WithNodeID(id int64) Option {
	return func(a *Agent) { a.nodeID = id }
}

// New creates an agent recording into rec.
func New(rec *recorder.Recorder, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if rec == nil {
		return nil, fmt.Errorf("agent: nil recorder")
	}
	a := &Agent{
		rec:    rec,
		logger: logger,
		clock:  clockz.RealClock,
		nodeID: 1,
	}
	for _, opt := range opts {
		opt(a)
	}

	ids, err := traces.NewIDGenerator(a.nodeID)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	a.ids = ids
	return a, nil
}

// Recorder returns the recorder the agent appends to.
func (a *Agent) Recorder() *recorder.Recorder {
	return a.rec
}

// Call describes one intercepted invocation.
type Call struct {
	ServiceType string
	Method      string
	Annotations []traces.Annotation
}

// SpanHandle is returned by BeginSpan and must be passed to EndSpan.
// A handle with no span is inert; EndSpan ignores it.
type SpanHandle struct {
	tc   *TraceContext
	span *traces.Span
}

// SpanID returns the recorded span's ID, or "" for an inert handle.
func (h *SpanHandle) SpanID() string {
	if h == nil || h.span == nil {
		return ""
	}
	return h.span.SpanID
}

// BeginSpan opens a span for call. The span becomes a child of the innermost
// open span in ctx; in a resumed branch with nothing open it becomes a child
// of the branch's async marker; otherwise it starts a new trace.
//
// The returned context carries the trace context and must be used for any
// nested calls.
func (a *Agent) BeginSpan(ctx context.Context, call Call) (context.Context, *SpanHandle) {
	tc := FromContext(ctx)
	if tc != nil && tc.released.Load() {
		a.rec.Fault(tc.traceID, "", "span begun on a released trace context")
		tc = nil
	}
	if tc == nil || tc.ended {
		return a.beginTrace(ctx, call)
	}

	if !tc.acquire() {
		a.rec.Fault(tc.traceID, "", "concurrent use of trace context in BeginSpan")
		return ctx, &SpanHandle{}
	}
	defer tc.release()

	parent := tc.top()
	if parent == nil {
		parent = tc.base
	}
	if parent == nil {
		// Root branch that closed its last span but was not yet marked ended.
		return a.beginTrace(ctx, call)
	}

	span := a.newSpan(tc.traceID, traces.SpanKindInternalCall, call)
	if err := a.rec.Append(parent, span); err != nil {
		a.rec.Fault(tc.traceID, span.SpanID, err.Error())
		return ctx, &SpanHandle{}
	}
	tc.push(span)
	return ctx, &SpanHandle{tc: tc, span: span}
}

func (a *Agent) beginTrace(ctx context.Context, call Call) (context.Context, *SpanHandle) {
	traceID := a.ids.TraceID()
	span := a.newSpan(traceID, traces.SpanKindRootCall, call)
	if err := a.rec.Append(nil, span); err != nil {
		a.logger.Warn("failed to start trace", zap.String("method", call.Method), zap.Error(err))
		return ctx, &SpanHandle{}
	}
	a.rec.BeginBranch(traceID)

	tc := &TraceContext{agent: a, traceID: traceID}
	tc.push(span)
	a.logger.Debug("trace started",
		zap.String("trace_id", traceID),
		zap.String("method", call.Method),
	)
	return withTraceContext(ctx, tc), &SpanHandle{tc: tc, span: span}
}

func (a *Agent) newSpan(traceID string, kind traces.SpanKind, call Call) *traces.Span {
	span := &traces.Span{
		TraceID:     traceID,
		SpanID:      a.ids.SpanID(),
		Kind:        kind,
		ServiceType: call.ServiceType,
		Name:        call.Method,
		StartTime:   a.clock.Now(),
		TID:         gettid(),
	}
	for _, ann := range call.Annotations {
		span.SetAnnotation(ann.Key, ann.Value)
	}
	return span
}

// EndSpan closes the span behind h. A non-nil err is recorded as the span's
// exception annotation. Misuse (closing out of order, twice, or on a released
// context) is recorded as a trace fault and never reported to the caller.
func (a *Agent) EndSpan(h *SpanHandle, err error) {
	if h == nil || h.span == nil {
		return
	}
	tc := h.tc
	if tc.released.Load() {
		a.rec.Fault(tc.traceID, h.span.SpanID, "span closed on a released trace context")
		return
	}
	if !tc.acquire() {
		a.rec.Fault(tc.traceID, h.span.SpanID, "concurrent use of trace context in EndSpan")
		return
	}
	defer tc.release()

	switch idx := tc.indexOf(h.span); {
	case idx < 0:
		a.rec.Fault(tc.traceID, h.span.SpanID, "span closed twice")
		return
	case idx != len(tc.stack)-1:
		a.rec.Fault(tc.traceID, h.span.SpanID,
			fmt.Sprintf("span %s closed out of order", h.span.Name))
		tc.remove(idx)
	default:
		tc.pop()
	}

	if cerr := a.rec.Close(h.span, a.clock.Now(), err); cerr != nil {
		a.rec.Fault(tc.traceID, h.span.SpanID, cerr.Error())
	}

	if tc.base == nil && len(tc.stack) == 0 && !tc.ended {
		tc.ended = true
		a.rec.EndBranch(tc.traceID)
	}
}

// Annotate adds an annotation to the span behind h.
func (a *Agent) Annotate(h *SpanHandle, key, value string) {
	if h == nil || h.span == nil {
		return
	}
	a.rec.Annotate(h.span, key, value)
}
