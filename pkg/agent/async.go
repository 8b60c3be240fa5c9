// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mbeema/olly-harness/pkg/traces"
	"go.uber.org/zap"
)

// ErrCapsuleClaimed is returned by Resume when the capsule was already
// resumed by another continuation.
var ErrCapsuleClaimed = errors.New("capsule already claimed")

// Anchor pins a dispatch span so that async markers can be created under it
// after it has closed. A dispatcher that schedules a second continuation
// later (a fallback, say) defers it from the same anchor.
type Anchor struct {
	agent   *Agent
	traceID string
	span    *traces.Span
}

// Anchor returns an anchor on the innermost open span in ctx. In a resumed
// branch with nothing open, the branch's marker is anchored. Returns nil when
// ctx carries no trace.
func (a *Agent) Anchor(ctx context.Context) *Anchor {
	tc := FromContext(ctx)
	if tc == nil || tc.released.Load() {
		return nil
	}
	if !tc.acquire() {
		a.rec.Fault(tc.traceID, "", "concurrent use of trace context in Anchor")
		return nil
	}
	defer tc.release()

	span := tc.top()
	if span == nil {
		span = tc.base
	}
	if span == nil {
		return nil
	}
	return &Anchor{agent: a, traceID: tc.traceID, span: span}
}

// SpanID returns the ID of the anchored dispatch span.
func (an *Anchor) SpanID() string {
	if an == nil {
		return ""
	}
	return an.span.SpanID
}

// Defer creates an async marker under the anchored span and returns the
// capsule that carries it to the continuation. Safe to call from any
// goroutine. Markers appear in creation order.
func (an *Anchor) Defer() *Capsule {
	if an == nil {
		return nil
	}
	a := an.agent
	marker := &traces.Span{
		TraceID:     an.traceID,
		SpanID:      a.ids.SpanID(),
		Kind:        traces.SpanKindAsyncMarker,
		ServiceType: traces.ServiceTypeAsync,
		Name:        traces.AsyncMarkerName,
		StartTime:   a.clock.Now(),
	}
	if err := a.rec.Append(an.span, marker); err != nil {
		a.rec.Fault(an.traceID, marker.SpanID, fmt.Sprintf("defer: %v", err))
		return nil
	}
	if err := a.rec.RegisterMarker(marker); err != nil {
		a.rec.Fault(an.traceID, marker.SpanID, fmt.Sprintf("defer: %v", err))
		return nil
	}
	a.logger.Debug("async marker created",
		zap.String("trace_id", an.traceID),
		zap.String("dispatch_span", an.span.SpanID),
		zap.String("marker", marker.SpanID),
	)
	return &Capsule{agent: a, traceID: an.traceID, marker: marker}
}

// DeferAndCapture anchors the innermost open span in ctx and creates one
// async marker under it. Returns nil when nothing is open.
func (a *Agent) DeferAndCapture(ctx context.Context) *Capsule {
	return a.Anchor(ctx).Defer()
}

// Capsule carries a captured trace context across an async boundary. It owns
// exactly one marker and may be resumed once.
type Capsule struct {
	agent   *Agent
	traceID string
	marker  *traces.Span
	claimed atomic.Bool
}

// TraceID returns the trace the capsule belongs to.
func (c *Capsule) TraceID() string {
	if c == nil {
		return ""
	}
	return c.traceID
}

// MarkerID returns the span ID of the capsule's async marker.
func (c *Capsule) MarkerID() string {
	if c == nil {
		return ""
	}
	return c.marker.SpanID
}

// Resume installs a new branch rooted at the capsule's marker and returns a
// context carrying it. The calling OS thread is recorded on the marker.
// A nil capsule resumes nothing and returns ctx unchanged.
func (a *Agent) Resume(ctx context.Context, c *Capsule) (context.Context, error) {
	if c == nil {
		return ctx, nil
	}
	if !c.claimed.CompareAndSwap(false, true) {
		a.rec.Fault(c.traceID, c.marker.SpanID, "capsule resumed twice")
		return ctx, ErrCapsuleClaimed
	}

	// Open the branch before claiming so the trace never looks settled in
	// between.
	a.rec.BeginBranch(c.traceID)
	if err := a.rec.ClaimMarker(c.marker, gettid()); err != nil {
		a.rec.Fault(c.traceID, c.marker.SpanID, err.Error())
	}

	tc := &TraceContext{agent: a, traceID: c.traceID, base: c.marker}
	return withTraceContext(ctx, tc), nil
}

// Abandon settles a capsule whose continuation will never run, for example
// because the dispatch was rejected. The marker is closed without being
// claimed and cause is recorded as a fault, so verification fails.
func (a *Agent) Abandon(c *Capsule, cause error) error {
	if c == nil {
		return nil
	}
	if !c.claimed.CompareAndSwap(false, true) {
		return ErrCapsuleClaimed
	}
	reason := "continuation never ran"
	if cause != nil {
		reason = fmt.Sprintf("continuation never ran: %v", cause)
	}
	return a.rec.AbandonMarker(c.marker, a.clock.Now(), reason)
}

// Release ends the branch bound to ctx. Spans still open are closed and
// reported as faults. A resumed branch also closes its marker.
func (a *Agent) Release(ctx context.Context) {
	tc := FromContext(ctx)
	if tc == nil {
		return
	}
	if tc.released.Swap(true) {
		return
	}
	if !tc.acquire() {
		a.rec.Fault(tc.traceID, "", "concurrent use of trace context in Release")
	} else {
		defer tc.release()
	}

	now := a.clock.Now()
	for s := tc.pop(); s != nil; s = tc.pop() {
		a.rec.Fault(tc.traceID, s.SpanID, fmt.Sprintf("span %s left open at release", s.Name))
		if err := a.rec.Close(s, now, nil); err != nil {
			a.rec.Fault(tc.traceID, s.SpanID, err.Error())
		}
	}

	if tc.base != nil {
		if err := a.rec.Close(tc.base, now, nil); err != nil {
			a.rec.Fault(tc.traceID, tc.base.SpanID, err.Error())
		}
		a.rec.EndBranch(tc.traceID)
		return
	}
	if !tc.ended {
		tc.ended = true
		a.rec.EndBranch(tc.traceID)
	}
}
