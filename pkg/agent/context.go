// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"sync/atomic"

	"github.com/mbeema/olly-harness/pkg/traces"
)

// TraceContext is one branch of a logical trace: the root branch started by
// the first intercepted call, or a branch resumed from a Capsule on another
// goroutine. A branch has a single owner. The busy flag only detects misuse;
// it does not serialize callers.
type TraceContext struct {
	agent   *Agent
	traceID string

	// base is the async marker a resumed branch hangs from; nil for the root
	// branch.
	base  *traces.Span
	stack []*traces.Span

	busy     atomic.Bool
	released atomic.Bool

	// ended is set once the root branch's last span closed.
	ended bool
}

type traceContextKey struct{}

// FromContext returns the trace context bound to ctx, or nil.
func FromContext(ctx context.Context) *TraceContext {
	if ctx == nil {
		return nil
	}
	tc, _ := ctx.Value(traceContextKey{}).(*TraceContext)
	return tc
}

// Detach returns a context carrying ctx's values but no trace context.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceContextKey{}, (*TraceContext)(nil))
}

func withTraceContext(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// TraceID returns the ID of the trace this branch belongs to.
func (tc *TraceContext) TraceID() string {
	return tc.traceID
}

// Resumed reports whether the branch was resumed from a capsule.
func (tc *TraceContext) Resumed() bool {
	return tc.base != nil
}

// Depth returns the number of spans currently open in the branch.
func (tc *TraceContext) Depth() int {
	return len(tc.stack)
}

func (tc *TraceContext) acquire() bool {
	return tc.busy.CompareAndSwap(false, true)
}

func (tc *TraceContext) release() {
	tc.busy.Store(false)
}

func (tc *TraceContext) push(s *traces.Span) {
	tc.stack = append(tc.stack, s)
}

func (tc *TraceContext) pop() *traces.Span {
	n := len(tc.stack)
	if n == 0 {
		return nil
	}
	s := tc.stack[n-1]
	tc.stack[n-1] = nil
	tc.stack = tc.stack[:n-1]
	return s
}

func (tc *TraceContext) top() *traces.Span {
	if len(tc.stack) == 0 {
		return nil
	}
	return tc.stack[len(tc.stack)-1]
}

func (tc *TraceContext) indexOf(s *traces.Span) int {
	for i := len(tc.stack) - 1; i >= 0; i-- {
		if tc.stack[i] == s {
			return i
		}
	}
	return -1
}

func (tc *TraceContext) remove(i int) {
	tc.stack = append(tc.stack[:i], tc.stack[i+1:]...)
}
