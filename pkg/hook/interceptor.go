// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook is the in-process interception API instrumented libraries call
// at method entry, exit and async dispatch.
package hook

import (
	"context"
	"sync/atomic"

	"github.com/mbeema/olly-harness/pkg/agent"
	"go.uber.org/zap"
)

// Callbacks observe interceptor activity. Any field may be nil.
type Callbacks struct {
	OnEnter  func(site CallSite, spanID string)
	OnExit   func(site CallSite, err error)
	OnDefer  func(site CallSite, markerID string)
	OnResume func(traceID, markerID string)
}

// Interceptor forwards call-site notifications to the agent. Tracing failures
// are logged and swallowed; the instrumented call never sees them.
type Interceptor struct {
	agent     *agent.Agent
	logger    *zap.Logger
	callbacks Callbacks
	enabled   atomic.Bool
}

// NewInterceptor creates an interceptor with tracing enabled.
func NewInterceptor(a *agent.Agent, callbacks Callbacks, logger *zap.Logger) *Interceptor {
	ic := &Interceptor{
		agent:     a,
		logger:    logger,
		callbacks: callbacks,
	}
	ic.enabled.Store(true)
	return ic
}

// EnableTracing activates tracing.
func (ic *Interceptor) EnableTracing() { ic.enabled.Store(true) }

// DisableTracing makes every call site pass-through.
func (ic *Interceptor) DisableTracing() { ic.enabled.Store(false) }

// IsTracingEnabled returns the current tracing state.
func (ic *Interceptor) IsTracingEnabled() bool { return ic.enabled.Load() }

// Agent returns the agent behind the interceptor.
func (ic *Interceptor) Agent() *agent.Agent { return ic.agent }

// Invocation is one entered call site. Exit must be called exactly once.
type Invocation struct {
	ic     *Interceptor
	site   CallSite
	handle *agent.SpanHandle
	anchor *agent.Anchor
	exited atomic.Bool
}

// Enter notifies the interceptor that site was entered. The returned context
// must be passed to nested calls.
func (ic *Interceptor) Enter(ctx context.Context, site CallSite) (context.Context, *Invocation) {
	inv := &Invocation{ic: ic, site: site}
	if !ic.enabled.Load() {
		return ctx, inv
	}

	out := ctx
	ic.guard("enter", func() {
		call := agent.Call{
			ServiceType: site.ServiceType,
			Method:      site.Method,
			Annotations: site.annotations(func(key string, err error) {
				ic.logger.Warn("annotation omitted",
					zap.String("method", site.Method),
					zap.String("key", key),
					zap.Error(err),
				)
			}),
		}
		out, inv.handle = ic.agent.BeginSpan(ctx, call)
		if site.Dispatch {
			inv.anchor = ic.agent.Anchor(out)
		}
	})
	if cb := ic.callbacks.OnEnter; cb != nil {
		cb(site, inv.handle.SpanID())
	}
	return out, inv
}

// Defer creates an async marker under this invocation's span and returns the
// capsule the continuation must resume. It may be called after Exit. Returns
// nil for non-dispatch sites and when tracing is off.
func (inv *Invocation) Defer() *agent.Capsule {
	if inv == nil || inv.anchor == nil {
		if inv != nil && !inv.site.Dispatch {
			inv.ic.logger.Debug("defer on non-dispatch call site", zap.String("method", inv.site.Method))
		}
		return nil
	}
	var c *agent.Capsule
	inv.ic.guard("defer", func() {
		c = inv.anchor.Defer()
	})
	if cb := inv.ic.callbacks.OnDefer; cb != nil && c != nil {
		cb(inv.site, c.MarkerID())
	}
	return c
}

// Exit notifies the interceptor that the call returned with err.
func (inv *Invocation) Exit(err error) {
	if inv == nil || inv.exited.Swap(true) {
		return
	}
	inv.ic.guard("exit", func() {
		inv.ic.agent.EndSpan(inv.handle, err)
	})
	if cb := inv.ic.callbacks.OnExit; cb != nil {
		cb(inv.site, err)
	}
}

// SpanID returns the recorded span's ID, or "" when nothing was recorded.
func (inv *Invocation) SpanID() string {
	if inv == nil {
		return ""
	}
	return inv.handle.SpanID()
}

// Resume binds the continuation carried by c to ctx. Must be paired with
// Release on the returned context.
func (ic *Interceptor) Resume(ctx context.Context, c *agent.Capsule) context.Context {
	if c == nil {
		return ctx
	}
	out := ctx
	ic.guard("resume", func() {
		var err error
		out, err = ic.agent.Resume(ctx, c)
		if err != nil {
			ic.logger.Warn("resume failed", zap.String("marker", c.MarkerID()), zap.Error(err))
		}
	})
	if cb := ic.callbacks.OnResume; cb != nil {
		cb(c.TraceID(), c.MarkerID())
	}
	return out
}

// Abandon settles a capsule that will never be resumed. cause is recorded
// against the trace.
func (ic *Interceptor) Abandon(c *agent.Capsule, cause error) {
	if c == nil {
		return
	}
	ic.guard("abandon", func() {
		if err := ic.agent.Abandon(c, cause); err != nil {
			ic.logger.Warn("abandon failed", zap.String("marker", c.MarkerID()), zap.Error(err))
		}
	})
}

// Release ends the continuation bound to ctx. Contexts that were not
// resumed from a capsule are left alone.
func (ic *Interceptor) Release(ctx context.Context) {
	if tc := agent.FromContext(ctx); tc == nil || !tc.Resumed() {
		return
	}
	ic.guard("release", func() {
		ic.agent.Release(ctx)
	})
}

func (ic *Interceptor) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ic.logger.Error("tracing panic recovered",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
