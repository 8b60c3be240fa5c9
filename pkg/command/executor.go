// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package command is a Hystrix-style command executor. Commands are queued
// onto a worker pool; a failed run is followed by a fallback execution. Every
// stage is reported through a hook.Interceptor.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbeema/olly-harness/pkg/agent"
	"github.com/mbeema/olly-harness/pkg/hook"
	"github.com/mbeema/olly-harness/pkg/traces"
	"go.uber.org/zap"
)

// Service types reported for command spans.
const (
	ServiceTypeCommand  = "HYSTRIX_COMMAND"
	ServiceTypeInternal = "HYSTRIX_COMMAND_INTERNAL"
)

// Annotation keys.
const (
	AnnotationCommand       = "hystrix.command"
	AnnotationExecution     = "hystrix.command.execution"
	AnnotationFallbackCause = "hystrix.command.fallback.cause"
)

// Method descriptors of the intercepted stages. They are derived from the
// methods that report them, so they are assigned in init.
var (
	QueueMethod    string
	RunMethod      string
	FallbackMethod string
)

func init() {
	QueueMethod = traces.MethodName((*Executor).Queue)
	RunMethod = traces.MethodName((*execution).run)
	FallbackMethod = traces.MethodName((*execution).fallback)
}

// ErrNoFallback is returned when a command fails and has no fallback.
var ErrNoFallback = errors.New("no fallback available")

// Command is a unit of work executed by an Executor.
type Command interface {
	// Key names the command, e.g. "SayHelloCommand".
	Key() string
	Run(ctx context.Context) (string, error)
}

// Fallbacker is implemented by commands that can recover from a failed run.
type Fallbacker interface {
	Fallback(ctx context.Context, cause error) (string, error)
}

// Executor dispatches commands onto a pool.
type Executor struct {
	pool   *Pool
	ic     *hook.Interceptor
	logger *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(pool *Pool, ic *hook.Interceptor, logger *zap.Logger) *Executor {
	return &Executor{pool: pool, ic: ic, logger: logger}
}

// Future is the pending result of a queued command.
type Future struct {
	done  chan struct{}
	value string
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(v string, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Get waits for the command to finish.
func (f *Future) Get(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Execute queues cmd and waits for its result.
func (e *Executor) Execute(ctx context.Context, cmd Command) (string, error) {
	return e.Queue(ctx, cmd).Get(ctx)
}

// Queue dispatches cmd to the pool and returns immediately.
func (e *Executor) Queue(ctx context.Context, cmd Command) *Future {
	f := newFuture()
	qctx, inv := e.ic.Enter(ctx, hook.CallSite{
		ServiceType: ServiceTypeCommand,
		Method:      QueueMethod,
		Dispatch:    true,
		Annotations: []hook.AnnotationSource{hook.Static(AnnotationCommand, cmd.Key())},
	})
	defer inv.Exit(nil)

	ex := &execution{e: e, cmd: cmd, dispatch: inv, future: f}
	base := agent.Detach(context.WithoutCancel(ctx))
	capsule := inv.Defer()
	err := e.pool.Submit(qctx, func() { ex.run(base, capsule) })
	if err != nil {
		err = fmt.Errorf("queue %s: %w", cmd.Key(), err)
		// The continuation never runs. Its marker stays unclaimed and the
		// trace carries a fault.
		e.ic.Abandon(capsule, err)
		f.complete("", err)
		e.logger.Warn("command rejected", zap.String("command", cmd.Key()), zap.Error(err))
	}
	return f
}

// execution carries one queued command through run and fallback.
type execution struct {
	e        *Executor
	cmd      Command
	dispatch *hook.Invocation
	future   *Future
}

func (x *execution) run(ctx context.Context, capsule *agent.Capsule) {
	ic := x.e.ic
	wctx := ic.Resume(ctx, capsule)

	rctx, inv := ic.Enter(wctx, hook.CallSite{
		ServiceType: ServiceTypeInternal,
		Method:      RunMethod,
		Annotations: []hook.AnnotationSource{hook.Static(AnnotationExecution, "run")},
	})
	v, err := x.cmd.Run(rctx)
	inv.Exit(err)

	if err == nil {
		ic.Release(wctx)
		x.future.complete(v, nil)
		return
	}

	// Defer the fallback before releasing so the trace never looks settled.
	next := x.dispatch.Defer()
	ic.Release(wctx)
	x.fallback(ctx, next, err)
}

func (x *execution) fallback(ctx context.Context, capsule *agent.Capsule, cause error) {
	ic := x.e.ic
	fctx := ic.Resume(ctx, capsule)
	defer ic.Release(fctx)

	fctx, inv := ic.Enter(fctx, hook.CallSite{
		ServiceType: ServiceTypeInternal,
		Method:      FallbackMethod,
		Annotations: []hook.AnnotationSource{
			hook.Static(AnnotationExecution, "fallback"),
			hook.Lazy(AnnotationFallbackCause, func() (string, error) {
				return cause.Error(), nil
			}),
		},
	})

	fb, ok := x.cmd.(Fallbacker)
	if !ok {
		err := fmt.Errorf("%s failed: %w: %w", x.cmd.Key(), cause, ErrNoFallback)
		inv.Exit(ErrNoFallback)
		x.future.complete("", err)
		return
	}
	v, err := fb.Fallback(fctx, cause)
	inv.Exit(err)
	if err != nil {
		err = fmt.Errorf("%s fallback failed: %w", x.cmd.Key(), err)
	}
	x.future.complete(v, err)
}
