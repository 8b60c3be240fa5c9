package scenario

import (
	"context"

	"github.com/mbeema/olly-harness/pkg/command"
)

// SayHelloCommand greets Name.
type SayHelloCommand struct {
	Name string
}

func (SayHelloCommand) Key() string { return "SayHelloCommand" }

func (c SayHelloCommand) Run(context.Context) (string, error) {
	return "Hello " + c.Name, nil
}

// ThrowExceptionCommand always fails with Err and has no fallback.
type ThrowExceptionCommand struct {
	Err error
}

func (ThrowExceptionCommand) Key() string { return "ThrowExceptionCommand" }

func (c ThrowExceptionCommand) Run(context.Context) (string, error) {
	return "", c.Err
}

// ThrowExceptionCommandWithFallback always fails with Err and recovers with
// Message.
type ThrowExceptionCommandWithFallback struct {
	Err     error
	Message string
}

func (ThrowExceptionCommandWithFallback) Key() string { return "ThrowExceptionCommandWithFallback" }

func (c ThrowExceptionCommandWithFallback) Run(context.Context) (string, error) {
	return "", c.Err
}

func (c ThrowExceptionCommandWithFallback) Fallback(context.Context, error) (string, error) {
	return c.Message, nil
}

// InvokeSayHelloCommand runs a SayHelloCommand from inside its own run, on
// the same executor.
type InvokeSayHelloCommand struct {
	Exec *command.Executor
	Name string
}

func (InvokeSayHelloCommand) Key() string { return "InvokeSayHelloCommand" }

func (c InvokeSayHelloCommand) Run(ctx context.Context) (string, error) {
	return c.Exec.Execute(ctx, SayHelloCommand{Name: c.Name})
}
