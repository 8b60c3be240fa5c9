// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package scenario holds the built-in command workloads and the trace
// patterns they must produce.
package scenario

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/mbeema/olly-harness/pkg/command"
	"github.com/mbeema/olly-harness/pkg/expect"
)

//go:embed patterns/*.yaml
var patternFS embed.FS

const greetName = "Pinpoint"

// ErrExpected is the error the failing fixture commands return.
var ErrExpected = errors.New("expected")

// fallbackMessage is what ThrowExceptionCommandWithFallback recovers with.
const fallbackMessage = "Fallback"

// Scenario is one workload plus the pattern its trace must match.
type Scenario struct {
	Name        string
	Description string
	// Workload drives the executor and checks the command results.
	Workload func(ctx context.Context, exec *command.Executor) error
}

var registry = map[string]Scenario{
	"sync": {
		Name:        "sync",
		Description: "Execute a greeting command",
		Workload: func(ctx context.Context, exec *command.Executor) error {
			v, err := exec.Execute(ctx, SayHelloCommand{Name: greetName})
			return wantValue(v, err, "Hello "+greetName)
		},
	},
	"async": {
		Name:        "async",
		Description: "Queue a greeting command and wait on its future",
		Workload: func(ctx context.Context, exec *command.Executor) error {
			f := exec.Queue(ctx, SayHelloCommand{Name: greetName})
			v, err := f.Get(ctx)
			return wantValue(v, err, "Hello "+greetName)
		},
	},
	"exception": {
		Name:        "exception",
		Description: "Execute a failing command that has no fallback",
		Workload: func(ctx context.Context, exec *command.Executor) error {
			_, err := exec.Execute(ctx, ThrowExceptionCommand{Err: ErrExpected})
			if !errors.Is(err, ErrExpected) || !errors.Is(err, command.ErrNoFallback) {
				return fmt.Errorf("want %v wrapped with %v, got %v", ErrExpected, command.ErrNoFallback, err)
			}
			return nil
		},
	},
	"exception-with-fallback": {
		Name:        "exception-with-fallback",
		Description: "Execute a failing command that recovers through its fallback",
		Workload: func(ctx context.Context, exec *command.Executor) error {
			v, err := exec.Execute(ctx, ThrowExceptionCommandWithFallback{Err: ErrExpected, Message: fallbackMessage})
			return wantValue(v, err, fallbackMessage)
		},
	},
	"continuation": {
		Name:        "continuation",
		Description: "Execute a command whose run executes a nested command",
		Workload: func(ctx context.Context, exec *command.Executor) error {
			v, err := exec.Execute(ctx, InvokeSayHelloCommand{Exec: exec, Name: greetName})
			return wantValue(v, err, "Hello "+greetName)
		},
	},
}

func wantValue(got string, err error, want string) error {
	if err != nil {
		return fmt.Errorf("workload: %w", err)
	}
	if got != want {
		return fmt.Errorf("workload returned %q, want %q", got, want)
	}
	return nil
}

// Names returns every scenario name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the named scenario.
func Get(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

// PatternVars are the ${name} references available to pattern files.
func PatternVars() map[string]string {
	return map[string]string{
		"queue":    command.QueueMethod,
		"run":      command.RunMethod,
		"fallback": command.FallbackMethod,
		"cause":    ErrExpected.Error(),
	}
}

// Pattern loads the embedded pattern for the named scenario.
func Pattern(name string) (*expect.Pattern, error) {
	data, err := patternFS.ReadFile("patterns/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", name, err)
	}
	return expect.Parse(data, PatternVars())
}
