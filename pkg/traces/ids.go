// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/xid"
)

// IDGenerator hands out trace and span identifiers.
// Span IDs are snowflake IDs, so they sort in creation order within a node.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for the given snowflake node (0-1023).
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &IDGenerator{node: node}, nil
}

// TraceID returns a new globally unique trace ID.
func (g *IDGenerator) TraceID() string {
	return xid.New().String()
}

// SpanID returns a new span ID.
func (g *IDGenerator) SpanID() string {
	return g.node.Generate().String()
}

// MethodName returns a stable descriptor for a function or method expression,
// e.g. MethodName((*Executor).Queue) == "command.(*Executor).Queue".
// The import path prefix is stripped so descriptors survive module renames.
func MethodName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Sprintf("%T", fn)
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	// Method values are suffixed by the compiler.
	return strings.TrimSuffix(name, "-fm")
}
