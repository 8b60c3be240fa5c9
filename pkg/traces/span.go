// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"time"
)

// SpanKind identifies the role of a span inside a recorded trace.
type SpanKind int

const (
	SpanKindRootCall SpanKind = iota
	SpanKindInternalCall
	SpanKindAsyncMarker
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindRootCall:
		return "ROOT_CALL"
	case SpanKindAsyncMarker:
		return "ASYNC_MARKER"
	default:
		return "INTERNAL_CALL"
	}
}

// StatusCode represents the span status.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

const (
	// AsyncMarkerName is the identity every async boundary marker carries.
	AsyncMarkerName = "Asynchronous Invocation"

	// ServiceTypeAsync is the service type of async boundary markers.
	ServiceTypeAsync = "ASYNC"

	// AnnotationException holds the description of the error that closed a span.
	AnnotationException = "exception"
)

// Annotation is a single key/value pair recorded on a span.
type Annotation struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Span is one recorded unit of traced execution.
//
// Spans are owned by the recorder once appended; callers mutate them only
// through recorder methods so that snapshots never observe a torn span.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Kind         SpanKind
	ServiceType  string
	Name         string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Status       StatusCode
	StatusMsg    string

	// TID is the OS thread that executed the span (0 when unknown).
	TID int

	// Claimed is set on async markers once a continuation resumed them.
	Claimed bool

	Annotations []Annotation
	Children    []*Span
}

// Ended reports whether the span has been closed.
func (s *Span) Ended() bool {
	return !s.EndTime.IsZero()
}

// End marks the span as complete at the given time.
func (s *Span) End(at time.Time) {
	s.EndTime = at
	s.Duration = s.EndTime.Sub(s.StartTime)
	if s.Status == StatusUnset {
		s.Status = StatusOK
	}
}

// SetAnnotation sets an annotation, replacing the value in place when the key
// already exists so that keys stay unique within a span.
func (s *Span) SetAnnotation(key, value string) {
	for i := range s.Annotations {
		if s.Annotations[i].Key == key {
			s.Annotations[i].Value = value
			return
		}
	}
	s.Annotations = append(s.Annotations, Annotation{Key: key, Value: value})
}

// Annotation returns the value recorded for key.
func (s *Span) Annotation(key string) (string, bool) {
	for _, a := range s.Annotations {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetError marks the span as errored and records the reserved exception
// annotation.
func (s *Span) SetError(msg string) {
	s.Status = StatusError
	s.StatusMsg = msg
	s.SetAnnotation(AnnotationException, msg)
}

// IsMarker reports whether the span is an async boundary marker.
func (s *Span) IsMarker() bool {
	return s.Kind == SpanKindAsyncMarker
}

// Clone returns a deep copy of the span and its subtree.
func (s *Span) Clone() *Span {
	if s == nil {
		return nil
	}
	c := *s
	if s.Annotations != nil {
		c.Annotations = make([]Annotation, len(s.Annotations))
		copy(c.Annotations, s.Annotations)
	}
	if s.Children != nil {
		c.Children = make([]*Span, len(s.Children))
		for i, child := range s.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Walk visits the span and every descendant in depth-first pre-order.
// Returning false from fn stops descending below that span.
func (s *Span) Walk(fn func(span *Span, depth int) bool) {
	s.walk(fn, 0)
}

func (s *Span) walk(fn func(*Span, int) bool, depth int) {
	if s == nil {
		return
	}
	if !fn(s, depth) {
		return
	}
	for _, child := range s.Children {
		child.walk(fn, depth+1)
	}
}

// Count returns the number of spans in the subtree rooted at s, s included.
func (s *Span) Count() int {
	n := 0
	s.Walk(func(*Span, int) bool {
		n++
		return true
	})
	return n
}

// Trace is the full tree of spans rooted at one logical external call.
type Trace struct {
	ID     string
	Root   *Span
	Faults []Fault
}

// Fault describes a malformed-trace condition detected while recording.
type Fault struct {
	SpanID string
	Reason string
}

// Count returns the number of spans recorded in the trace.
func (t *Trace) Count() int {
	if t == nil || t.Root == nil {
		return 0
	}
	return t.Root.Count()
}

// Clone returns a deep copy of the trace.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	c := &Trace{ID: t.ID, Root: t.Root.Clone()}
	if t.Faults != nil {
		c.Faults = make([]Fault, len(t.Faults))
		copy(c.Faults, t.Faults)
	}
	return c
}
