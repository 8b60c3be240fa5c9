// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"

	"github.com/mbeema/olly-harness/pkg/traces"
)

// CallSite describes an interception point in an instrumented library.
// Dispatch marks sites that hand work to another goroutine; only those may
// create async markers.
type CallSite struct {
	ServiceType string
	Method      string
	Dispatch    bool
	Annotations []AnnotationSource
}

// AnnotationSource produces one annotation when a call site is entered.
type AnnotationSource struct {
	Key   string
	value string
	lazy  func() (string, error)
}

// Static returns a source with a fixed value.
func Static(key, value string) AnnotationSource {
	return AnnotationSource{Key: key, value: value}
}

// Lazy returns a source whose value is computed at entry. If fn fails or
// panics the annotation is omitted.
func Lazy(key string, fn func() (string, error)) AnnotationSource {
	return AnnotationSource{Key: key, lazy: fn}
}

// resolve evaluates the source. Panics are converted to errors.
func (s AnnotationSource) resolve() (v string, err error) {
	if s.lazy == nil {
		return s.value, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("annotation %s panicked: %v", s.Key, r)
		}
	}()
	return s.lazy()
}

// String renders the site the way it appears in recorded spans.
func (c CallSite) String() string {
	if c.ServiceType == "" {
		return c.Method
	}
	return c.ServiceType + " " + c.Method
}

func (c CallSite) annotations(onError func(key string, err error)) []traces.Annotation {
	if len(c.Annotations) == 0 {
		return nil
	}
	out := make([]traces.Annotation, 0, len(c.Annotations))
	for _, src := range c.Annotations {
		v, err := src.resolve()
		if err != nil {
			onError(src.Key, err)
			continue
		}
		out = append(out, traces.Annotation{Key: src.Key, Value: v})
	}
	return out
}
