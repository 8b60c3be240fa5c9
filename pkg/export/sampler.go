// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"github.com/cespare/xxhash/v2"
	"github.com/mbeema/olly-harness/pkg/traces"
)

// Sampler implements deterministic trace sampling before export.
// The decision hashes the trace ID, so a trace is either exported to every
// exporter or to none.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler creates a sampler with the given rate (0.0-1.0).
// Rate of 1.0 means keep all traces. Rate of 0.0 means drop all.
func NewSampler(rate float64) *Sampler {
	if rate <= 0 {
		return &Sampler{rate: 0, threshold: 0}
	}
	if rate >= 1.0 {
		return &Sampler{rate: 1.0, threshold: ^uint64(0)}
	}
	return &Sampler{
		rate:      rate,
		threshold: uint64(rate * float64(^uint64(0))),
	}
}

// ShouldSample returns true if the trace should be kept.
func (s *Sampler) ShouldSample(traceID string, isError bool) bool {
	// Always keep errors
	if isError || s.rate >= 1.0 {
		return true
	}
	if s.rate <= 0 || traceID == "" {
		return false
	}
	return xxhash.Sum64String(traceID) <= s.threshold
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}

// Filter returns the traces in trs that should be kept. Traces with an
// errored span or a recording fault are always kept.
func (s *Sampler) Filter(trs []*traces.Trace) []*traces.Trace {
	if s.rate >= 1.0 {
		return trs
	}
	kept := make([]*traces.Trace, 0, len(trs))
	for _, t := range trs {
		if s.ShouldSample(t.ID, hasError(t)) {
			kept = append(kept, t)
		}
	}
	return kept
}

func hasError(t *traces.Trace) bool {
	if len(t.Faults) > 0 {
		return true
	}
	errored := false
	t.Root.Walk(func(s *traces.Span, _ int) bool {
		if s.Status == traces.StatusError {
			errored = true
		}
		return !errored
	})
	return errored
}
