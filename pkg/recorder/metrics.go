// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package recorder

import (
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes recorder activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SpansRecorded  *prometheus.CounterVec
	MarkersPending prometheus.Gauge
	OpenBranches   prometheus.Gauge
	Faults         prometheus.Counter
}

// NewMetrics creates recorder metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SpansRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olly_harness_spans_recorded_total",
			Help: "Spans appended to the recorder, by span kind.",
		}, []string{"kind"}),
		MarkersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olly_harness_async_markers_pending",
			Help: "Async boundary markers not yet claimed by a continuation.",
		}),
		OpenBranches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olly_harness_trace_contexts_open",
			Help: "Trace contexts currently mutating a recorded trace.",
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "olly_harness_trace_faults_total",
			Help: "Malformed-trace conditions detected while recording.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SpansRecorded, m.MarkersPending, m.OpenBranches, m.Faults)
	}
	return m
}

func (m *Metrics) spanRecorded(kind traces.SpanKind) {
	if m == nil {
		return
	}
	m.SpansRecorded.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) markerPending(delta float64) {
	if m == nil {
		return
	}
	m.MarkersPending.Add(delta)
}

func (m *Metrics) branchOpen(delta float64) {
	if m == nil {
		return
	}
	m.OpenBranches.Add(delta)
}

func (m *Metrics) fault() {
	if m == nil {
		return
	}
	m.Faults.Inc()
}

func (m *Metrics) reset() {
	if m == nil {
		return
	}
	m.MarkersPending.Set(0)
	m.OpenBranches.Set(0)
}
