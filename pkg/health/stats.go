// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters for the harness.
type Stats struct {
	startTime time.Time

	ScenariosRun    atomic.Int64
	ScenariosPassed atomic.Int64
	ScenariosFailed atomic.Int64
	TracesExported  atomic.Int64
	ExportFailures  atomic.Int64

	mu   sync.Mutex
	last map[string]Result
	proc *process.Process
}

// Result is the outcome of the most recent run of one scenario.
type Result struct {
	Scenario string    `json:"scenario"`
	Passed   bool      `json:"passed"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
	Duration string    `json:"duration"`
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{
		startTime: time.Now(),
		last:      make(map[string]Result),
	}
	// Process metrics are best effort; a nil proc reports zero.
	s.proc, _ = process.NewProcess(int32(os.Getpid()))
	return s
}

// Uptime returns harness uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// RecordScenario counts one scenario run and keeps it as that scenario's
// latest result.
func (s *Stats) RecordScenario(name string, took time.Duration, err error) {
	s.ScenariosRun.Add(1)
	r := Result{Scenario: name, Passed: err == nil, At: time.Now(), Duration: took.String()}
	if err != nil {
		s.ScenariosFailed.Add(1)
		r.Error = err.Error()
	} else {
		s.ScenariosPassed.Add(1)
	}

	s.mu.Lock()
	s.last[name] = r
	s.mu.Unlock()
}

// Results returns the latest result of every scenario, sorted by name.
func (s *Stats) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scenario < out[j].Scenario })
	return out
}

// Result returns the latest result of the named scenario.
func (s *Stats) Result(name string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[name]
	return r, ok
}

// Failing reports whether the latest run of any scenario failed.
func (s *Stats) Failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.last {
		if !r.Passed {
			return true
		}
	}
	return false
}

func (s *Stats) rssBytes() float64 {
	if s.proc == nil {
		return 0
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(mem.RSS)
}

func (s *Stats) numThreads() float64 {
	if s.proc == nil {
		return 0
	}
	n, err := s.proc.NumThreads()
	if err != nil {
		return 0
	}
	return float64(n)
}

// Register exposes the stats on reg.
func (s *Stats) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
	}

	collectors := []prometheus.Collector{
		gauge("olly_harness_uptime_seconds", "Harness uptime in seconds", func() float64 { return s.Uptime().Seconds() }),
		gauge("olly_harness_goroutines", "Number of goroutines", func() float64 { return float64(runtime.NumGoroutine()) }),
		gauge("olly_harness_memory_rss_bytes", "Resident set size of the harness process", s.rssBytes),
		gauge("olly_harness_os_threads", "OS threads of the harness process", s.numThreads),
		counter("olly_harness_scenarios_run_total", "Scenario runs", &s.ScenariosRun),
		counter("olly_harness_scenarios_passed_total", "Scenario runs that verified", &s.ScenariosPassed),
		counter("olly_harness_scenarios_failed_total", "Scenario runs that failed verification", &s.ScenariosFailed),
		counter("olly_harness_traces_exported_total", "Recorded traces handed to exporters", &s.TracesExported),
		counter("olly_harness_export_failures_total", "Export batches that failed after retries", &s.ExportFailures),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
