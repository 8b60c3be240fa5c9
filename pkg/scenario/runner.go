// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mbeema/olly-harness/pkg/agent"
	"github.com/mbeema/olly-harness/pkg/command"
	"github.com/mbeema/olly-harness/pkg/config"
	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/export"
	"github.com/mbeema/olly-harness/pkg/health"
	"github.com/mbeema/olly-harness/pkg/hook"
	"github.com/mbeema/olly-harness/pkg/recorder"
	"github.com/mbeema/olly-harness/pkg/verify"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrUnknownScenario is returned for a name that is not registered.
var ErrUnknownScenario = errors.New("unknown scenario")

// Report is the outcome of one scenario run.
type Report struct {
	Scenario string
	Passed   bool
	Err      error
	Spans    int
	Duration time.Duration
}

// Runner wires the recording, instrumentation and verification stack and runs
// scenarios against it one at a time.
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger

	rec      *recorder.Recorder
	ic       *hook.Interceptor
	pool     *command.Pool
	exec     *command.Executor
	verifier *verify.Verifier

	exporter export.Exporter
	stats    *health.Stats
	out      io.Writer
	reg      prometheus.Registerer

	mu sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRecorder records into rec instead of a private recorder.
func WithRecorder(rec *recorder.Recorder) RunnerOption {
	return func(r *Runner) { r.rec = rec }
}

// WithExporter hands every run's traces to exp after verification.
func WithExporter(exp export.Exporter) RunnerOption {
	return func(r *Runner) { r.exporter = exp }
}

// WithStats counts runs in stats.
func WithStats(stats *health.Stats) RunnerOption {
	return func(r *Runner) { r.stats = stats }
}

// WithOutput sets where recorded traces are printed.
func WithOutput(w io.Writer) RunnerOption {
	return func(r *Runner) { r.out = w }
}

// WithRegisterer registers recorder metrics on reg. Ignored with WithRecorder.
func WithRegisterer(reg prometheus.Registerer) RunnerOption {
	return func(r *Runner) { r.reg = reg }
}

// NewRunner creates a runner from cfg.
func NewRunner(cfg *config.Config, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	if cfg.Pool.Workers < 2 {
		return nil, fmt.Errorf("runner needs at least 2 pool workers, got %d", cfg.Pool.Workers)
	}

	r := &Runner{cfg: cfg, logger: logger, out: os.Stdout}
	for _, opt := range opts {
		opt(r)
	}

	if r.rec == nil {
		var metrics *recorder.Metrics
		if r.reg != nil {
			metrics = recorder.NewMetrics(r.reg)
		}
		r.rec = recorder.New(logger.Named("recorder"),
			recorder.WithPollInterval(cfg.Recorder.PollInterval),
			recorder.WithMetrics(metrics),
		)
	}

	a, err := agent.New(r.rec, logger.Named("agent"))
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	r.ic = hook.NewInterceptor(a, hook.Callbacks{
		OnDefer: func(site hook.CallSite, markerID string) {
			logger.Debug("dispatch deferred", zap.Stringer("site", site), zap.String("marker", markerID))
		},
		OnResume: func(traceID, markerID string) {
			logger.Debug("continuation resumed", zap.String("trace_id", traceID), zap.String("marker", markerID))
		},
	}, logger.Named("hook"))
	r.pool = command.NewPool(cfg.Pool.Workers, cfg.Pool.QueueSize, logger.Named("pool"))
	r.exec = command.NewExecutor(r.pool, r.ic, logger.Named("command"))

	vopts := []verify.Option{
		verify.WithTimeout(cfg.Recorder.WaitTimeout),
		verify.WithOutput(r.out, cfg.Verify.DumpFormat),
	}
	if !cfg.Verify.DumpOnFailure {
		vopts = append(vopts, verify.WithoutDump())
	}
	r.verifier = verify.New(r.rec, logger.Named("verify"), vopts...)

	return r, nil
}

// Verifier returns the runner's verifier.
func (r *Runner) Verifier() *verify.Verifier {
	return r.verifier
}

// Executor returns the instrumented command executor.
func (r *Runner) Executor() *command.Executor {
	return r.exec
}

// Run executes the named scenario and verifies its trace.
func (r *Runner) Run(ctx context.Context, name string) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	rep := Report{Scenario: name}
	rep.Err = r.run(ctx, name)
	rep.Spans = r.rec.Count()
	rep.Duration = time.Since(start)
	rep.Passed = rep.Err == nil

	if r.stats != nil {
		r.stats.RecordScenario(name, rep.Duration, rep.Err)
	}
	if rep.Err != nil {
		r.logger.Warn("scenario failed", zap.String("scenario", name), zap.Error(rep.Err))
	} else {
		r.logger.Info("scenario passed",
			zap.String("scenario", name),
			zap.Int("spans", rep.Spans),
			zap.Duration("took", rep.Duration),
		)
	}
	return rep
}

// RunAll runs each named scenario in order.
func (r *Runner) RunAll(ctx context.Context, names []string) []Report {
	reports := make([]Report, 0, len(names))
	for _, n := range names {
		reports = append(reports, r.Run(ctx, n))
	}
	return reports
}

func (r *Runner) run(ctx context.Context, name string) error {
	sc, ok := Get(name)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownScenario, name)
	}
	p, err := Pattern(name)
	if err != nil {
		return err
	}

	r.verifier.Reset()
	if err := sc.Workload(ctx, r.exec); err != nil {
		return err
	}
	if r.cfg.Verify.PrintCache {
		r.verifier.PrintCache()
	}

	verr := r.verify(ctx, p)
	r.export(ctx)
	return verr
}

func (r *Runner) verify(ctx context.Context, p *expect.Pattern) error {
	if len(p.Expect) > 0 {
		if err := r.verifier.VerifyTrace(ctx, p.Expect...); err != nil {
			return err
		}
	}
	if p.Remaining != nil {
		if err := r.verifier.VerifyTraceCount(ctx, *p.Remaining); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) export(ctx context.Context) {
	if r.exporter == nil {
		return
	}
	trs := r.rec.Snapshot()
	if err := r.exporter.ExportTraces(ctx, trs); err != nil {
		if r.stats != nil {
			r.stats.ExportFailures.Add(1)
		}
		r.logger.Warn("trace export failed", zap.Error(err))
		return
	}
	if r.stats != nil {
		r.stats.TracesExported.Add(int64(len(trs)))
	}
}

// Close stops the worker pool.
func (r *Runner) Close() {
	r.pool.Close()
}
