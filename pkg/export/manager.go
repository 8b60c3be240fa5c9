// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export ships recorded traces to stdout and OTLP collectors.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/mbeema/olly-harness/pkg/config"
	"github.com/mbeema/olly-harness/pkg/redact"
	"github.com/mbeema/olly-harness/pkg/traces"
	goretry "github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Exporter is the interface for trace exporters.
type Exporter interface {
	ExportTraces(ctx context.Context, trs []*traces.Trace) error
	Shutdown(ctx context.Context) error
}

const (
	defaultMaxRetries = 3
	defaultInterval   = 100 * time.Millisecond
)

// Manager fans recorded traces out to every configured exporter, retrying
// each independently.
type Manager struct {
	logger     *zap.Logger
	exporters  []Exporter
	maxRetries uint64
	interval   time.Duration
	sampler    *Sampler
	redactor   *redact.Redactor

	exported atomic.Int64
	failed   atomic.Int64
}

// NewManager creates exporters from configuration. dialOpts are passed to the
// OTLP exporter.
func NewManager(cfg *config.ExportersConfig, serviceName string, logger *zap.Logger, dialOpts ...grpc.DialOption) (*Manager, error) {
	var exps []Exporter

	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, serviceName, logger, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		exps = append(exps, exp)
	}

	if cfg.Stdout.Enabled {
		exps = append(exps, NewStdoutExporter(os.Stdout, cfg.Stdout.Format, logger))
	}

	m := NewManagerWith(logger, cfg.Retry, exps...)
	m.sampler = NewSampler(cfg.SampleRate)
	if cfg.Redact.Enabled {
		rules, err := redact.PatternRules(cfg.Redact.Patterns)
		if err != nil {
			return nil, err
		}
		m.redactor = redact.New(true, rules)
	}
	return m, nil
}

// NewManagerWith creates a manager over the given exporters.
func NewManagerWith(logger *zap.Logger, retry config.RetryConfig, exps ...Exporter) *Manager {
	m := &Manager{
		logger:     logger,
		exporters:  exps,
		maxRetries: retry.MaxRetries,
		interval:   retry.Interval,
		sampler:    NewSampler(1.0),
		redactor:   redact.New(false, nil),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.maxRetries == 0 {
		m.maxRetries = defaultMaxRetries
	}
	return m
}

// Len returns the number of configured exporters.
func (m *Manager) Len() int {
	return len(m.exporters)
}

// ExportTraces samples and redacts trs, then sends them to every exporter
// concurrently. It returns the first exporter error after retries are
// exhausted.
func (m *Manager) ExportTraces(ctx context.Context, trs []*traces.Trace) error {
	if len(m.exporters) == 0 {
		return nil
	}
	trs = m.sampler.Filter(trs)
	if len(trs) == 0 {
		return nil
	}
	trs = m.redactor.Traces(trs)

	var g errgroup.Group
	for _, exp := range m.exporters {
		g.Go(func() error {
			return m.retryExport(ctx, exp, trs)
		})
	}
	return g.Wait()
}

func (m *Manager) retryExport(ctx context.Context, exp Exporter, trs []*traces.Trace) error {
	backoff := goretry.WithMaxRetries(m.maxRetries, goretry.NewExponential(m.interval))
	attempt := 0

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := exp.ExportTraces(ctx, trs)
		if err == nil {
			return nil
		}
		// An open breaker will not close within the retry window.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		m.logger.Warn("export failed, retrying",
			zap.String("exporter", fmt.Sprintf("%T", exp)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return goretry.RetryableError(err)
	})

	if err != nil {
		m.failed.Add(int64(len(trs)))
		m.logger.Error("export failed",
			zap.String("exporter", fmt.Sprintf("%T", exp)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return err
	}
	m.exported.Add(int64(len(trs)))
	return nil
}

// Shutdown shuts down every exporter.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("traces_exported", m.exported.Load()),
		zap.Int64("traces_failed", m.failed.Load()),
	)
	return errors.Join(errs...)
}

// Stats returns trace-level export counters summed over exporters.
func (m *Manager) Stats() (exported, failed int64) {
	return m.exported.Load(), m.failed.Load()
}
