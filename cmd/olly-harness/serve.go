// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/olly-harness/pkg/config"
	"github.com/mbeema/olly-harness/pkg/export"
	"github.com/mbeema/olly-harness/pkg/health"
	"github.com/mbeema/olly-harness/pkg/scenario"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scenarios repeatedly and serve health and metrics.",
	Long: "Runs the configured scenarios every soak interval, exports their traces, " +
		"and serves /health, /ready, /scenarios and /metrics until interrupted.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cfg, logger)
	},
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting olly-harness",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	stats := health.NewStats()
	if err := stats.Register(reg); err != nil {
		return err
	}

	grpcMetrics, err := export.ClientMetrics(reg)
	if err != nil {
		return err
	}
	mgr, err := export.NewManager(&cfg.Exporters, cfg.ServiceName, logger.Named("export"), grpcMetrics)
	if err != nil {
		return err
	}

	opts := []scenario.RunnerOption{
		scenario.WithStats(stats),
		scenario.WithRegisterer(reg),
	}
	if mgr.Len() > 0 {
		opts = append(opts, scenario.WithExporter(mgr))
	}
	runner, err := scenario.NewRunner(cfg, logger, opts...)
	if err != nil {
		return err
	}

	var srv *health.Server
	if cfg.Health.Enabled {
		srv = health.NewServer(cfg.Health.Port, version, stats, reg, logger.Named("health"))
		if err := srv.Start(ctx); err != nil {
			return err
		}
	}

	// Reloaded soak settings are applied by the loop below. Pool and
	// recorder settings need a restart.
	reloadCh := make(chan *config.Config, 1)
	applyReload := func(newCfg *config.Config) {
		select {
		case reloadCh <- newCfg:
		default:
			logger.Warn("config reload already pending, dropping")
		}
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFiles string) {
			logger.Info("config files changed", zap.String("files", changedFiles))
			applyReload(newCfg)
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP for config reload (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	soak := cfg.Soak
	runRound := func() {
		names := soak.Scenarios
		if len(names) == 0 {
			names = scenario.Names()
		}
		runner.RunAll(ctx, names)
		if srv != nil {
			srv.SetReady(true)
		}
	}

	runRound()
	ticker := time.NewTicker(soak.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runRound()

		case newCfg := <-reloadCh:
			soak = newCfg.Soak
			ticker.Reset(soak.Interval)
			logger.Info("soak settings reloaded",
				zap.Duration("interval", soak.Interval),
				zap.Strings("scenarios", soak.Scenarios),
			)

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			applyReload(newCfg)

		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()

			shutdownDone := make(chan struct{})
			go func() {
				defer close(shutdownDone)
				if srv != nil {
					if err := srv.Stop(); err != nil {
						logger.Error("health server shutdown", zap.Error(err))
					}
				}
				runner.Close()
				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()
				if err := mgr.Shutdown(sctx); err != nil {
					logger.Error("exporter shutdown", zap.Error(err))
				}
			}()

			select {
			case <-shutdownDone:
				logger.Info("olly-harness stopped")
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				os.Exit(1)
			}
			return nil
		}
	}
}
