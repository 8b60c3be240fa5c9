package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mbeema/olly-harness/pkg/export"
	"github.com/mbeema/olly-harness/pkg/scenario"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errScenariosFailed = errors.New("one or more scenarios failed")

var runCmd = &cobra.Command{
	Use:   "run [scenario...]",
	Short: "Run scenarios once and print their verdicts.",
	Long:  "Runs the named scenarios, or all of them when none are named, and exits non-zero if any fails.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		names := args
		if len(names) == 0 {
			names = scenario.Names()
		}

		mgr, err := export.NewManager(&cfg.Exporters, cfg.ServiceName, logger.Named("export"))
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mgr.Shutdown(ctx); err != nil {
				logger.Warn("exporter shutdown", zap.Error(err))
			}
		}()

		opts := []scenario.RunnerOption{scenario.WithOutput(cmd.OutOrStdout())}
		if mgr.Len() > 0 {
			opts = append(opts, scenario.WithExporter(mgr))
		}
		runner, err := scenario.NewRunner(cfg, logger, opts...)
		if err != nil {
			return err
		}
		defer runner.Close()

		reports := runner.RunAll(cmd.Context(), names)
		if err := scenario.WriteReports(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
		failed := false
		for _, r := range reports {
			if r.Passed {
				continue
			}
			failed = true
			if cfg.LogLevel == "debug" {
				fmt.Fprintf(os.Stderr, "%s:\n%v\n", r.Scenario, r.Err)
			}
		}
		if failed {
			return errScenariosFailed
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in scenarios.",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, n := range scenario.Names() {
			sc, _ := scenario.Get(n)
			fmt.Fprintf(cmd.OutOrStdout(), "%-26s %s\n", n, sc.Description)
		}
	},
}
