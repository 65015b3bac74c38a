package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/report"
	"github.com/signalnine/crucible/internal/runner"
)

var (
	flagTiers    []string
	flagParallel int
	flagRuns     int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment, resuming it if it already exists",
		RunE:  runExperiment,
	}
	cmd.Flags().StringSliceVar(&flagTiers, "tier", nil, "run only these tiers, in this order")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "max concurrent subtests (overrides config)")
	cmd.Flags().IntVar(&flagRuns, "runs", 0, "runs per subtest (overrides config)")
	return cmd
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flagParallel > 0 {
		cfg.Parallel = flagParallel
	}
	if flagRuns > 0 {
		cfg.RunsPerSubtest = flagRuns
	}
	only := cfg.Tiers
	if len(flagTiers) > 0 {
		only = flagTiers
	}
	tiers, err := config.LoadTiers(cfg.TiersDir, only)
	if err != nil {
		return err
	}

	ctx, stop := runContext(cmd)
	defer stop()

	e, err := runner.Open(ctx, logger, cfg, tiers, flagExperiment)
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Experiment %s: %s\n", e.ID, e.Dir)
	summary, err := e.Run(ctx)
	if summary != nil {
		printSummary(out, summary)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() == nil {
		fmt.Fprintln(out)
		if err := report.Generate(e.Dir, report.Options{Format: "table", Plan: e.Plan(), Pricing: e.Pricing, Model: cfg.Agent.Model}, out); err != nil {
			return err
		}
	}
	if summary == nil {
		summary = &runner.Summary{}
	}
	return summaryError(ctx, summary)
}

// runContext is shared by commands that execute runs.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
