package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/runner"
)

var (
	flagStatuses      []string
	flagJudgeStatuses []string
	flagJudgeOnly     bool
	flagSubtests      []string
	flagRunNumbers    []int
	flagDryRun        bool
)

func newRerunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rerun",
		Short: "Recover runs of an existing experiment by their on-disk state",
		Long: `Classify every planned run as completed, results, failed, partial or missing
and recover the selected ones. Runs in the results state are regenerated
from their artifacts; the others are archived and executed again. With
--judge-only, runs whose judges are missing, failed or partial are judged
again without re-running the agent.`,
		RunE: rerunExperiment,
	}
	cmd.Flags().StringSliceVar(&flagStatuses, "status", nil, "run statuses to select (completed, results, failed, partial, missing)")
	cmd.Flags().StringSliceVar(&flagJudgeStatuses, "judge-status", nil, "judge statuses to select (complete, missing, failed, partial, agent_failed)")
	cmd.Flags().BoolVar(&flagJudgeOnly, "judge-only", false, "re-run judges only")
	cmd.Flags().StringSliceVar(&flagTiers, "tier", nil, "select tiers")
	cmd.Flags().StringSliceVar(&flagSubtests, "subtest", nil, "select subtests")
	cmd.Flags().IntSliceVar(&flagRunNumbers, "runs", nil, "select run numbers")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "print the plan without changing anything")
	return cmd
}

func buildFilter() (recovery.Filter, error) {
	f := recovery.Filter{Tiers: flagTiers, Subtests: flagSubtests, Runs: flagRunNumbers}
	for _, s := range flagStatuses {
		st, ok := recovery.ParseRunStatus(s)
		if !ok {
			return f, fmt.Errorf("unknown run status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, s := range flagJudgeStatuses {
		st, ok := recovery.ParseJudgeStatus(s)
		if !ok {
			return f, fmt.Errorf("unknown judge status %q", s)
		}
		f.JudgeStatuses = append(f.JudgeStatuses, st)
	}
	return f, nil
}

func rerunExperiment(cmd *cobra.Command, args []string) error {
	filter, err := buildFilter()
	if err != nil {
		return err
	}
	if !flagJudgeOnly && len(filter.Statuses) == 0 && len(filter.JudgeStatuses) == 0 {
		// Completed runs are never redone unless asked for.
		filter.Statuses = []recovery.RunStatus{recovery.Results, recovery.Failed, recovery.Partial, recovery.Missing}
	}
	cfg, tiers, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := runContext(cmd)
	defer stop()
	e, err := openExisting(ctx, cfg, tiers)
	if err != nil {
		return err
	}
	defer e.Close()

	opts := runner.RerunOptions{Filter: filter, JudgeOnly: flagJudgeOnly, DryRun: flagDryRun}
	out := cmd.OutOrStdout()
	if flagDryRun {
		printPlan(out, e.PlanRerun(opts))
		return nil
	}
	plan, summary, err := e.Rerun(ctx, opts)
	printPlan(out, plan)
	if err != nil && ctx.Err() == nil {
		return err
	}
	printSummary(out, summary)
	return summaryError(ctx, summary)
}

func printPlan(w io.Writer, plan *runner.RerunPlan) {
	if plan.Empty() {
		fmt.Fprintln(w, "Nothing to rerun.")
		return
	}
	section := func(title string, entries []recovery.Entry) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(entries))
		for _, e := range entries {
			fmt.Fprintf(w, "  %s/%s/%s  %s  judges:%s\n", e.Tier, e.Subtest, result.RunDirName(e.Run), e.Status, e.Judge)
		}
	}
	section("Regenerate", plan.Regenerate)
	section("Rejudge", plan.Rejudge)
	section("Rerun", plan.Rerun)
}
