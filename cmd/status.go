package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/runner"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how far an experiment got, per tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, tiers, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := openExisting(cmd.Context(), cfg, tiers)
			if err != nil {
				return err
			}
			defer e.Close()
			return writeStatus(cmd.OutOrStdout(), e)
		},
	}
}

func writeStatus(w io.Writer, e *runner.Experiment) error {
	entries := e.Scan()
	byTier := make(map[string][]recovery.Entry)
	for _, entry := range entries {
		byTier[entry.Tier] = append(byTier[entry.Tier], entry)
	}

	fmt.Fprintf(w, "Experiment %s\n\n", e.ID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "TIER")
	for _, s := range recovery.RunStatuses {
		fmt.Fprintf(tw, "\t%s", s)
	}
	fmt.Fprintln(tw, "\tTOTAL")
	for _, t := range e.Tiers {
		counts := recovery.Counts(byTier[t.ID])
		fmt.Fprint(tw, t.ID)
		for _, s := range recovery.RunStatuses {
			fmt.Fprintf(tw, "\t%d", counts[s])
		}
		fmt.Fprintf(tw, "\t%d\n", len(byTier[t.ID]))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	cp := e.Store.Counts()
	fmt.Fprintf(w, "\ncheckpoint: %s  %s  agent_complete %d  not_started %d\n",
		green.Sprintf("passed %d", cp[checkpoint.Passed]), red.Sprintf("failed %d", cp[checkpoint.Failed]),
		cp[checkpoint.AgentComplete], len(entries)-cp[checkpoint.Passed]-cp[checkpoint.Failed]-cp[checkpoint.AgentComplete])
	return nil
}
