package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
)

func newRegenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild run results from stored artifacts without running anything",
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

			filter := recovery.Filter{Statuses: []recovery.RunStatus{recovery.Results}, Tiers: flagTiers}
			entries := filter.Apply(e.Scan())
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No runs to regenerate.")
				return nil
			}
			summary, unjudged, err := e.Regenerate(entries)
			if err != nil {
				return err
			}
			for _, u := range unjudged {
				fmt.Fprintf(out, "%s %s/%s/%s has no judgments, judge it with: crucible rerun --judge-only\n",
					yellow.Sprint("unjudged"), u.Tier, u.Subtest, result.RunDirName(u.Run))
			}
			printSummary(out, &summary)
			if summary.Errored > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d run(s) could not be regenerated", summary.Errored)}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flagTiers, "tier", nil, "select tiers")
	return cmd
}
