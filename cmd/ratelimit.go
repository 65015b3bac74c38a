package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/ratelimit"
	"github.com/signalnine/crucible/internal/result"
)

func newRateLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit",
		Short: "List runs whose agent output shows rate limiting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			id, err := existingID(cfg)
			if err != nil {
				return err
			}
			failures, err := ratelimit.DetectTree(filepath.Join(cfg.ResultsDir, id))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(failures) == 0 {
				fmt.Fprintln(out, "No rate limited runs.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tSUBTEST\tRUN\tSIGNATURE\tSOURCE\tRETRY AFTER")
			for _, f := range failures {
				retry := "-"
				if f.Info.RetryAfter > 0 {
					retry = f.Info.RetryAfter.String()
				}
				source, err := filepath.Rel(f.RunDir, f.Info.Source)
				if err != nil {
					source = f.Info.Source
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", f.Tier, f.Subtest, result.RunDirName(f.Run), f.Info.Signature, source, retry)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			yellow.Fprintf(out, "\n%d rate limited run(s); recover them with: crucible rerun --status failed\n", len(failures))
			return nil
		},
	}
}
