package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tiers and subtests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, tiers, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tiers {
				fmt.Fprintf(out, "%s  %s\n", t.ID, t.Name)
				if len(t.Args) > 0 {
					fmt.Fprintf(out, "    args: %s\n", strings.Join(t.Args, " "))
				}
				for _, s := range t.Subtests {
					fmt.Fprintf(out, "  - %s  %s\n", s.ID, s.Name)
				}
			}
			total := 0
			for _, t := range tiers {
				total += len(t.Subtests)
			}
			fmt.Fprintf(out, "\n%d tier(s), %d subtest(s), %d run(s) per subtest\n", len(tiers), total, cfg.RunsPerSubtest)
			return nil
		},
	}
}
