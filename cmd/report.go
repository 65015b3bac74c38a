package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize stored run results",
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
			return report.Generate(e.Dir, report.Options{
				Format:  flagFormat,
				Plan:    e.Plan(),
				Pricing: e.Pricing,
				Model:   cfg.Agent.Model,
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}
