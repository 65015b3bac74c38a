package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/judge"
	"github.com/signalnine/crucible/internal/pricing"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the experiment config and tier definitions without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, tiers, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Task.PromptFile); err != nil {
				return &config.Error{Path: cfgFile, Err: fmt.Errorf("task.prompt_file: %w", err)}
			}
			var secrets []string
			if cfg.Secrets.EnvFile != "" {
				if secrets, err = config.LoadEnvFile(cfg.Secrets.EnvFile); err != nil {
					return &config.Error{Path: cfg.Secrets.EnvFile, Err: err}
				}
			}
			if cfg.PricingFile != "" {
				table, err := pricing.Load(cfg.PricingFile)
				if err != nil {
					return &config.Error{Path: cfg.PricingFile, Err: err}
				}
				if _, _, ok := table.Lookup(cfg.Agent.Model); !ok && cfg.Agent.Model != "" {
					yellow.Fprintf(cmd.ErrOrStderr(), "model %q has no price, costs rely on agent output\n", cfg.Agent.Model)
				}
			}
			judges, err := judge.FromConfig(logger, cfg, secrets)
			if err != nil {
				return &config.Error{Path: cfgFile, Err: err}
			}
			if _, err := judge.NewEvaluator(logger, cfg, judges); err != nil {
				return &config.Error{Path: cfgFile, Err: err}
			}

			subtests := 0
			for _, t := range tiers {
				subtests += len(t.Subtests)
			}
			green.Fprintf(cmd.OutOrStdout(), "%s is valid: %d tier(s), %d subtest(s), %d judge(s), %d run(s) planned\n",
				cfgFile, len(tiers), subtests, len(judges), subtests*cfg.RunsPerSubtest)
			return nil
		},
	}
}
