package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/sdkbridge"
)

func newSDKBridgeCmd() *cobra.Command {
	var (
		promptFile  string
		addr        string
		metricsFile string
		idle        time.Duration
	)
	c := &cobra.Command{
		Use:   "sdk-bridge [flags] [-- agent-command...]",
		Short: "Drive an agent over the SDK WebSocket protocol and print its usage as stream-json",
		Long: `sdk-bridge listens for one SDK WebSocket connection, sends the task prompt,
approves every tool request, and prints the agent's final result as a single
stream-json line. Arguments after -- are started as the agent; any argument
containing ` + sdkbridge.URLPlaceholder + ` receives the bridge URL.

Use it as an agent command, for example:
  command: ["crucible", "sdk-bridge", "--prompt-file", "{prompt_file}", "--",
            "claude", "--sdk-url", "{sdk_url}", "--model", "{model}"]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := os.ReadFile(promptFile)
			if err != nil {
				return fmt.Errorf("reading prompt: %w", err)
			}
			code, err := sdkbridge.Run(cmd.Context(), logger, sdkbridge.Options{
				Prompt:      string(prompt),
				Addr:        addr,
				Command:     args,
				IdleTimeout: idle,
				MetricsFile: metricsFile,
				Stdout:      cmd.OutOrStdout(),
				Stderr:      cmd.ErrOrStderr(),
			})
			if err == nil && code != 0 {
				err = fmt.Errorf("agent reported an error")
			}
			if err != nil {
				return &exitError{code: max(code, 1), err: err}
			}
			return nil
		},
	}
	c.Flags().StringVar(&promptFile, "prompt-file", "", "task prompt to send")
	c.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "listen address")
	c.Flags().StringVar(&metricsFile, "metrics-file", "", "also write the outcome as JSON here")
	c.Flags().DurationVar(&idle, "idle-timeout", 10*time.Minute, "silence before the agent is assumed stuck")
	_ = c.MarkFlagRequired("prompt-file")
	return c
}
