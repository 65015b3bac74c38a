package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/runner"
)

var (
	cfgFile        string
	flagExperiment string
	flagVerbose    bool
	flagLogJSON    bool

	logger = zerolog.Nop()
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

// ExitCoder is implemented by errors that carry the process exit code.
type ExitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crucible",
		Short:         "Tiered evaluation harness for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(cmd.ErrOrStderr(), flagVerbose, flagLogJSON)
			if os.Getenv("NO_COLOR") != "" {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "crucible.yaml", "experiment config file")
	root.PersistentFlags().StringVar(&flagExperiment, "experiment", "", "experiment id (default: config experiment_id, or latest for existing experiments)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON lines")
	root.AddCommand(newRunCmd())
	root.AddCommand(newRerunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newRegenerateCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRateLimitCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newSDKBridgeCmd())
	return root
}

func newLogger(w io.Writer, verbose, jsonLines bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if jsonLines {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    os.Getenv("NO_COLOR") != "" || !isTerminal(w),
	}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func loadConfig() (*config.Config, []*config.Tier, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	tiers, err := config.LoadTiers(cfg.TiersDir, cfg.Tiers)
	if err != nil {
		return nil, nil, err
	}
	return cfg, tiers, nil
}

// openExisting opens an experiment that must already have a checkpoint.
func openExisting(ctx context.Context, cfg *config.Config, tiers []*config.Tier) (*runner.Experiment, error) {
	id, err := existingID(cfg)
	if err != nil {
		return nil, err
	}
	return runner.Open(ctx, logger, cfg, tiers, id)
}

func existingID(cfg *config.Config) (string, error) {
	id := flagExperiment
	if id == "" {
		id = cfg.ExperimentID
	}
	id, err := runner.ResolveID(cfg.ResultsDir, id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(cfg.ResultsDir, id, runner.CheckpointFile)); err != nil {
		return "", fmt.Errorf("experiment %s not found in %s", id, cfg.ResultsDir)
	}
	return id, nil
}

func printSummary(w io.Writer, s *runner.Summary) {
	fmt.Fprintf(w, "\n%s  %s  skipped %d",
		green.Sprintf("passed %d", s.Passed), red.Sprintf("failed %d", s.Failed), s.Skipped)
	if s.Errored > 0 {
		fmt.Fprintf(w, "  %s", yellow.Sprintf("errored %d", s.Errored))
	}
	if s.Elapsed > 0 {
		fmt.Fprintf(w, "  (%s)", s.Elapsed.Round(time.Second))
	}
	fmt.Fprintln(w)
}

// summaryError turns runs that could not complete into a non-zero exit.
func summaryError(ctx context.Context, s *runner.Summary) error {
	if ctx.Err() != nil {
		return &exitError{code: 130, err: errors.New("interrupted")}
	}
	if s.Errored > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%d run(s) could not complete", s.Errored)}
	}
	return nil
}
