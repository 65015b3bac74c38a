package cmdlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// TimeoutExitCode is reported when a command is killed for exceeding its
// timeout.
const TimeoutExitCode = 124

type ExecOptions struct {
	Timeout time.Duration
	// Env is appended to the current process environment.
	Env []string
}

type Outcome struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Execute runs the replay script for the last planned record, never the
// original command line. The script runs in its own process group, which is
// killed as a whole on timeout. When ctx is cancelled the process group is
// killed and the record is left planned.
func Execute(ctx context.Context, logger zerolog.Logger, l *Logger, opts ExecOptions) (*Outcome, error) {
	rec, ok := l.Last()
	if !ok || rec.State != Planned {
		return nil, ErrNoPlannedCommand
	}
	script := l.ReplayPath()
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("replay script missing: %w", err)
	}

	stdout, err := os.Create(rec.StdoutRef)
	if err != nil {
		return nil, fmt.Errorf("creating stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(rec.StderrRef)
	if err != nil {
		return nil, fmt.Errorf("creating stderr log: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command("bash", script)
	cmd.Dir = l.Dir()
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)

	logger.Debug().Str("script", script).Str("command", rec.Command).Dur("timeout", opts.Timeout).Msg("executing replay script")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", script, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	out := &Outcome{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		killProcessGroup(cmd)
		<-done
		out.TimedOut = true
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return nil, ctx.Err()
	}
	out.Duration = time.Since(start)

	switch {
	case out.TimedOut:
		out.ExitCode = TimeoutExitCode
		logger.Warn().Str("command", rec.Command).Dur("timeout", opts.Timeout).Msg("command timed out, process group killed")
	case waitErr == nil:
		out.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", script, waitErr)
		}
		out.ExitCode = exitErr.ExitCode()
		if out.ExitCode < 0 {
			out.ExitCode = 1
		}
	}

	if err := l.UpdateLastCommand(out.ExitCode, out.Duration); err != nil {
		return nil, err
	}
	return out, nil
}
