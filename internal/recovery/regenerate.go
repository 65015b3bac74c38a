package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalnine/crucible/internal/cmdlog"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/judge"
	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/usage"
)

// ErrNotRegenerable is returned when the run lacks the artifacts needed to
// rebuild its results.
var ErrNotRegenerable = errors.New("run cannot be regenerated from its artifacts")

type RegenerateOptions struct {
	Tier      string
	Subtest   string
	Run       int
	Model     string
	Pricing   *pricing.Table
	Strategy  judge.Strategy
	Judges    []config.Judge
	Threshold float64
}

// Regenerate rebuilds agent/result.json from the command log and captured
// stdout when it is missing, then run_result.json from the stored judgments.
// It never starts a process. The returned RunResult is nil when only the
// agent result could be rebuilt.
func Regenerate(runDir string, opts RegenerateOptions) (*result.RunResult, error) {
	agent, err := result.ReadAgentResult(runDir)
	if err != nil {
		agent, err = rebuildAgentResult(runDir, opts)
		if err != nil {
			return nil, err
		}
		if err := result.WriteAgentResult(runDir, agent); err != nil {
			return nil, err
		}
	}

	strategy := opts.Strategy
	if strategy == nil {
		strategy = judge.Mean{}
	}

	var c *judge.Consensus
	if agent.Succeeded() {
		evals, err := result.ReadJudgeEvaluations(runDir)
		if err != nil {
			return nil, err
		}
		if len(evals) == 0 {
			return nil, nil
		}
		c = judge.Compute(strategy, opts.Judges, evals, opts.Threshold)
	}

	rr := judge.NewRunResult(opts.Tier, opts.Subtest, opts.Run, agent, c)
	rr.Regenerated = true
	if err := result.WriteRunResult(runDir, rr); err != nil {
		return nil, err
	}
	return rr, nil
}

func rebuildAgentResult(runDir string, opts RegenerateOptions) (*result.AgentResult, error) {
	rec, ok := lastAgentCommand(runDir)
	if !ok || rec.State != cmdlog.Executed || rec.ExitCode == nil {
		return nil, fmt.Errorf("%s: %w: agent command never finished", runDir, ErrNotRegenerable)
	}
	summary, err := usage.ParseFile(localRef(result.AgentDir(runDir), rec.StdoutRef))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", runDir, ErrNotRegenerable, err)
	}
	summary.FillCost(opts.Pricing, opts.Model)
	timedOut := *rec.ExitCode == cmdlog.TimeoutExitCode
	duration := time.Duration(rec.Duration * float64(time.Second))
	return summary.AgentResult(*rec.ExitCode, timedOut, duration, opts.Model), nil
}
