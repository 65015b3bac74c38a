package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
)

type RerunOptions struct {
	Filter recovery.Filter
	// JudgeOnly re-runs judges of runs whose agent finished, leaving the
	// agent output untouched.
	JudgeOnly bool
	DryRun    bool
}

// RerunPlan says what a rerun will do with each selected run.
type RerunPlan struct {
	Regenerate []recovery.Entry
	Rerun      []recovery.Entry
	Rejudge    []recovery.Entry
}

func (p *RerunPlan) Empty() bool {
	return len(p.Regenerate)+len(p.Rerun)+len(p.Rejudge) == 0
}

// Scan classifies every planned run of the experiment.
func (e *Experiment) Scan() []recovery.Entry {
	return recovery.Scan(e.Dir, e.Plan(), e.Config.JudgeNames())
}

// PlanRerun selects runs with opts.Filter and decides how each is recovered.
func (e *Experiment) PlanRerun(opts RerunOptions) *RerunPlan {
	plan := &RerunPlan{}
	f := opts.Filter
	if opts.JudgeOnly && len(f.JudgeStatuses) == 0 {
		f.JudgeStatuses = []recovery.JudgeStatus{recovery.JudgeMissing, recovery.JudgeFailed, recovery.JudgePartial}
	}
	for _, entry := range f.Apply(e.Scan()) {
		switch {
		case opts.JudgeOnly:
			if entry.Judge == recovery.JudgeAgentFailed || entry.Judge == recovery.JudgeComplete {
				continue
			}
			if _, err := result.ReadAgentResult(entry.RunDir); err != nil && entry.Status != recovery.Results {
				continue
			}
			plan.Rejudge = append(plan.Rejudge, entry)
		case entry.Status == recovery.Results:
			plan.Regenerate = append(plan.Regenerate, entry)
		default:
			plan.Rerun = append(plan.Rerun, entry)
		}
	}
	return plan
}

// Rerun carries out PlanRerun. Regeneration runs nothing; reruns archive the
// previous attempt, reset the checkpoint and execute the run again; rejudged
// runs keep their agent output and go through judging only.
func (e *Experiment) Rerun(ctx context.Context, opts RerunOptions) (*RerunPlan, *Summary, error) {
	plan := e.PlanRerun(opts)
	summary := &Summary{}
	if opts.DryRun || plan.Empty() {
		return plan, summary, nil
	}

	s, execute, err := e.Regenerate(plan.Regenerate)
	summary.add(s)
	if err != nil {
		return plan, summary, err
	}

	for _, entry := range plan.Rejudge {
		if err := clearJudging(entry.RunDir); err != nil {
			return plan, summary, err
		}
		if _, err := result.ReadAgentResult(entry.RunDir); err != nil {
			if _, err := e.executor().regenerate(entry.RunDir, entry.Tier, entry.Subtest, entry.Run); err != nil {
				e.logger.Error().Err(err).Str("run_dir", entry.RunDir).Msg("cannot rebuild agent result for judging")
				summary.Errored++
				continue
			}
			os.Remove(filepath.Join(entry.RunDir, result.RunResultFile))
		}
		if err := e.Store.Set(entry.Tier, entry.Subtest, entry.Run, checkpoint.AgentComplete); err != nil {
			return plan, summary, err
		}
		execute = append(execute, entry)
	}

	for _, entry := range plan.Rerun {
		if err := archiveAttempt(entry.RunDir); err != nil {
			return plan, summary, err
		}
		if err := e.Store.Reset(entry.Tier, entry.Subtest, entry.Run); err != nil {
			return plan, summary, err
		}
		execute = append(execute, entry)
	}

	s, err = e.executeEntries(ctx, execute)
	summary.add(s)
	return plan, summary, err
}

// Regenerate rebuilds the results of entries from their artifacts without
// starting any process. Runs whose agent output is complete but was never
// judged are marked agent_complete and returned for judging.
func (e *Experiment) Regenerate(entries []recovery.Entry) (Summary, []recovery.Entry, error) {
	var (
		summary  Summary
		unjudged []recovery.Entry
	)
	for _, entry := range entries {
		rr, err := e.executor().regenerate(entry.RunDir, entry.Tier, entry.Subtest, entry.Run)
		if err != nil {
			e.logger.Error().Err(err).Str("run_dir", entry.RunDir).Msg("regeneration failed")
			summary.Errored++
			continue
		}
		if rr == nil {
			if err := e.Store.Set(entry.Tier, entry.Subtest, entry.Run, checkpoint.AgentComplete); err != nil {
				return summary, unjudged, err
			}
			unjudged = append(unjudged, entry)
			continue
		}
		if rr.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
		if err := e.Store.Set(entry.Tier, entry.Subtest, entry.Run, terminalStatus(rr)); err != nil {
			return summary, unjudged, err
		}
		e.logger.Info().Str("tier", entry.Tier).Str("subtest", entry.Subtest).Int("run", entry.Run).
			Bool("passed", rr.Passed).Msg("regenerated run result")
	}
	return summary, unjudged, nil
}

// clearJudging removes the run result and judge directories without a valid
// judgment, keeping judgments that can be reused.
func clearJudging(runDir string) error {
	if err := os.Remove(filepath.Join(runDir, result.RunResultFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing run result: %w", err)
	}
	dirs, _ := filepath.Glob(filepath.Join(result.JudgeRoot(runDir), "judge_*"))
	for _, d := range dirs {
		if _, err := result.ReadJudgeEvaluation(d); err != nil {
			if err := os.RemoveAll(d); err != nil {
				return fmt.Errorf("clearing judge dir: %w", err)
			}
		}
	}
	return nil
}

// executeEntries runs entries through the pool, one job per subtest so runs
// of a subtest stay ordered.
func (e *Experiment) executeEntries(ctx context.Context, entries []recovery.Entry) (Summary, error) {
	type group struct {
		tier *config.Tier
		sub  *config.Subtest
		runs []int
	}
	var (
		order  []string
		groups = make(map[string]*group)
	)
	for _, entry := range entries {
		key := entry.Tier + "/" + entry.Subtest
		g, ok := groups[key]
		if !ok {
			t, ok := e.tier(entry.Tier)
			if !ok {
				continue
			}
			sub, ok := t.Subtest(entry.Subtest)
			if !ok {
				continue
			}
			g = &group{tier: t, sub: sub}
			groups[key] = g
			order = append(order, key)
		}
		g.runs = append(g.runs, entry.Run)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		mu      sync.Mutex
		summary Summary
	)
	jobs := make([]Job, 0, len(order))
	for _, key := range order {
		g := groups[key]
		jobs = append(jobs, func(ctx context.Context) error {
			s, err := e.runSubtest(ctx, g.tier, g.sub, g.runs)
			mu.Lock()
			summary.add(s)
			mu.Unlock()
			if err != nil && fatal(err) {
				cancel()
			}
			return err
		})
	}
	for _, err := range RunPool(ctx, e.Config.Parallel, jobs) {
		if fatal(err) {
			return summary, err
		}
	}
	return summary, nil
}
