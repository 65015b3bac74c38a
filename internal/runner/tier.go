package runner

import (
	"context"
	"sync"
	"time"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

// RunTier runs all subtests of t through the worker pool. Runs within one
// subtest execute in run-number order on a single worker.
func (e *Experiment) RunTier(ctx context.Context, t *config.Tier) (Summary, error) {
	log := e.logger.With().Str("tier", t.ID).Logger()
	log.Info().Str("name", t.Name).Int("subtests", len(t.Subtests)).Int("parallel", e.Config.Parallel).Msg("starting tier")
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		summary Summary
	)
	runs := make([]int, e.Config.RunsPerSubtest)
	for i := range runs {
		runs[i] = i + 1
	}
	jobs := make([]Job, 0, len(t.Subtests))
	for i := range t.Subtests {
		sub := &t.Subtests[i]
		jobs = append(jobs, func(ctx context.Context) error {
			s, err := e.runSubtest(ctx, t, sub, runs)
			mu.Lock()
			summary.add(s)
			mu.Unlock()
			if err != nil && fatal(err) {
				cancel()
			}
			return err
		})
	}

	errs := RunPool(ctx, e.Config.Parallel, jobs)
	for _, err := range errs {
		if fatal(err) {
			return summary, err
		}
	}
	log.Info().Int("passed", summary.Passed).Int("failed", summary.Failed).Int("skipped", summary.Skipped).
		Int("errored", summary.Errored).Dur("elapsed", time.Since(start)).Msg("tier finished")
	return summary, nil
}

// runSubtest executes the given runs of one subtest in order. Only fatal
// errors are returned.
func (e *Experiment) runSubtest(ctx context.Context, t *config.Tier, sub *config.Subtest, runs []int) (Summary, error) {
	var s Summary
	x := e.executor()
	for _, run := range runs {
		if ctx.Err() != nil {
			return s, nil
		}
		if e.Store.IsRunCompleted(t.ID, sub.ID, run) {
			if _, err := result.ReadRunResult(result.RunDir(e.Dir, t.ID, sub.ID, run)); err == nil {
				s.Skipped++
				continue
			}
		}
		rr, err := x.Execute(ctx, t, sub, run)
		switch {
		case err != nil && fatal(err):
			s.Errored++
			return s, err
		case err != nil:
			if ctx.Err() == nil {
				s.Errored++
				e.logger.Error().Err(err).Str("tier", t.ID).Str("subtest", sub.ID).Int("run", run).Msg("run failed to complete")
			}
		case rr.Passed:
			s.Passed++
		default:
			s.Failed++
		}
	}
	return s, nil
}
