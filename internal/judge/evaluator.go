package judge

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

// Evaluator runs every configured judge for a run and computes consensus.
type Evaluator struct {
	logger    zerolog.Logger
	judges    []Judge
	expected  []config.Judge
	strategy  Strategy
	parallel  bool
	threshold float64
}

func NewEvaluator(logger zerolog.Logger, cfg *config.Config, judges []Judge) (*Evaluator, error) {
	strategy, err := StrategyByName(cfg.Consensus)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		logger:    logger.With().Str("component", "judge").Logger(),
		judges:    judges,
		expected:  cfg.Judges,
		strategy:  strategy,
		parallel:  cfg.JudgeMode == config.JudgeModeParallel,
		threshold: cfg.PassThreshold,
	}, nil
}

func (e *Evaluator) Strategy() Strategy { return e.strategy }

// Run evaluates req with each judge. A judge whose valid judgment is already
// on disk is not invoked again. Failed judges are logged and left out of the
// consensus.
func (e *Evaluator) Run(ctx context.Context, req *Request) (*Consensus, error) {
	log := e.logger.With().Str("tier", req.Tier).Str("subtest", req.Subtest).Int("run", req.Run).Logger()
	evals := make([]*result.JudgeEvaluation, len(e.judges))

	evaluate := func(ctx context.Context, i int, j Judge) {
		dir := result.JudgeDir(req.RunDir, i+1)
		if ev, err := result.ReadJudgeEvaluation(dir); err == nil && ev.JudgeName == j.Name() {
			log.Debug().Str("judge", j.Name()).Msg("reusing stored judgment")
			evals[i] = ev
			return
		}
		os.RemoveAll(dir)
		start := time.Now()
		ev, err := j.Evaluate(ctx, req, dir)
		if err == nil {
			ev.EvaluatedAt = time.Now().UTC()
			err = result.WriteJudgeEvaluation(dir, ev)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			jerr := &Error{Judge: j.Name(), Err: err}
			log.Warn().Err(jerr).Msg("judge failed, continuing with reduced judge count")
			return
		}
		log.Info().Str("judge", j.Name()).Float64("score", ev.Score).Bool("passed", ev.Passed).
			Dur("elapsed", time.Since(start)).Msg("judge finished")
		evals[i] = ev
	}

	if e.parallel {
		// Each goroutine writes only its own evals slot.
		g, gctx := errgroup.WithContext(ctx)
		for i, j := range e.judges {
			g.Go(func() error {
				evaluate(gctx, i, j)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, j := range e.judges {
			if ctx.Err() != nil {
				break
			}
			evaluate(ctx, i, j)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var survivors []*result.JudgeEvaluation
	for _, ev := range evals {
		if ev != nil {
			survivors = append(survivors, ev)
		}
	}
	c := Compute(e.strategy, e.expected, survivors, e.threshold)
	if c.JudgeCount == 0 {
		log.Warn().Strs("missing", c.Missing).Msg("no judge produced an evaluation, run scored 0")
	} else if len(c.Missing) > 0 {
		log.Warn().Int("judges", c.JudgeCount).Strs("missing", c.Missing).Msg("consensus from reduced judge set")
	}
	return c, nil
}

// IsJudgeError reports whether err came from a single judge.
func IsJudgeError(err error) bool {
	var jerr *Error
	return errors.As(err, &jerr)
}
