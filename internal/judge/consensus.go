package judge

import (
	"fmt"
	"time"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

// Vote is one surviving judge's contribution to consensus.
type Vote struct {
	Judge  string
	Score  float64
	Passed bool
	Weight float64
}

// Strategy combines judge votes into a single score and verdict.
type Strategy interface {
	Name() string
	Combine(votes []Vote, threshold float64) (score float64, passed bool)
}

type Mean struct{}

func (Mean) Name() string { return "mean" }

func (Mean) Combine(votes []Vote, threshold float64) (float64, bool) {
	s := meanScore(votes)
	return s, s >= threshold
}

type Median struct{}

func (Median) Name() string { return "median" }

func (Median) Combine(votes []Vote, threshold float64) (float64, bool) {
	scores := make([]float64, len(votes))
	for i, v := range votes {
		scores[i] = v.Score
	}
	s := MedianScore(scores)
	return s, s >= threshold
}

// Majority passes when more than half of the judges passed the run. The
// reported score is the mean.
type Majority struct{}

func (Majority) Name() string { return "majority" }

func (Majority) Combine(votes []Vote, threshold float64) (float64, bool) {
	passed := 0
	for _, v := range votes {
		if v.Passed {
			passed++
		}
	}
	return meanScore(votes), passed*2 > len(votes)
}

type Weighted struct{}

func (Weighted) Name() string { return "weighted" }

func (Weighted) Combine(votes []Vote, threshold float64) (float64, bool) {
	var sum, total float64
	for _, v := range votes {
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		sum += v.Score * w
		total += w
	}
	if total == 0 {
		return 0, false
	}
	s := sum / total
	return s, s >= threshold
}

func meanScore(votes []Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range votes {
		sum += v.Score
	}
	return sum / float64(len(votes))
}

func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "mean":
		return Mean{}, nil
	case "median":
		return Median{}, nil
	case "majority":
		return Majority{}, nil
	case "weighted":
		return Weighted{}, nil
	}
	return nil, fmt.Errorf("unknown consensus strategy %q", name)
}

// Consensus is the combined verdict of the judges that produced an
// evaluation.
type Consensus struct {
	Strategy    string
	Score       float64
	Passed      bool
	JudgeCount  int
	Missing     []string
	Evaluations []*result.JudgeEvaluation
}

// Compute matches evaluations to the expected judges and combines them. With
// no surviving judge the run scores 0 and fails.
func Compute(strategy Strategy, expected []config.Judge, evals []*result.JudgeEvaluation, threshold float64) *Consensus {
	byName := make(map[string]*result.JudgeEvaluation, len(evals))
	for _, ev := range evals {
		key := ev.JudgeName
		if key == "" {
			key = ev.JudgeModel
		}
		byName[key] = ev
	}
	c := &Consensus{Strategy: strategy.Name()}
	var votes []Vote
	for _, j := range expected {
		ev, ok := byName[j.Name]
		if !ok {
			c.Missing = append(c.Missing, j.Name)
			continue
		}
		votes = append(votes, Vote{Judge: j.Name, Score: ev.Score, Passed: ev.Passed, Weight: j.Weight})
		c.Evaluations = append(c.Evaluations, ev)
	}
	c.JudgeCount = len(votes)
	if len(votes) == 0 {
		return c
	}
	c.Score, c.Passed = strategy.Combine(votes, threshold)
	return c
}

// NewRunResult builds the final outcome of a run. A nil consensus means the
// agent failed and no judge was consulted: the run scores 0 and fails.
func NewRunResult(tier, subtest string, run int, agent *result.AgentResult, c *Consensus) *result.RunResult {
	r := &result.RunResult{
		TierID:          tier,
		SubtestID:       subtest,
		RunNumber:       run,
		ExitCode:        agent.ExitCode,
		ExitReason:      agent.ExitReason,
		CostUSD:         agent.CostUSD,
		TokenStats:      agent.TokenStats,
		DurationSeconds: agent.DurationSeconds,
		CompletedAt:     time.Now().UTC(),
	}
	if c != nil {
		r.Score = c.Score
		r.Passed = c.Passed
		r.ConsensusStrategy = c.Strategy
		r.JudgeCount = c.JudgeCount
		r.MissingJudges = c.Missing
	}
	return r
}
