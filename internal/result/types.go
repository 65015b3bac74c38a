package result

import "time"

// Exit reasons recorded for an agent invocation.
const (
	ExitCompleted   = "completed"
	ExitGaveUp      = "gave_up"
	ExitCrashed     = "crashed"
	ExitTimeout     = "timeout"
	ExitRateLimited = "rate_limited"
)

// ExitReasonFromCode maps an agent exit status to an exit reason. Exit code
// 2 is the agent's convention for giving up on the task.
func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return ExitTimeout
	}
	switch code {
	case 0:
		return ExitCompleted
	case 2:
		return ExitGaveUp
	default:
		return ExitCrashed
	}
}

type TokenStats struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	Turns               int `json:"turns,omitempty"`
}

func (t TokenStats) Total() int {
	return t.InputTokens + t.OutputTokens + t.CacheReadTokens + t.CacheCreationTokens
}

// AgentResult is written to agent/result.json once the agent process has
// exited and its output has been parsed.
type AgentResult struct {
	ExitCode        int        `json:"exit_code"`
	ExitReason      string     `json:"exit_reason"`
	TimedOut        bool       `json:"timed_out"`
	DurationSeconds float64    `json:"duration_seconds"`
	CostUSD         float64    `json:"cost_usd"`
	TokenStats      TokenStats `json:"token_stats"`
	Model           string     `json:"model,omitempty"`
	IsError         bool       `json:"is_error,omitempty"`
}

// Succeeded reports whether the agent exited cleanly.
func (a *AgentResult) Succeeded() bool {
	return a.ExitCode == 0 && !a.TimedOut && !a.IsError
}

type Criterion struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight,omitempty"`
	Explanation string  `json:"explanation,omitempty"`
}

type JudgeEvaluation struct {
	JudgeName   string      `json:"judge_name"`
	JudgeModel  string      `json:"judge_model"`
	Score       float64     `json:"score"`
	Passed      bool        `json:"passed"`
	Criteria    []Criterion `json:"criteria"`
	Reasoning   string      `json:"reasoning,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

type RunResult struct {
	TierID            string     `json:"tier_id"`
	SubtestID         string     `json:"subtest_id"`
	RunNumber         int        `json:"run_number"`
	ExitCode          int        `json:"exit_code"`
	ExitReason        string     `json:"exit_reason"`
	Passed            bool       `json:"passed"`
	Score             float64    `json:"score"`
	CostUSD           float64    `json:"cost_usd"`
	TokenStats        TokenStats `json:"token_stats"`
	DurationSeconds   float64    `json:"duration_seconds"`
	ConsensusStrategy string     `json:"consensus_strategy,omitempty"`
	JudgeCount        int        `json:"judge_count"`
	MissingJudges     []string   `json:"missing_judges,omitempty"`
	Regenerated       bool       `json:"regenerated,omitempty"`
	CompletedAt       time.Time  `json:"completed_at"`
}
