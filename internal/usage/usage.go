// Package usage extracts token counts and cost from agent output. It
// understands a single JSON result object, stream-json envelopes, and
// per-request usage JSONL lines as written by an LLM proxy.
package usage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
)

// Record is one proxied request.
type Record struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

type tokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type envelope struct {
	Type         string      `json:"type"`
	IsError      *bool       `json:"is_error"`
	NumTurns     int         `json:"num_turns"`
	TotalCostUSD *float64    `json:"total_cost_usd"`
	Usage        *tokenUsage `json:"usage"`
	Message      *struct {
		Model string      `json:"model"`
		Usage *tokenUsage `json:"usage"`
	} `json:"message"`

	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Summary is what could be learned from one agent's stdout.
type Summary struct {
	Tokens    result.TokenStats
	CostUSD   float64
	CostKnown bool
	IsError   bool
	Model     string
	Records   []Record
	// Found is false when nothing usage-like appeared in the output.
	Found bool
}

func ParseFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent output: %w", err)
	}
	return Parse(data), nil
}

// Parse never fails; unparseable lines are ignored.
func Parse(data []byte) *Summary {
	s := &Summary{}
	var (
		final     *envelope
		assistant result.TokenStats
		turns     int
	)
	apply := func(env *envelope) {
		switch {
		case env.Type == "result" || (env.Type == "" && env.TotalCostUSD != nil):
			final = env
		case env.Type == "assistant" && env.Message != nil:
			turns++
			if env.Message.Model != "" {
				s.Model = env.Message.Model
			}
			if u := env.Message.Usage; u != nil {
				assistant.InputTokens += u.InputTokens
				assistant.OutputTokens += u.OutputTokens
				assistant.CacheReadTokens += u.CacheReadInputTokens
				assistant.CacheCreationTokens += u.CacheCreationInputTokens
				s.Found = true
			}
		case env.Model != "" && (env.InputTokens > 0 || env.OutputTokens > 0):
			s.Records = append(s.Records, Record{
				Provider:     env.Provider,
				Model:        env.Model,
				InputTokens:  env.InputTokens,
				OutputTokens: env.OutputTokens,
			})
			s.Found = true
		}
	}

	// A pretty-printed single result object spans many lines.
	trimmed := bytes.TrimSpace(data)
	var whole envelope
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &whole) == nil {
		apply(&whole)
	} else {
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 || line[0] != '{' {
				continue
			}
			var env envelope
			if err := json.Unmarshal(line, &env); err != nil {
				continue
			}
			apply(&env)
		}
	}

	switch {
	case final != nil:
		s.Found = true
		if final.Usage != nil {
			s.Tokens = result.TokenStats{
				InputTokens:         final.Usage.InputTokens,
				OutputTokens:        final.Usage.OutputTokens,
				CacheReadTokens:     final.Usage.CacheReadInputTokens,
				CacheCreationTokens: final.Usage.CacheCreationInputTokens,
			}
		} else {
			s.Tokens = assistant
		}
		s.Tokens.Turns = final.NumTurns
		if final.TotalCostUSD != nil {
			s.CostUSD = *final.TotalCostUSD
			s.CostKnown = true
		}
		if final.IsError != nil {
			s.IsError = *final.IsError
		}
	case turns > 0:
		s.Tokens = assistant
		s.Tokens.Turns = turns
	}
	if len(s.Records) > 0 && final == nil && turns == 0 {
		in, out := TotalUsage(s.Records)
		s.Tokens.InputTokens = in
		s.Tokens.OutputTokens = out
		if s.Model == "" {
			s.Model = s.Records[len(s.Records)-1].Model
		}
	}
	return s
}

func TotalUsage(records []Record) (inputTokens, outputTokens int) {
	for _, r := range records {
		inputTokens += r.InputTokens
		outputTokens += r.OutputTokens
	}
	return
}

// FillCost prices the summary from table when the output did not report a
// cost. Per-request records are priced individually; otherwise the totals
// are priced against model.
func (s *Summary) FillCost(table *pricing.Table, model string) {
	if s.CostKnown || table == nil {
		return
	}
	if len(s.Records) > 0 {
		var total float64
		priced := false
		for _, r := range s.Records {
			if r.Provider != "" {
				if c := table.Cost(r.Provider, r.Model, r.InputTokens, r.OutputTokens); c > 0 {
					total += c
					priced = true
					continue
				}
			}
			if c, ok := table.CostForModel(r.Model, r.InputTokens, r.OutputTokens); ok {
				total += c
				priced = true
			}
		}
		s.CostUSD, s.CostKnown = total, priced
		return
	}
	if s.Model != "" {
		model = s.Model
	}
	if c, ok := table.CostForModel(model, s.Tokens.InputTokens, s.Tokens.OutputTokens); ok {
		s.CostUSD, s.CostKnown = c, true
	}
}

// AgentResult combines the parsed output with the process outcome. An error
// reported in the output marks a clean exit as crashed.
func (s *Summary) AgentResult(exitCode int, timedOut bool, duration time.Duration, model string) *result.AgentResult {
	r := &result.AgentResult{
		ExitCode:        exitCode,
		ExitReason:      result.ExitReasonFromCode(exitCode, timedOut),
		TimedOut:        timedOut,
		DurationSeconds: duration.Seconds(),
		CostUSD:         s.CostUSD,
		TokenStats:      s.Tokens,
		Model:           model,
		IsError:         s.IsError,
	}
	if s.Model != "" {
		r.Model = s.Model
	}
	if s.IsError && r.ExitReason == result.ExitCompleted {
		r.ExitReason = result.ExitCrashed
	}
	return r
}
