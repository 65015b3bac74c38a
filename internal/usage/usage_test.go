package usage_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/usage"
)

func TestParseUsageRecords(t *testing.T) {
	out := `{"model":"claude-sonnet-4","provider":"anthropic","input_tokens":4200,"output_tokens":1800}
{"model":"gpt-4.1","provider":"openai","input_tokens":1000,"output_tokens":500}
some non-json startup noise
`
	s := usage.Parse([]byte(out))
	if len(s.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(s.Records))
	}
	if s.Tokens.InputTokens != 5200 {
		t.Errorf("input tokens: got %d, want 5200", s.Tokens.InputTokens)
	}
	if s.Tokens.OutputTokens != 2300 {
		t.Errorf("output tokens: got %d, want 2300", s.Tokens.OutputTokens)
	}
	if s.CostKnown {
		t.Error("cost should be unknown without a result line")
	}

	table, err := pricing.Load("../../testdata/pricing.yaml")
	if err != nil {
		t.Fatal(err)
	}
	s.FillCost(table, "")
	want := 4.2*0.003 + 1.8*0.015 + 1.0*0.002 + 0.5*0.008
	if !s.CostKnown || math.Abs(s.CostUSD-want) > 1e-6 {
		t.Errorf("cost: got %f (known=%v), want %f", s.CostUSD, s.CostKnown, want)
	}
}

func TestParseResultObject(t *testing.T) {
	out := `{
  "type": "result",
  "subtype": "success",
  "is_error": false,
  "num_turns": 7,
  "total_cost_usd": 0.035,
  "usage": {"input_tokens": 1200, "output_tokens": 300, "cache_read_input_tokens": 5000}
}`
	s := usage.Parse([]byte(out))
	if !s.Found || !s.CostKnown {
		t.Fatalf("expected result with cost, got %+v", s)
	}
	if s.CostUSD != 0.035 {
		t.Errorf("cost: got %f", s.CostUSD)
	}
	if s.Tokens.Turns != 7 || s.Tokens.CacheReadTokens != 5000 {
		t.Errorf("tokens: %+v", s.Tokens)
	}
	if s.IsError {
		t.Error("is_error should be false")
	}
}

func TestParseStreamJSON(t *testing.T) {
	out := `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":20}}}
{"type":"assistant","message":{"model":"claude-sonnet-4","usage":{"input_tokens":150,"output_tokens":30}}}
{"type":"result","is_error":true,"num_turns":2,"total_cost_usd":0.01,"usage":{"input_tokens":250,"output_tokens":50}}
`
	s := usage.Parse([]byte(out))
	if s.Model != "claude-sonnet-4" {
		t.Errorf("model: got %q", s.Model)
	}
	if s.Tokens.InputTokens != 250 || s.Tokens.OutputTokens != 50 {
		t.Errorf("tokens: %+v", s.Tokens)
	}
	if !s.IsError {
		t.Error("expected is_error")
	}
}

func TestParseStreamWithoutResult(t *testing.T) {
	out := `{"type":"assistant","message":{"model":"claude-sonnet-4","usage":{"input_tokens":1000,"output_tokens":1000}}}
`
	s := usage.Parse([]byte(out))
	if s.Tokens.Turns != 1 || s.Tokens.InputTokens != 1000 {
		t.Errorf("tokens: %+v", s.Tokens)
	}
	table, _ := pricing.Load("../../testdata/pricing.yaml")
	s.FillCost(table, "ignored")
	if math.Abs(s.CostUSD-0.018) > 1e-6 {
		t.Errorf("cost: got %f, want 0.018", s.CostUSD)
	}
}

func TestParseNothing(t *testing.T) {
	s := usage.Parse([]byte("plain text output\n"))
	if s.Found {
		t.Error("plain text should not yield usage")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	os.WriteFile(path, []byte(`{"type":"result","total_cost_usd":1.5,"usage":{"input_tokens":1,"output_tokens":2}}`), 0o644)
	s, err := usage.ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.CostUSD != 1.5 {
		t.Errorf("cost: got %f", s.CostUSD)
	}
	if _, err := usage.ParseFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAgentResult(t *testing.T) {
	s := usage.Parse([]byte(`{"type":"result","is_error":true,"num_turns":3,"total_cost_usd":0.5,"usage":{"input_tokens":10,"output_tokens":5}}`))
	r := s.AgentResult(0, false, 90*time.Second, "sonnet")
	assert.Equal(t, result.ExitCrashed, r.ExitReason)
	assert.True(t, r.IsError)
	assert.False(t, r.Succeeded())
	assert.Equal(t, 90.0, r.DurationSeconds)
	assert.Equal(t, "sonnet", r.Model)
	assert.Equal(t, 15, r.TokenStats.Total())

	timedOut := usage.Parse(nil).AgentResult(124, true, time.Minute, "sonnet")
	assert.Equal(t, result.ExitTimeout, timedOut.ExitReason)

	gaveUp := usage.Parse(nil).AgentResult(2, false, time.Minute, "sonnet")
	assert.Equal(t, result.ExitGaveUp, gaveUp.ExitReason)
}
