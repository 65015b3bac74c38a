package judge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

// maxDiffChars keeps the prompt within a judge model's context window.
const maxDiffChars = 100_000

// ComputeRubricScore calculates a weighted average from per-criterion scores.
func ComputeRubricScore(rubric []config.RubricCriterion, scores map[string]float64) float64 {
	if len(rubric) == 0 {
		return 0.0
	}
	var totalWeight, weightedSum float64
	for _, r := range rubric {
		score, ok := scores[r.Criterion]
		if !ok {
			continue
		}
		weightedSum += score * r.Weight
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}

// MedianScore returns the median of scores.
func MedianScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// BuildPrompt renders the judge prompt for a run from the task prompt, the
// rubric and the agent's captured diff.
func BuildPrompt(req *Request) (string, error) {
	diff, err := os.ReadFile(filepath.Join(req.AgentDir, result.StagedDiffFile))
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("reading agent diff: %w", err)
	}
	d := string(diff)
	if len(d) > maxDiffChars {
		d = d[:maxDiffChars] + fmt.Sprintf("\n\n... [diff truncated from %d to %d chars] ...", len(diff), maxDiffChars)
	}
	if strings.TrimSpace(d) == "" {
		d = "(the agent made no changes)"
	}

	var criteria strings.Builder
	if len(req.Rubric) == 0 {
		criteria.WriteString("- overall (weight: 1): does the change fully and correctly accomplish the task?\n")
	}
	for _, r := range req.Rubric {
		fmt.Fprintf(&criteria, "- %s (weight: %g)", r.Criterion, r.Weight)
		if r.Description != "" {
			fmt.Fprintf(&criteria, ": %s", r.Description)
		}
		criteria.WriteString("\n")
	}

	return fmt.Sprintf(`You are a code review judge. Score the agent's change against each criterion on a scale of 0.0 to 1.0.

The agent's workspace is at %s.

Task given to the agent:
%s

Criteria:
%s
Diff:
%s

Respond with ONLY a JSON object of this form:
{"criteria": [{"name": "<criterion>", "score": 0.0, "explanation": "<one sentence>"}], "reasoning": "<short summary>"}
`, req.Workspace, strings.TrimSpace(req.TaskPrompt), criteria.String(), d), nil
}

// Verdict is a parsed judge response.
type Verdict struct {
	Score     *float64
	Passed    *bool
	Criteria  []result.Criterion
	Reasoning string
}

// ParseJudgeResponse extracts the JSON verdict from a model response that
// may carry markdown fences or surrounding prose. Both a structured object
// and a flat criterion-to-score map are accepted.
func ParseJudgeResponse(content string) (*Verdict, error) {
	obj, err := extractObject(content)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}

	// CLI wrappers report the model's text in a "result" field.
	if t, ok := raw["type"]; ok && string(t) == `"result"` {
		var inner string
		if err := json.Unmarshal(raw["result"], &inner); err == nil && inner != "" {
			return ParseJudgeResponse(inner)
		}
	}

	_, hasCriteria := raw["criteria"]
	_, hasScore := raw["score"]
	if !hasCriteria && !hasScore {
		var flat map[string]float64
		if err := json.Unmarshal([]byte(obj), &flat); err != nil {
			return nil, fmt.Errorf("parsing judge response: %w", err)
		}
		v := &Verdict{}
		names := make([]string, 0, len(flat))
		for k := range flat {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			v.Criteria = append(v.Criteria, result.Criterion{Name: k, Score: flat[k]})
		}
		return v, v.validate()
	}

	var structured struct {
		Score     *float64           `json:"score"`
		Passed    *bool              `json:"passed"`
		Criteria  []result.Criterion `json:"criteria"`
		Reasoning string             `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(obj), &structured); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}
	v := &Verdict{
		Score:     structured.Score,
		Passed:    structured.Passed,
		Criteria:  structured.Criteria,
		Reasoning: structured.Reasoning,
	}
	return v, v.validate()
}

func (v *Verdict) validate() error {
	if v.Score == nil && len(v.Criteria) == 0 {
		return errors.New("judge response has neither a score nor criteria")
	}
	if v.Score != nil && (*v.Score < 0 || *v.Score > 1) {
		return fmt.Errorf("judge score %g outside [0, 1]", *v.Score)
	}
	for _, c := range v.Criteria {
		if c.Score < 0 || c.Score > 1 {
			return fmt.Errorf("criterion %q score %g outside [0, 1]", c.Name, c.Score)
		}
	}
	return nil
}

// Evaluation turns the verdict into a stored JudgeEvaluation. Without an
// explicit score the weighted rubric mean is used; without an explicit
// verdict the score is compared against threshold.
func (v *Verdict) Evaluation(name, model string, rubric []config.RubricCriterion, threshold float64) *result.JudgeEvaluation {
	ev := &result.JudgeEvaluation{
		JudgeName:  name,
		JudgeModel: model,
		Criteria:   v.Criteria,
		Reasoning:  v.Reasoning,
	}
	if ev.Criteria == nil {
		ev.Criteria = []result.Criterion{}
	}
	switch {
	case v.Score != nil:
		ev.Score = *v.Score
	case len(rubric) > 0:
		scores := make(map[string]float64, len(v.Criteria))
		weights := make(map[string]float64, len(rubric))
		for _, r := range rubric {
			weights[r.Criterion] = r.Weight
		}
		for i, c := range v.Criteria {
			scores[c.Name] = c.Score
			ev.Criteria[i].Weight = weights[c.Name]
		}
		ev.Score = ComputeRubricScore(rubric, scores)
	default:
		var sum float64
		for _, c := range v.Criteria {
			sum += c.Score
		}
		ev.Score = sum / float64(len(v.Criteria))
	}
	if v.Passed != nil {
		ev.Passed = *v.Passed
	} else {
		ev.Passed = ev.Score >= threshold
	}
	return ev
}

func extractObject(content string) (string, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			content = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return "", errors.New("no JSON object in judge response")
	}
	return content[start : end+1], nil
}
