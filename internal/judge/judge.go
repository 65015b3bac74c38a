// Package judge scores a finished run with one or more independent judges
// and combines their verdicts.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/crucible/internal/cmdlog"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

const PromptFile = "prompt.md"

// Request describes the run being judged. All paths are absolute.
type Request struct {
	Tier       string
	Subtest    string
	Run        int
	RunDir     string
	AgentDir   string
	Workspace  string
	TaskPrompt string
	Rubric     []config.RubricCriterion
	Threshold  float64
}

// Judge evaluates one run. dir is the judge's own output directory.
type Judge interface {
	Name() string
	Evaluate(ctx context.Context, req *Request, dir string) (*result.JudgeEvaluation, error)
}

// Error is one judge failing. It never fails the run.
type Error struct {
	Judge string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("judge %s: %v", e.Judge, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FromConfig builds the configured judges.
func FromConfig(logger zerolog.Logger, cfg *config.Config, secretEnv []string) ([]Judge, error) {
	judges := make([]Judge, 0, len(cfg.Judges))
	for _, j := range cfg.Judges {
		switch j.Kind {
		case config.JudgeKindCommand:
			judges = append(judges, &CommandJudge{
				JudgeName: j.Name,
				Model:     j.Model,
				Command:   j.Command,
				Timeout:   cfg.JudgeTimeout,
				Env:       secretEnv,
				Logger:    logger,
			})
		case config.JudgeKindHTTP:
			judges = append(judges, &HTTPJudge{
				JudgeName: j.Name,
				Model:     j.Model,
				Endpoint:  j.Endpoint,
				APIKey:    lookupEnv(secretEnv, j.APIKeyEnv),
				Client:    &http.Client{Timeout: cfg.JudgeTimeout},
			})
		default:
			return nil, fmt.Errorf("judge %q: unknown kind %q", j.Name, j.Kind)
		}
	}
	return judges, nil
}

func lookupEnv(env []string, name string) string {
	if name == "" {
		return ""
	}
	if v, ok := config.EnvMap(env)[name]; ok {
		return v
	}
	return os.Getenv(name)
}

func writePrompt(req *Request, dir string) (string, string, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating judge dir: %w", err)
	}
	path := filepath.Join(dir, PromptFile)
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return "", "", fmt.Errorf("writing judge prompt: %w", err)
	}
	return path, prompt, nil
}

// CommandJudge runs an external CLI through the command log. The prompt is
// passed by file path and the verdict is read from stdout.
type CommandJudge struct {
	JudgeName string
	Model     string
	Command   []string
	Timeout   time.Duration
	Env       []string
	Logger    zerolog.Logger
}

func (j *CommandJudge) Name() string { return j.JudgeName }

func (j *CommandJudge) Evaluate(ctx context.Context, req *Request, dir string) (*result.JudgeEvaluation, error) {
	promptPath, _, err := writePrompt(req, dir)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{
		"{prompt_file}": promptPath,
		"{model}":       j.Model,
		"{workspace}":   req.Workspace,
		"{run_dir}":     req.RunDir,
		"{agent_dir}":   req.AgentDir,
		"{judge_dir}":   dir,
	}
	argv := make([]string, len(j.Command))
	for i, a := range j.Command {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		argv[i] = a
	}

	log, err := cmdlog.New(dir)
	if err != nil {
		return nil, err
	}
	if _, err := log.LogCommand(argv, dir, map[string]string{"CRUCIBLE_JUDGE_MODEL": j.Model}); err != nil {
		return nil, err
	}
	out, err := cmdlog.Execute(ctx, j.Logger, log, cmdlog.ExecOptions{Timeout: j.Timeout, Env: j.Env})
	if err != nil {
		return nil, err
	}
	if out.TimedOut {
		return nil, fmt.Errorf("timed out after %s", j.Timeout)
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("exited with code %d", out.ExitCode)
	}
	rec, _ := log.Last()
	stdout, err := os.ReadFile(rec.StdoutRef)
	if err != nil {
		return nil, fmt.Errorf("reading judge output: %w", err)
	}
	v, err := ParseJudgeResponse(string(stdout))
	if err != nil {
		return nil, err
	}
	return v.Evaluation(j.JudgeName, j.Model, req.Rubric, req.Threshold), nil
}

// HTTPJudge calls an OpenAI-compatible chat completions endpoint.
type HTTPJudge struct {
	JudgeName string
	Model     string
	Endpoint  string
	APIKey    string
	Client    *http.Client
}

func (j *HTTPJudge) Name() string { return j.JudgeName }

func (j *HTTPJudge) url() string {
	u := strings.TrimRight(j.Endpoint, "/")
	if strings.HasSuffix(u, "/chat/completions") {
		return u
	}
	if strings.HasSuffix(u, "/v1") {
		return u + "/chat/completions"
	}
	return u + "/v1/chat/completions"
}

func (j *HTTPJudge) Evaluate(ctx context.Context, req *Request, dir string) (*result.JudgeEvaluation, error) {
	_, prompt, err := writePrompt(req, dir)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]any{
		"model":       j.Model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.APIKey)
	}
	client := j.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading judge response: %w", err)
	}
	os.WriteFile(filepath.Join(dir, "response.json"), raw, 0o644)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}

	var chat struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	v, err := ParseJudgeResponse(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return v.Evaluation(j.JudgeName, j.Model, req.Rubric, req.Threshold), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
