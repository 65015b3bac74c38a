package runner_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/runner"
	"github.com/signalnine/crucible/internal/workspace"
)

// The fake agent counts its calls, checks it was given an absolute prompt
// path and behaves according to <control>/mode.
const agentScript = `#!/usr/bin/env bash
ws="$1"
prompt="$2"
control=%q
n=$(( $(cat "$control/agent_calls" 2>/dev/null || echo 0) + 1 ))
echo "$n" > "$control/agent_calls"
case "$prompt" in /*) ;; *) echo "relative prompt path" >&2; exit 4 ;; esac
test -f "$prompt" || exit 3
mode=$(cat "$control/mode" 2>/dev/null || echo ok)
if [ "$mode" = fail ]; then
  echo "boom" >&2
  exit 1
fi
if [ "$mode" = ratelimit-hang ]; then
  echo '{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}'
  sleep 30
fi
if [ "$mode" = ratelimit-once ] && [ "$n" = 1 ]; then
  echo '{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}'
  exit 1
fi
echo "solved" > "$ws/solution.txt"
echo '{"type":"assistant","message":{"model":"sonnet","usage":{"input_tokens":10,"output_tokens":5}}}'
echo '{"type":"result","is_error":false,"num_turns":3,"total_cost_usd":0.05,"usage":{"input_tokens":100,"output_tokens":50}}'
`

const judgeScript = `#!/usr/bin/env bash
control=%q
test -f "$1" || exit 3
n=$(( $(cat "$control/judge_calls" 2>/dev/null || echo 0) + 1 ))
echo "$n" > "$control/judge_calls"
score=$(cat "$control/score" 2>/dev/null || echo 0.9)
printf '{"score": %%s, "reasoning": "looks fine"}' "$score"
`

type fixture struct {
	dir     string
	control string
	cfg     *config.Config
	tiers   []*config.Tier
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	c := exec.Command("git", args...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func createTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixture(t *testing.T, runs int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, control: filepath.Join(dir, "control")}
	require.NoError(t, os.MkdirAll(f.control, 0o755))

	repo := createTestRepo(t)
	writeFile(t, filepath.Join(dir, "agent.sh"), fmt.Sprintf(agentScript, f.control))
	writeFile(t, filepath.Join(dir, "judge.sh"), fmt.Sprintf(judgeScript, f.control))
	writeFile(t, filepath.Join(dir, "prompt.md"), "Add a solution file.\n")
	writeFile(t, filepath.Join(dir, "tiers", "T0", "tier.yaml"), "name: Baseline\n")
	writeFile(t, filepath.Join(dir, "tiers", "T0", "subtests", "00.yaml"), "name: vanilla\n")

	cfgYAML := fmt.Sprintf(`experiment_id: exp-test
task:
  repo: %s
  prompt_file: prompt.md
tiers_dir: tiers
runs_per_subtest: %d
agent:
  command: ["bash", %q, "{workspace}", "{prompt_file}"]
  model: sonnet
  timeout: 1m
judges:
  - name: judge-a
    model: judge-model
    command: ["bash", %q, "{prompt_file}"]
judge_timeout: 1m
results_dir: results
rate_limit:
  max_retries: 2
  initial_wait: 10ms
  max_wait: 20ms
`, repo, runs, filepath.Join(dir, "agent.sh"), filepath.Join(dir, "judge.sh"))
	writeFile(t, filepath.Join(dir, "config.yaml"), cfgYAML)

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	tiers, err := config.LoadTiers(cfg.TiersDir, nil)
	require.NoError(t, err)
	f.cfg, f.tiers = cfg, tiers
	return f
}

func (f *fixture) open(t *testing.T) *runner.Experiment {
	t.Helper()
	e, err := runner.Open(context.Background(), zerolog.Nop(), f.cfg, f.tiers, "")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func (f *fixture) setMode(t *testing.T, mode string) {
	t.Helper()
	writeFile(t, filepath.Join(f.control, "mode"), mode)
}

func (f *fixture) calls(t *testing.T, name string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.control, name))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return n
}

func (f *fixture) runDir(e *runner.Experiment, run int) string {
	return result.RunDir(e.Dir, "T0", "00", run)
}

func TestRunPassesAndWritesArtifacts(t *testing.T) {
	f := newFixture(t, 2)
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, f.calls(t, "agent_calls"))
	assert.Equal(t, 2, f.calls(t, "judge_calls"))

	runDir := f.runDir(e, 1)
	for _, p := range []string{
		result.TaskPromptFile,
		result.RunResultFile,
		filepath.Join(result.AgentDirName, "replay.sh"),
		filepath.Join(result.AgentDirName, "command_log.json"),
		filepath.Join(result.AgentDirName, result.AgentResultFile),
		filepath.Join(result.AgentDirName, "diff_unstaged.patch"),
		filepath.Join(result.AgentDirName, "workspace_files.txt"),
		filepath.Join(result.JudgeDirName, "judge_01", "judgment.json"),
	} {
		assert.FileExists(t, filepath.Join(runDir, p))
	}
	assert.FileExists(t, filepath.Join(runDir, workspace.WorktreeDir, "solution.txt"))

	rr, err := result.ReadRunResult(runDir)
	require.NoError(t, err)
	assert.True(t, rr.Passed)
	assert.InDelta(t, 0.9, rr.Score, 0.001)
	assert.Equal(t, 1, rr.JudgeCount)
	assert.InDelta(t, 0.05, rr.CostUSD, 0.0001)
	assert.Equal(t, result.ExitCompleted, rr.ExitReason)

	assert.Equal(t, checkpoint.Passed, e.Store.Status("T0", "00", 1))
	assert.Equal(t, checkpoint.Passed, e.Store.Status("T0", "00", 2))

	target, err := os.Readlink(filepath.Join(f.cfg.ResultsDir, runner.LatestLink))
	require.NoError(t, err)
	assert.Equal(t, "exp-test", filepath.Base(target))
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	e := f.open(t)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	before, err := os.ReadFile(e.Store.Path())
	require.NoError(t, err)

	gitCalls := shimGit(t)
	again := f.open(t)
	summary, err := again.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Passed)
	assert.Equal(t, 2, f.calls(t, "agent_calls"))
	assert.Equal(t, 2, f.calls(t, "judge_calls"))

	after, err := os.ReadFile(again.Store.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	_, err = os.Stat(gitCalls)
	assert.True(t, os.IsNotExist(err), "no git process on a fully passed resume")
}

// shimGit puts a git wrapper first on PATH that records each invocation
// before running the real binary. It returns the record file.
func shimGit(t *testing.T) string {
	t.Helper()
	real, err := exec.LookPath("git")
	require.NoError(t, err)
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls")
	script := fmt.Sprintf("#!/bin/sh\necho \"$*\" >> %q\nexec %q \"$@\"\n", calls, real)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "git"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return calls
}

func TestLowScoreFailsRun(t *testing.T) {
	f := newFixture(t, 1)
	writeFile(t, filepath.Join(f.control, "score"), "0.3")
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, checkpoint.Failed, e.Store.Status("T0", "00", 1))
	rr, err := result.ReadRunResult(f.runDir(e, 1))
	require.NoError(t, err)
	assert.False(t, rr.Passed)
	assert.InDelta(t, 0.3, rr.Score, 0.001)
}

func TestAgentFailureSkipsJudges(t *testing.T) {
	f := newFixture(t, 1)
	f.setMode(t, "fail")
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, f.calls(t, "agent_calls"), "plain failures are not retried")
	assert.Equal(t, 0, f.calls(t, "judge_calls"))

	runDir := f.runDir(e, 1)
	rr, err := result.ReadRunResult(runDir)
	require.NoError(t, err)
	assert.False(t, rr.Passed)
	assert.Equal(t, 0.0, rr.Score)
	assert.Equal(t, 1, rr.ExitCode)
	assert.Equal(t, result.ExitCrashed, rr.ExitReason)
	assert.Equal(t, checkpoint.Failed, e.Store.Status("T0", "00", 1))
	assert.Equal(t, recovery.JudgeAgentFailed, recovery.ClassifyJudge(runDir, f.cfg.JudgeNames()))
}

func TestRateLimitedAgentIsRetried(t *testing.T) {
	f := newFixture(t, 1)
	f.setMode(t, "ratelimit-once")
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 2, f.calls(t, "agent_calls"))

	archived, err := filepath.Glob(filepath.Join(f.runDir(e, 1), result.FailedDirName, "*", result.AgentDirName))
	require.NoError(t, err)
	assert.Len(t, archived, 1, "the rate limited attempt is kept")
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.RateLimit.MaxRetries = 0
	f.setMode(t, "ratelimit-once")
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	rr, err := result.ReadRunResult(f.runDir(e, 1))
	require.NoError(t, err)
	assert.Equal(t, result.ExitRateLimited, rr.ExitReason)
}

func TestCrashUnderSignatureLikeIDIsNotRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	subtests := filepath.Join(f.dir, "tiers", "T0", "subtests")
	require.NoError(t, os.Remove(filepath.Join(subtests, "00.yaml")))
	writeFile(t, filepath.Join(subtests, "rate-limited-api.yaml"), "name: 429 handling\n")
	tiers, err := config.LoadTiers(f.cfg.TiersDir, nil)
	require.NoError(t, err)
	f.tiers = tiers
	f.setMode(t, "fail")
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, f.calls(t, "agent_calls"))

	runDir := result.RunDir(e.Dir, "T0", "rate-limited-api", 1)
	rr, err := result.ReadRunResult(runDir)
	require.NoError(t, err)
	assert.Equal(t, result.ExitCrashed, rr.ExitReason)

	stderr, err := os.ReadFile(filepath.Join(result.AgentDir(runDir), result.StderrFile))
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(stderr))
}

func TestRateLimitedTimeoutKeepsTimeoutReason(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.RateLimit.MaxRetries = 0
	f.cfg.Agent.Timeout = 500 * time.Millisecond
	f.setMode(t, "ratelimit-hang")
	e := f.open(t)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	ar, err := result.ReadAgentResult(f.runDir(e, 1))
	require.NoError(t, err)
	assert.True(t, ar.TimedOut)
	assert.Equal(t, result.ExitTimeout, ar.ExitReason)
}

func TestResumeAtJudging(t *testing.T) {
	f := newFixture(t, 1)
	e := f.open(t)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	// Simulate a crash after the agent finished but before judging.
	runDir := f.runDir(e, 1)
	require.NoError(t, os.RemoveAll(filepath.Join(runDir, result.JudgeDirName)))
	require.NoError(t, os.Remove(filepath.Join(runDir, result.RunResultFile)))
	require.NoError(t, e.Store.Set("T0", "00", 1, checkpoint.AgentComplete))

	summary, err := f.open(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, f.calls(t, "agent_calls"), "agent is not run again")
	assert.Equal(t, 2, f.calls(t, "judge_calls"))
}

func TestPassedRunWithoutArtifactsKeepsWorkspace(t *testing.T) {
	f := newFixture(t, 1)
	e := f.open(t)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	runDir := f.runDir(e, 1)
	writeFile(t, filepath.Join(runDir, workspace.WorktreeDir, "keep.txt"), "mine")
	for _, p := range []string{result.AgentDirName, result.JudgeDirName, result.RunResultFile} {
		require.NoError(t, os.RemoveAll(filepath.Join(runDir, p)))
	}

	summary, err := f.open(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 2, f.calls(t, "agent_calls"))
	assert.FileExists(t, filepath.Join(runDir, workspace.WorktreeDir, "keep.txt"))
}

func TestRerunRegeneratesFromArtifacts(t *testing.T) {
	f := newFixture(t, 1)
	e := f.open(t)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	runDir := f.runDir(e, 1)
	require.NoError(t, os.Remove(filepath.Join(runDir, result.RunResultFile)))
	require.Equal(t, recovery.Results, recovery.Classify(runDir))

	opts := runner.RerunOptions{Filter: recovery.Filter{Statuses: []recovery.RunStatus{recovery.Results}}}
	plan, summary, err := e.Rerun(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, plan.Regenerate, 1)
	assert.Empty(t, plan.Rerun)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, f.calls(t, "agent_calls"))
	assert.Equal(t, 1, f.calls(t, "judge_calls"))

	rr, err := result.ReadRunResult(runDir)
	require.NoError(t, err)
	assert.True(t, rr.Regenerated)
	assert.True(t, rr.Passed)
}

func TestRerunFailedRun(t *testing.T) {
	f := newFixture(t, 1)
	f.setMode(t, "fail")
	e := f.open(t)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	f.setMode(t, "ok")
	opts := runner.RerunOptions{Filter: recovery.Filter{Statuses: []recovery.RunStatus{recovery.Failed}}}

	plan, _, err := e.Rerun(context.Background(), runner.RerunOptions{Filter: opts.Filter, DryRun: true})
	require.NoError(t, err)
	assert.Len(t, plan.Rerun, 1)
	assert.Equal(t, 1, f.calls(t, "agent_calls"), "dry run executes nothing")

	plan, summary, err := e.Rerun(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, plan.Rerun, 1)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 2, f.calls(t, "agent_calls"))
	assert.Equal(t, checkpoint.Passed, e.Store.Status("T0", "00", 1))

	archived, err := filepath.Glob(filepath.Join(f.runDir(e, 1), result.FailedDirName, "*", result.RunResultFile))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestRerunJudgeOnly(t *testing.T) {
	f := newFixture(t, 1)
	e := f.open(t)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	runDir := f.runDir(e, 1)
	require.NoError(t, os.RemoveAll(filepath.Join(runDir, result.JudgeDirName)))
	require.NoError(t, os.Remove(filepath.Join(runDir, result.RunResultFile)))
	writeFile(t, filepath.Join(f.control, "score"), "0.5")

	plan, summary, err := e.Rerun(context.Background(), runner.RerunOptions{JudgeOnly: true})
	require.NoError(t, err)
	assert.Len(t, plan.Rejudge, 1)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, f.calls(t, "agent_calls"))
	assert.Equal(t, 2, f.calls(t, "judge_calls"))

	rr, err := result.ReadRunResult(runDir)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rr.Score, 0.001)
	assert.Equal(t, checkpoint.Failed, e.Store.Status("T0", "00", 1))
}

func TestAgentCommand(t *testing.T) {
	tier := &config.Tier{ID: "T1", Args: []string{"--append-system-prompt-file", "{system_prompt_file}"}}
	sub := &config.Subtest{ID: "00", Args: []string{"--run", "{tier}/{subtest}/{run}"}}
	vars := map[string]string{
		"{prompt_file}":        "/r/task_prompt.md",
		"{model}":              "sonnet",
		"{system_prompt_file}": "/r/agent/system_prompt.md",
		"{tier}":               "T1",
		"{subtest}":            "00",
		"{run}":                "3",
	}
	got := runner.AgentCommand([]string{"claude", "--model", "{model}", "-p", "{prompt_file}"}, tier, sub, vars)
	assert.Equal(t, []string{
		"claude", "--model", "sonnet", "-p", "/r/task_prompt.md",
		"--append-system-prompt-file", "/r/agent/system_prompt.md",
		"--run", "T1/00/3",
	}, got)
}

func TestResolveID(t *testing.T) {
	dir := t.TempDir()
	_, err := runner.ResolveID(dir, "")
	assert.Error(t, err)

	id, err := runner.ResolveID(dir, "given")
	require.NoError(t, err)
	assert.Equal(t, "given", id)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "exp-1"), 0o755))
	require.NoError(t, os.Symlink("exp-1", filepath.Join(dir, runner.LatestLink)))
	id, err = runner.ResolveID(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "exp-1", id)
}
