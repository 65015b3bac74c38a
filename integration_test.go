//go:build integration

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/docker"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/runner"
)

func gitFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644))
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
		{"add", "."},
		{"commit", "-m", "initial"},
	} {
		c := exec.Command("git", args...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	return dir
}

// dockerExperiment opens an experiment whose agent runs inside alpine.
func dockerExperiment(t *testing.T, agentScript, timeout string) *runner.Experiment {
	t.Helper()
	if os.Getenv("CRUCIBLE_DOCKER_TESTS") == "" {
		t.Skip("set CRUCIBLE_DOCKER_TESTS=1 to run docker integration tests")
	}
	dir := t.TempDir()
	repo := gitFixture(t)
	files := map[string]string{
		"prompt.md":                 "Say goodbye in hello.txt\n",
		"tiers/T0/tier.yaml":        "name: Baseline\n",
		"tiers/T0/subtests/00.yaml": "name: plain\n",
		"config.yaml": fmt.Sprintf(`experiment_id: docker-it
task:
  repo: %s
  prompt_file: prompt.md
agent:
  runtime: docker
  image: alpine:latest
  command: ["sh", "-c", %q]
  timeout: %s
judges:
  - name: judge-a
    model: judge-model
    command: ["sh", "-c", "printf '{\"score\": 0.9, \"reasoning\": \"ok\"}'"]
`, repo, agentScript, timeout),
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	tiers, err := config.LoadTiers(cfg.TiersDir, nil)
	require.NoError(t, err)
	e, err := runner.Open(context.Background(), zerolog.Nop(), cfg, tiers, "")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestDockerAgentRun(t *testing.T) {
	e := dockerExperiment(t,
		`echo goodbye > hello.txt; echo '{"type":"result","is_error":false,"num_turns":1,"total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":5}}'`,
		"2m")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	summary, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Passed)

	runDir := result.RunDir(e.Dir, "T0", "00", 1)
	rr, err := result.ReadRunResult(runDir)
	require.NoError(t, err)
	assert.Equal(t, result.ExitCompleted, rr.ExitReason)
	assert.Equal(t, 15, rr.TokenStats.Total())

	data, err := os.ReadFile(filepath.Join(runDir, "workspace", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "goodbye\n", string(data))
}

func TestDockerAgentTimeoutStopsContainer(t *testing.T) {
	e := dockerExperiment(t, "sleep 120", "3s")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	summary, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Passed)

	ar, err := result.ReadAgentResult(result.RunDir(e.Dir, "T0", "00", 1))
	require.NoError(t, err)
	assert.True(t, ar.TimedOut)
	assert.Equal(t, result.ExitTimeout, ar.ExitReason)

	name := docker.ContainerName(e.ID, "T0", "00", 1)
	out, err := exec.Command("docker", "ps", "-q", "--filter", "name="+name).Output()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(out)))
}
