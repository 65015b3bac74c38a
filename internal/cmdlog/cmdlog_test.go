package cmdlog_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/crucible/internal/cmdlog"
)

func TestLogCommandWritesBeforeExecution(t *testing.T) {
	dir := t.TempDir()
	l, err := cmdlog.New(dir)
	require.NoError(t, err)

	rec, err := l.LogCommand([]string{"echo", "hello world"}, dir, map[string]string{"MODEL": "sonnet"})
	require.NoError(t, err)
	assert.Equal(t, cmdlog.Planned, rec.State)
	assert.Nil(t, rec.ExitCode)

	reloaded, err := cmdlog.Load(dir)
	require.NoError(t, err)
	require.Len(t, reloaded.Records(), 1)
	assert.Equal(t, cmdlog.Planned, reloaded.Records()[0].State)

	script, err := os.ReadFile(filepath.Join(dir, cmdlog.ReplayFile))
	require.NoError(t, err)
	s := string(script)
	assert.True(t, strings.HasPrefix(s, "#!/usr/bin/env bash\nset -euo pipefail\n"))
	assert.Contains(t, s, "BASH_XTRACEFD=19\nset -x\n")
	assert.Contains(t, s, `export MODEL="${MODEL:-sonnet}"`)
	assert.Contains(t, s, "echo 'hello world'")

	info, err := os.Stat(filepath.Join(dir, cmdlog.ReplayFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestReplayScriptUsesAbsolutePaths(t *testing.T) {
	root := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(root))
	t.Cleanup(func() { os.Chdir(wd) })

	require.NoError(t, os.MkdirAll("work", 0o755))
	l, err := cmdlog.New("logs")
	require.NoError(t, err)
	long := strings.Repeat("x", cmdlog.MaxInlineArg+1)
	_, err = l.LogCommand([]string{"printf", "%s", long, "line1\nline2"}, "work", nil)
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(l.Dir()))
	rec, _ := l.Last()
	assert.True(t, filepath.IsAbs(rec.Cwd))
	assert.True(t, filepath.IsAbs(rec.StdoutRef))

	script, err := os.ReadFile(l.ReplayPath())
	require.NoError(t, err)
	cdLine := regexp.MustCompile(`(?m)^cd (.+)$`).FindStringSubmatch(string(script))
	require.NotNil(t, cdLine)
	assert.True(t, filepath.IsAbs(strings.Trim(cdLine[1], "'")), "cd target %s", cdLine[1])

	catRefs := regexp.MustCompile(`"\$\(cat ([^)]+)\)"`).FindAllStringSubmatch(string(script), -1)
	require.Len(t, catRefs, 2)
	for _, m := range catRefs {
		p := strings.Trim(m[1], "'")
		assert.True(t, filepath.IsAbs(p), "arg ref %s", p)
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
	assert.NotContains(t, string(script), long)
}

func TestExecuteRunsReplayScript(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()
	l, err := cmdlog.New(dir)
	require.NoError(t, err)
	_, err = l.LogCommand([]string{"bash", "-c", `pwd; echo "model=$MODEL"; echo oops >&2; exit 3`}, work, map[string]string{"MODEL": "opus"})
	require.NoError(t, err)

	out, err := cmdlog.Execute(context.Background(), zerolog.Nop(), l, cmdlog.ExecOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, out.TimedOut)

	rec, _ := l.Last()
	assert.Equal(t, cmdlog.Executed, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)

	stdout, err := os.ReadFile(rec.StdoutRef)
	require.NoError(t, err)
	resolvedWork, _ := filepath.EvalSymlinks(work)
	assert.Contains(t, string(stdout), resolvedWork)
	assert.Contains(t, string(stdout), "model=opus")
	stderr, _ := os.ReadFile(rec.StderrRef)
	assert.Contains(t, string(stderr), "oops")
}

func TestExecuteKeepsTraceOutOfStderr(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rate-limited-api")
	l, err := cmdlog.New(dir)
	require.NoError(t, err)
	long := strings.Repeat("429 Too Many Requests ", 60)
	rec, err := l.LogCommand([]string{"bash", "-c", `echo boom >&2; exit 1`, long}, dir, nil)
	require.NoError(t, err)

	out, err := cmdlog.Execute(context.Background(), zerolog.Nop(), l, cmdlog.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ExitCode)

	stderr, err := os.ReadFile(rec.StderrRef)
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(stderr))

	trace, err := os.ReadFile(l.TracePath())
	require.NoError(t, err)
	assert.Contains(t, string(trace), "+ cd ")
	assert.Contains(t, string(trace), "rate-limited-api")
}

func TestExecuteEnvOverridesPlaceholderDefault(t *testing.T) {
	dir := t.TempDir()
	l, err := cmdlog.New(dir)
	require.NoError(t, err)
	_, err = l.LogCommand([]string{"bash", "-c", `echo "$TOKEN"`}, dir, map[string]string{"TOKEN": ""})
	require.NoError(t, err)

	_, err = cmdlog.Execute(context.Background(), zerolog.Nop(), l, cmdlog.ExecOptions{Env: []string{"TOKEN=secret-value"}})
	require.NoError(t, err)
	stdout, _ := os.ReadFile(filepath.Join(l.Dir(), "stdout.log"))
	assert.Equal(t, "secret-value\n", string(stdout))

	script, _ := os.ReadFile(l.ReplayPath())
	assert.NotContains(t, string(script), "secret-value")
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	l, err := cmdlog.New(dir)
	require.NoError(t, err)
	marker := filepath.Join(dir, "child-survived")
	_, err = l.LogCommand([]string{"bash", "-c", "(sleep 2; touch " + marker + ") & sleep 30"}, dir, nil)
	require.NoError(t, err)

	start := time.Now()
	out, err := cmdlog.Execute(context.Background(), zerolog.Nop(), l, cmdlog.ExecOptions{Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Equal(t, cmdlog.TimeoutExitCode, out.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)

	time.Sleep(2500 * time.Millisecond)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "background child should have been killed with the group")
}

func TestExecuteCancelledLeavesRecordPlanned(t *testing.T) {
	dir := t.TempDir()
	l, err := cmdlog.New(dir)
	require.NoError(t, err)
	_, err = l.LogCommand([]string{"sleep", "30"}, dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = cmdlog.Execute(ctx, zerolog.Nop(), l, cmdlog.ExecOptions{})
	require.Error(t, err)

	reloaded, err := cmdlog.Load(dir)
	require.NoError(t, err)
	rec, _ := reloaded.Last()
	assert.Equal(t, cmdlog.Planned, rec.State)
}

func TestUpdateLastCommandKeepsIdentity(t *testing.T) {
	dir := t.TempDir()
	l, err := cmdlog.New(dir)
	require.NoError(t, err)
	planned, err := l.LogCommand([]string{"true"}, dir, nil)
	require.NoError(t, err)

	require.NoError(t, l.UpdateLastCommand(0, 1500*time.Millisecond))
	rec, _ := l.Last()
	assert.Equal(t, planned.Timestamp, rec.Timestamp)
	assert.Equal(t, planned.StdoutRef, rec.StdoutRef)
	assert.Equal(t, 1.5, rec.Duration)

	assert.Error(t, l.UpdateLastCommand(1, time.Second), "second update must fail")
}

func TestLogCommandRejectsWhilePlanned(t *testing.T) {
	l, err := cmdlog.New(t.TempDir())
	require.NoError(t, err)
	_, err = l.LogCommand([]string{"true"}, l.Dir(), nil)
	require.NoError(t, err)
	_, err = l.LogCommand([]string{"false"}, l.Dir(), nil)
	assert.Error(t, err)
}

func TestInvalidPlaceholderName(t *testing.T) {
	l, err := cmdlog.New(t.TempDir())
	require.NoError(t, err)
	_, err = l.LogCommand([]string{"true"}, l.Dir(), map[string]string{"BAD NAME": "x"})
	assert.Error(t, err)
}
