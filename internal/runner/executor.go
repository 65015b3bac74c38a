package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/cmdlog"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/docker"
	"github.com/signalnine/crucible/internal/judge"
	"github.com/signalnine/crucible/internal/ratelimit"
	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/usage"
	"github.com/signalnine/crucible/internal/workspace"
)

// SystemPromptFile is the tier system prompt as handed to the agent.
const SystemPromptFile = "system_prompt.md"

// containerLogFile holds the tail of a container's output when it had to be
// stopped.
const containerLogFile = "container.log"

// AgentError describes an agent that did not finish cleanly. It is recorded
// as a failed run and never returned to callers.
type AgentError struct {
	Tier     string
	Subtest  string
	Run      int
	ExitCode int
	Reason   string
	Err      error
}

func (e *AgentError) Error() string {
	msg := fmt.Sprintf("agent %s/%s run %d: %s (exit code %d)", e.Tier, e.Subtest, e.Run, e.Reason, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AgentError) Unwrap() error { return e.Err }

type executor struct {
	e     *Experiment
	sleep func(ctx context.Context, d time.Duration) error
}

func (e *Experiment) executor() *executor {
	return &executor{e: e, sleep: ratelimit.Sleep}
}

// Execute brings one run to a terminal checkpoint status and returns its
// result. Finished runs return their stored result; runs whose agent already
// completed go straight to judging.
func (x *executor) Execute(ctx context.Context, t *config.Tier, sub *config.Subtest, run int) (*result.RunResult, error) {
	store := x.e.Store
	runDir := result.RunDir(x.e.Dir, t.ID, sub.ID, run)
	log := x.e.logger.With().Str("tier", t.ID).Str("subtest", sub.ID).Int("run", run).Logger()

	status := store.Status(t.ID, sub.ID, run)
	// A passed run that is executed again keeps its workspace.
	setupStatus := status
	if status.Terminal() {
		if rr, err := result.ReadRunResult(runDir); err == nil {
			return rr, nil
		}
		rr, err := x.regenerate(runDir, t.ID, sub.ID, run)
		switch {
		case err == nil && rr != nil:
			log.Info().Msg("rebuilt missing run result from artifacts")
			if err := store.Set(t.ID, sub.ID, run, terminalStatus(rr)); err != nil {
				return nil, err
			}
			return rr, nil
		case err == nil:
			log.Warn().Msg("finished run lost its judgments, judging again")
			if err := store.Set(t.ID, sub.ID, run, checkpoint.AgentComplete); err != nil {
				return nil, err
			}
			status = checkpoint.AgentComplete
		default:
			log.Warn().Err(err).Str("status", string(status)).Msg("finished run has no usable result, running it again")
			if err := store.Reset(t.ID, sub.ID, run); err != nil {
				return nil, err
			}
			status = checkpoint.NotStarted
		}
	}

	var (
		agent *result.AgentResult
		ws    *workspace.Workspace
	)
	if status == checkpoint.AgentComplete {
		if a, err := result.ReadAgentResult(runDir); err == nil {
			agent = a
			ws, _ = workspace.ReadMarker(runDir)
			log.Info().Msg("agent already complete, resuming at judging")
		}
	}
	if agent == nil {
		var err error
		ws, agent, err = x.runAgent(ctx, log, t, sub, run, runDir, setupStatus)
		if err != nil {
			return nil, err
		}
		if err := store.Set(t.ID, sub.ID, run, checkpoint.AgentComplete); err != nil {
			return nil, err
		}
	}
	return x.finish(ctx, log, t, sub, run, runDir, ws, agent)
}

// finish judges the run and persists its result before marking it terminal.
func (x *executor) finish(ctx context.Context, log zerolog.Logger, t *config.Tier, sub *config.Subtest, run int,
	runDir string, ws *workspace.Workspace, agent *result.AgentResult) (*result.RunResult, error) {
	var c *judge.Consensus
	if agent.Succeeded() {
		prompt, err := os.ReadFile(filepath.Join(runDir, result.TaskPromptFile))
		if err != nil {
			return nil, fmt.Errorf("reading task prompt: %w", err)
		}
		wsPath := filepath.Join(runDir, workspace.WorktreeDir)
		if ws != nil {
			wsPath = ws.Path
		}
		c, err = x.e.Evaluator.Run(ctx, &judge.Request{
			Tier:       t.ID,
			Subtest:    sub.ID,
			Run:        run,
			RunDir:     runDir,
			AgentDir:   result.AgentDir(runDir),
			Workspace:  wsPath,
			TaskPrompt: string(prompt),
			Rubric:     x.e.Config.Task.Rubric,
			Threshold:  x.e.Config.PassThreshold,
		})
		if err != nil {
			return nil, err
		}
	} else {
		aerr := &AgentError{Tier: t.ID, Subtest: sub.ID, Run: run, ExitCode: agent.ExitCode, Reason: agent.ExitReason}
		log.Warn().Err(aerr).Msg("agent failed, skipping judges")
	}

	rr := judge.NewRunResult(t.ID, sub.ID, run, agent, c)
	if err := result.WriteRunResult(runDir, rr); err != nil {
		return nil, fmt.Errorf("writing run result: %w", err)
	}
	if err := x.e.Store.Set(t.ID, sub.ID, run, terminalStatus(rr)); err != nil {
		return nil, err
	}
	log.Info().Bool("passed", rr.Passed).Float64("score", rr.Score).Int("judges", rr.JudgeCount).
		Float64("cost_usd", rr.CostUSD).Str("exit_reason", rr.ExitReason).Msg("run finished")
	return rr, nil
}

func terminalStatus(rr *result.RunResult) checkpoint.Status {
	if rr.Passed {
		return checkpoint.Passed
	}
	return checkpoint.Failed
}

// runAgent prepares the workspace and runs the agent, retrying with backoff
// while the provider is rate limiting. The returned agent result is durable
// on disk.
func (x *executor) runAgent(ctx context.Context, log zerolog.Logger, t *config.Tier, sub *config.Subtest, run int,
	runDir string, status checkpoint.Status) (*workspace.Workspace, *result.AgentResult, error) {
	id := workspace.ID{Experiment: x.e.ID, Tier: t.ID, Subtest: sub.ID, Run: run}
	promptPath, err := x.writeTaskPrompt(runDir, sub)
	if err != nil {
		return nil, nil, err
	}
	policy := ratelimit.NewPolicy(x.e.Config.RateLimit)

	for attempt := 0; ; attempt++ {
		if err := archiveAttempt(runDir); err != nil {
			return nil, nil, err
		}
		ws, err := x.e.Workspaces.Setup(ctx, runDir, id, status)
		if err != nil {
			return nil, nil, err
		}
		if !ws.Preserved {
			if err := ws.Seed(ctx, sub.Files); err != nil {
				return nil, nil, err
			}
		}

		agent, err := x.attempt(ctx, log, t, sub, run, runDir, ws, promptPath)
		if err != nil {
			return nil, nil, err
		}
		if !agent.Succeeded() {
			info, err := ratelimit.DetectAgentDir(result.AgentDir(runDir))
			if err != nil {
				log.Warn().Err(err).Msg("rate limit detection failed")
			}
			if info.Detected {
				if attempt < policy.MaxRetries {
					wait := policy.Next(info.RetryAfter)
					log.Warn().Str("signature", info.Signature).Int("attempt", attempt+1).
						Int("max_retries", policy.MaxRetries).Dur("wait", wait).Msg("agent rate limited, retrying")
					if err := x.sleep(ctx, wait); err != nil {
						return nil, nil, err
					}
					status = checkpoint.NotStarted
					continue
				}
				if !agent.TimedOut {
					agent.ExitReason = result.ExitRateLimited
				}
				log.Error().Str("signature", info.Signature).Int("retries", policy.MaxRetries).Msg("rate limit retries exhausted")
			}
		}

		arts, err := ws.Capture(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := arts.Write(result.AgentDir(runDir)); err != nil {
			return nil, nil, err
		}
		if err := result.WriteAgentResult(runDir, agent); err != nil {
			return nil, nil, fmt.Errorf("writing agent result: %w", err)
		}
		return ws, agent, nil
	}
}

// attempt runs the agent once through the command log.
func (x *executor) attempt(ctx context.Context, log zerolog.Logger, t *config.Tier, sub *config.Subtest, run int,
	runDir string, ws *workspace.Workspace, promptPath string) (*result.AgentResult, error) {
	cfg := x.e.Config
	agentDir := result.AgentDir(runDir)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating agent dir: %w", err)
	}

	systemPrompt := ""
	if t.SystemPromptFile != "" {
		systemPrompt = filepath.Join(agentDir, SystemPromptFile)
		if err := copyFile(t.SystemPromptFile, systemPrompt); err != nil {
			return nil, fmt.Errorf("writing system prompt: %w", err)
		}
	}

	vars := map[string]string{
		"{prompt_file}":        promptPath,
		"{workspace}":          ws.Path,
		"{model}":              cfg.Agent.Model,
		"{agent_dir}":          agentDir,
		"{run_dir}":            runDir,
		"{system_prompt_file}": systemPrompt,
		"{tier}":               t.ID,
		"{subtest}":            sub.ID,
		"{run}":                strconv.Itoa(run),
	}
	argv := AgentCommand(cfg.Agent.Command, t, sub, vars)
	env := mergeEnv(cfg.Agent.Env, t.Env, sub.Env)

	container := ""
	if cfg.Agent.Runtime == config.RuntimeDocker {
		container = docker.ContainerName(x.e.ID, t.ID, sub.ID, run)
		argv = docker.WrapCommand(docker.RunSpec{
			Image:    cfg.Agent.Image,
			Name:     container,
			Mounts:   []string{runDir, x.e.Workspaces.BaseRepo()},
			WorkDir:  ws.Path,
			EnvNames: envNames(env, x.e.SecretEnv),
			User:     fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
			Labels:   map[string]string{"crucible.experiment": x.e.ID, "crucible.run": fmt.Sprintf("%s/%s/%d", t.ID, sub.ID, run)},
		}, argv)
	}

	clog, err := cmdlog.New(agentDir)
	if err != nil {
		return nil, err
	}
	rec, err := clog.LogCommand(argv, ws.Path, env)
	if err != nil {
		return nil, err
	}
	log.Info().Str("command", rec.Command).Str("replay", clog.ReplayPath()).Msg("starting agent")

	out, err := cmdlog.Execute(ctx, log, clog, cmdlog.ExecOptions{Timeout: cfg.Agent.Timeout, Env: x.e.SecretEnv})
	if container != "" && (err != nil || out.TimedOut) {
		x.stopContainer(log, agentDir, container)
	}
	if err != nil {
		return nil, err
	}

	summary, err := usage.ParseFile(rec.StdoutRef)
	if err != nil {
		return nil, err
	}
	summary.FillCost(x.e.Pricing, cfg.Agent.Model)
	agent := summary.AgentResult(out.ExitCode, out.TimedOut, out.Duration, cfg.Agent.Model)
	log.Info().Int("exit_code", agent.ExitCode).Str("exit_reason", agent.ExitReason).
		Dur("duration", out.Duration).Int("tokens", agent.TokenStats.Total()).Msg("agent exited")
	return agent, nil
}

// stopContainer keeps the container's last output and removes it. Killing
// the docker CLI does not stop the container itself.
func (x *executor) stopContainer(log zerolog.Logger, agentDir, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if tail, err := x.e.Docker.Logs(ctx, name, 200); err == nil {
		os.WriteFile(filepath.Join(agentDir, containerLogFile), []byte(tail), 0o644)
	}
	x.e.Docker.Stop(ctx, name)
	log.Warn().Str("container", name).Msg("stopped agent container")
}

// AgentCommand expands the agent command template followed by the tier's and
// the subtest's extra arguments.
func AgentCommand(template []string, t *config.Tier, sub *config.Subtest, vars map[string]string) []string {
	var argv []string
	for _, group := range [][]string{template, t.Args, sub.Args} {
		for _, a := range group {
			for k, v := range vars {
				a = strings.ReplaceAll(a, k, v)
			}
			argv = append(argv, a)
		}
	}
	return argv
}

// mergeEnv layers agent, tier and subtest variables; later layers win.
func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func envNames(env map[string]string, secrets []string) []string {
	seen := make(map[string]bool)
	for k := range env {
		seen[k] = true
	}
	for k := range config.EnvMap(secrets) {
		seen[k] = true
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// writeTaskPrompt copies the task input into the run directory. The agent is
// always given the file, never the text.
func (x *executor) writeTaskPrompt(runDir string, sub *config.Subtest) (string, error) {
	src := x.e.Config.Task.PromptFile
	if sub.PromptFile != "" {
		src = sub.PromptFile
	}
	dest := filepath.Join(runDir, result.TaskPromptFile)
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("writing task prompt: %w", err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func (x *executor) regenerate(runDir, tier, subtest string, run int) (*result.RunResult, error) {
	return recovery.Regenerate(runDir, recovery.RegenerateOptions{
		Tier:      tier,
		Subtest:   subtest,
		Run:       run,
		Model:     x.e.Config.Agent.Model,
		Pricing:   x.e.Pricing,
		Strategy:  x.e.Evaluator.Strategy(),
		Judges:    x.e.Config.Judges,
		Threshold: x.e.Config.PassThreshold,
	})
}

// archiveAttempt moves the artifacts of an earlier attempt under
// .failed/<stamp>/ so a new attempt starts clean and nothing is lost.
func archiveAttempt(runDir string) error {
	parts := []string{result.AgentDirName, result.JudgeDirName, result.RunResultFile}
	var present []string
	for _, p := range parts {
		if _, err := os.Stat(filepath.Join(runDir, p)); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000Z")
	dest := filepath.Join(runDir, result.FailedDirName, stamp)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("archiving attempt: %w", err)
	}
	for _, p := range present {
		if err := os.Rename(filepath.Join(runDir, p), filepath.Join(dest, p)); err != nil {
			return fmt.Errorf("archiving attempt: %w", err)
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
