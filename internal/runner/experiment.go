// Package runner executes experiments: tiers in order, subtests in a bounded
// pool, runs of a subtest one after another.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/docker"
	"github.com/signalnine/crucible/internal/judge"
	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/workspace"
)

const (
	CheckpointFile = "checkpoint.json"
	ExperimentFile = "experiment.json"
	LatestLink     = "latest"
)

// Experiment is an opened results directory together with everything needed
// to execute its runs.
type Experiment struct {
	ID     string
	Dir    string
	Config *config.Config
	Tiers  []*config.Tier

	Store      *checkpoint.Store
	Workspaces *workspace.Manager
	Evaluator  *judge.Evaluator
	Pricing    *pricing.Table
	Docker     *docker.Client

	// SecretEnv is exported to agent and judge processes only.
	SecretEnv []string

	logger zerolog.Logger
}

// Snapshot is written to experiment.json when an experiment is created.
type Snapshot struct {
	ExperimentID string         `json:"experiment_id"`
	ConfigHash   string         `json:"config_hash"`
	CreatedAt    time.Time      `json:"created_at"`
	Tiers        []TierSnapshot `json:"tiers"`
	Config       *config.Config `json:"config"`
}

type TierSnapshot struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Subtests []string `json:"subtests"`
}

// ResolveID returns id, or the experiment the results dir's latest link
// points at.
func ResolveID(resultsDir, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	target, err := os.Readlink(filepath.Join(resultsDir, LatestLink))
	if err != nil {
		return "", fmt.Errorf("no experiment given and no %s link in %s", LatestLink, resultsDir)
	}
	return filepath.Base(target), nil
}

// Open creates or resumes the experiment id under the configured results
// directory.
func Open(ctx context.Context, logger zerolog.Logger, cfg *config.Config, tiers []*config.Tier, id string) (*Experiment, error) {
	if id == "" {
		id = cfg.ExperimentID
	}
	if id == "" {
		id = config.NewExperimentID("exp")
	}
	dir, err := result.CreateExperimentDir(cfg.ResultsDir, id)
	if err != nil {
		return nil, err
	}
	log := logger.With().Str("experiment", id).Logger()

	hash := cfg.Hash()
	store, err := checkpoint.Open(filepath.Join(dir, CheckpointFile), id, hash, log)
	if err != nil {
		return nil, err
	}
	if store.ConfigHash() != hash {
		log.Warn().Str("checkpoint_hash", store.ConfigHash()).Str("config_hash", hash).
			Msg("configuration changed since the experiment started, results may not be comparable")
	}

	e := &Experiment{
		ID:     id,
		Dir:    dir,
		Config: cfg,
		Tiers:  tiers,
		Store:  store,
		logger: log,
	}
	if err := e.writeSnapshot(); err != nil {
		return nil, err
	}

	if cfg.Secrets.EnvFile != "" {
		if e.SecretEnv, err = config.LoadEnvFile(cfg.Secrets.EnvFile); err != nil {
			return nil, &config.Error{Path: cfg.Secrets.EnvFile, Err: err}
		}
	}
	if cfg.PricingFile != "" {
		if e.Pricing, err = pricing.Load(cfg.PricingFile); err != nil {
			return nil, &config.Error{Path: cfg.PricingFile, Err: err}
		}
	}

	judges, err := judge.FromConfig(log, cfg, e.SecretEnv)
	if err != nil {
		return nil, &config.Error{Err: err}
	}
	if e.Evaluator, err = judge.NewEvaluator(log, cfg, judges); err != nil {
		return nil, &config.Error{Err: err}
	}

	if e.Workspaces, err = workspace.NewManager(log, dir, cfg.Task.Repo, cfg.Task.Ref); err != nil {
		return nil, err
	}

	if cfg.Agent.Runtime == config.RuntimeDocker {
		if e.Docker, err = docker.NewClient(log); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Experiment) writeSnapshot() error {
	path := filepath.Join(e.Dir, ExperimentFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	snap := &Snapshot{
		ExperimentID: e.ID,
		ConfigHash:   e.Config.Hash(),
		CreatedAt:    time.Now().UTC(),
		Config:       e.Config,
	}
	for _, t := range e.Tiers {
		ts := TierSnapshot{ID: t.ID, Name: t.Name}
		for _, s := range t.Subtests {
			ts.Subtests = append(ts.Subtests, s.ID)
		}
		snap.Tiers = append(snap.Tiers, ts)
	}
	return result.WriteJSON(path, snap)
}

func (e *Experiment) Close() error {
	if e.Docker != nil {
		return e.Docker.Close()
	}
	return nil
}

func (e *Experiment) Logger() zerolog.Logger { return e.logger }

// Plan lists every run the configuration asks for, in execution order.
func (e *Experiment) Plan() []recovery.Key {
	var plan []recovery.Key
	for _, t := range e.Tiers {
		for _, s := range t.Subtests {
			for run := 1; run <= e.Config.RunsPerSubtest; run++ {
				plan = append(plan, recovery.Key{Tier: t.ID, Subtest: s.ID, Run: run})
			}
		}
	}
	return plan
}

func (e *Experiment) tier(id string) (*config.Tier, bool) {
	for _, t := range e.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Summary counts what an invocation did.
type Summary struct {
	Passed  int
	Failed  int
	Skipped int
	Errored int
	Elapsed time.Duration
}

func (s *Summary) add(o Summary) {
	s.Passed += o.Passed
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Errored += o.Errored
}

// Run executes every tier in order. Run-level failures are recorded and never
// abort the experiment; a checkpoint failure does.
func (e *Experiment) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	total := &Summary{}
	for _, t := range e.Tiers {
		s, err := e.RunTier(ctx, t)
		total.add(s)
		if err != nil {
			total.Elapsed = time.Since(start)
			return total, err
		}
		if ctx.Err() != nil {
			total.Elapsed = time.Since(start)
			return total, ctx.Err()
		}
	}
	total.Elapsed = time.Since(start)
	e.logger.Info().Int("passed", total.Passed).Int("failed", total.Failed).Int("skipped", total.Skipped).
		Int("errored", total.Errored).Dur("elapsed", total.Elapsed).Msg("experiment finished")
	return total, nil
}

// fatal reports errors that must stop the whole experiment.
func fatal(err error) bool {
	var cpErr *checkpoint.Error
	return errors.As(err, &cpErr)
}
