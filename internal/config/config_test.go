package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/crucible/internal/config"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RunsPerSubtest != 1 {
		t.Errorf("expected 1 run per subtest, got %d", cfg.RunsPerSubtest)
	}
	if cfg.Parallel != 1 {
		t.Errorf("expected parallel 1, got %d", cfg.Parallel)
	}
	if cfg.Agent.Timeout != 30*time.Minute {
		t.Errorf("expected default agent timeout 30m, got %s", cfg.Agent.Timeout)
	}
	if cfg.Agent.Runtime != config.RuntimeLocal {
		t.Errorf("expected local runtime, got %q", cfg.Agent.Runtime)
	}
	if cfg.Task.Ref != "HEAD" {
		t.Errorf("expected ref HEAD, got %q", cfg.Task.Ref)
	}
	if cfg.JudgeMode != config.JudgeModeSequential {
		t.Errorf("expected sequential judge mode, got %q", cfg.JudgeMode)
	}
	if cfg.Consensus != "mean" {
		t.Errorf("expected mean consensus, got %q", cfg.Consensus)
	}
	j := cfg.Judges[0]
	if j.Name != "judge-a" || j.Kind != config.JudgeKindCommand || j.Weight != 1 {
		t.Errorf("unexpected judge defaults: %+v", j)
	}
	if !filepath.IsAbs(cfg.Task.PromptFile) || !filepath.IsAbs(cfg.Task.Repo) {
		t.Errorf("expected absolute paths, got prompt %q repo %q", cfg.Task.PromptFile, cfg.Task.Repo)
	}
	if !filepath.IsAbs(cfg.ResultsDir) {
		t.Errorf("expected absolute results dir, got %q", cfg.ResultsDir)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ExperimentID != "hello-world" {
		t.Errorf("unexpected experiment id %q", cfg.ExperimentID)
	}
	if cfg.Agent.Timeout != 45*time.Minute {
		t.Errorf("expected 45m timeout, got %s", cfg.Agent.Timeout)
	}
	if cfg.RateLimit.InitialWait != 10*time.Second || cfg.RateLimit.MaxWait != 5*time.Minute {
		t.Errorf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Judges[1].Kind != config.JudgeKindHTTP {
		t.Errorf("expected http judge, got %q", cfg.Judges[1].Kind)
	}
	if cfg.Task.Repo != "https://github.com/example/hello.git" {
		t.Errorf("remote repo should be left alone, got %q", cfg.Task.Repo)
	}
	if len(cfg.Tiers) != 2 || cfg.Tiers[0] != "T1" {
		t.Errorf("unexpected tiers %v", cfg.Tiers)
	}
	if got := cfg.JudgeNames(); len(got) != 2 || got[0] != "opus" || got[1] != "gpt" {
		t.Errorf("unexpected judge names %v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var cerr *config.Error
	if !errors.As(err, &cerr) {
		t.Errorf("expected *config.Error, got %T", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("../../testdata/invalid.yaml")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	base := `task: {repo: r, prompt_file: p.md}
agent: {command: [a]}
judges: [{model: m, command: [j]}]
`
	cases := map[string]string{
		"no repo":          `task: {prompt_file: p.md}` + "\nagent: {command: [a]}\njudges: [{model: m, command: [j]}]\n",
		"no agent command": `task: {repo: r, prompt_file: p.md}` + "\njudges: [{model: m, command: [j]}]\n",
		"no judges":        `task: {repo: r, prompt_file: p.md}` + "\nagent: {command: [a]}\n",
		"bad consensus":    base + "consensus: vote\n",
		"bad judge mode":   base + "judge_mode: random\n",
		"bad threshold":    base + "pass_threshold: 1.5\n",
		"docker no image":  `task: {repo: r, prompt_file: p.md}` + "\nagent: {command: [a], runtime: docker}\njudges: [{model: m, command: [j]}]\n",
		"http no endpoint": `task: {repo: r, prompt_file: p.md}` + "\nagent: {command: [a]}\njudges: [{model: m, kind: http}]\n",
		"duplicate judge":  `task: {repo: r, prompt_file: p.md}` + "\nagent: {command: [a]}\njudges: [{model: m, command: [j]}, {model: m, command: [k]}]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "experiment.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := config.Load(path); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestHashIgnoresParallelism(t *testing.T) {
	a, err := config.Load("../../testdata/full.yaml")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := config.Load("../../testdata/full.yaml")
	b.Parallel = 16
	b.ResultsDir = "/elsewhere"
	if a.Hash() != b.Hash() {
		t.Error("hash should not depend on parallel or results_dir")
	}
	b.PassThreshold = 0.5
	if a.Hash() == b.Hash() {
		t.Error("hash should change with pass_threshold")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	body := "# comment\n\nexport API_KEY='abc'\nOTHER=\"x=y\"\nnot a pair\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	env, err := config.LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	m := config.EnvMap(env)
	if m["API_KEY"] != "abc" {
		t.Errorf("API_KEY = %q", m["API_KEY"])
	}
	if m["OTHER"] != "x=y" {
		t.Errorf("OTHER = %q", m["OTHER"])
	}
	if len(env) != 2 {
		t.Errorf("expected 2 entries, got %v", env)
	}
}

func TestNewExperimentID(t *testing.T) {
	a := config.NewExperimentID("demo")
	b := config.NewExperimentID("demo")
	if a == b {
		t.Errorf("expected unique ids, got %q twice", a)
	}
}
