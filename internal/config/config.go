package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"

	JudgeKindCommand = "command"
	JudgeKindHTTP    = "http"

	JudgeModeSequential = "sequential"
	JudgeModeParallel   = "parallel"
)

// Consensus strategies understood by the judge package.
var ConsensusStrategies = []string{"mean", "median", "majority", "weighted"}

type Config struct {
	ExperimentID   string        `yaml:"experiment_id"`
	Task           Task          `yaml:"task"`
	TiersDir       string        `yaml:"tiers_dir"`
	Tiers          []string      `yaml:"tiers"`
	RunsPerSubtest int           `yaml:"runs_per_subtest"`
	Parallel       int           `yaml:"parallel"`
	Agent          Agent         `yaml:"agent"`
	Judges         []Judge       `yaml:"judges"`
	JudgeTimeout   time.Duration `yaml:"judge_timeout"`
	JudgeMode      string        `yaml:"judge_mode"`
	Consensus      string        `yaml:"consensus"`
	PassThreshold  float64       `yaml:"pass_threshold"`
	ResultsDir     string        `yaml:"results_dir"`
	PricingFile    string        `yaml:"pricing_file"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
	Secrets        Secrets       `yaml:"secrets"`
}

type Task struct {
	Repo       string            `yaml:"repo"`
	Ref        string            `yaml:"ref"`
	PromptFile string            `yaml:"prompt_file"`
	Rubric     []RubricCriterion `yaml:"rubric"`
}

type RubricCriterion struct {
	Criterion   string  `yaml:"criterion" json:"criterion"`
	Weight      float64 `yaml:"weight" json:"weight"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

type Agent struct {
	Command []string          `yaml:"command"`
	Model   string            `yaml:"model"`
	Timeout time.Duration     `yaml:"timeout"`
	Runtime string            `yaml:"runtime"`
	Image   string            `yaml:"image"`
	Env     map[string]string `yaml:"env"`
}

type Judge struct {
	Name      string   `yaml:"name"`
	Model     string   `yaml:"model"`
	Kind      string   `yaml:"kind"`
	Command   []string `yaml:"command"`
	Endpoint  string   `yaml:"endpoint"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Weight    float64  `yaml:"weight"`
}

type RateLimit struct {
	MaxRetries  int           `yaml:"max_retries"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

// Error marks a configuration problem. It is always fatal before any run
// starts.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("reading config: %w", err)}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("parsing config: %w", err)}
	}
	if err := validate(&cfg); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg.resolvePaths(abs)
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Task.Repo == "" {
		return fmt.Errorf("task.repo is required")
	}
	if cfg.Task.Ref == "" {
		cfg.Task.Ref = "HEAD"
	}
	if cfg.Task.PromptFile == "" {
		return fmt.Errorf("task.prompt_file is required")
	}
	for i, c := range cfg.Task.Rubric {
		if c.Criterion == "" {
			return fmt.Errorf("task.rubric %d: criterion is required", i)
		}
		if c.Weight < 0 {
			return fmt.Errorf("task.rubric %q: weight must not be negative", c.Criterion)
		}
		if c.Weight == 0 {
			cfg.Task.Rubric[i].Weight = 1
		}
	}
	if cfg.TiersDir == "" {
		cfg.TiersDir = "tiers"
	}
	if cfg.RunsPerSubtest == 0 {
		cfg.RunsPerSubtest = 1
	}
	if cfg.RunsPerSubtest < 1 {
		return fmt.Errorf("runs_per_subtest must be at least 1")
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = 1
	}
	if cfg.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1")
	}

	if len(cfg.Agent.Command) == 0 {
		return fmt.Errorf("agent.command is required")
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 30 * time.Minute
	}
	if cfg.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	switch cfg.Agent.Runtime {
	case "":
		cfg.Agent.Runtime = RuntimeLocal
	case RuntimeLocal:
	case RuntimeDocker:
		if cfg.Agent.Image == "" {
			return fmt.Errorf("agent.image is required for the docker runtime")
		}
	default:
		return fmt.Errorf("agent.runtime %q: must be %s or %s", cfg.Agent.Runtime, RuntimeLocal, RuntimeDocker)
	}

	if len(cfg.Judges) == 0 {
		return fmt.Errorf("no judges defined")
	}
	seen := make(map[string]bool)
	for i := range cfg.Judges {
		j := &cfg.Judges[i]
		if j.Model == "" {
			return fmt.Errorf("judge %d: model is required", i)
		}
		if j.Name == "" {
			j.Name = j.Model
		}
		if seen[j.Name] {
			return fmt.Errorf("judge %q defined twice", j.Name)
		}
		seen[j.Name] = true
		if j.Kind == "" {
			if len(j.Command) > 0 {
				j.Kind = JudgeKindCommand
			} else {
				j.Kind = JudgeKindHTTP
			}
		}
		switch j.Kind {
		case JudgeKindCommand:
			if len(j.Command) == 0 {
				return fmt.Errorf("judge %q: command is required", j.Name)
			}
		case JudgeKindHTTP:
			if j.Endpoint == "" {
				return fmt.Errorf("judge %q: endpoint is required", j.Name)
			}
		default:
			return fmt.Errorf("judge %q: unknown kind %q", j.Name, j.Kind)
		}
		if j.Weight < 0 {
			return fmt.Errorf("judge %q: weight must not be negative", j.Name)
		}
		if j.Weight == 0 {
			j.Weight = 1
		}
	}
	if cfg.JudgeTimeout == 0 {
		cfg.JudgeTimeout = 10 * time.Minute
	}
	switch cfg.JudgeMode {
	case "":
		cfg.JudgeMode = JudgeModeSequential
	case JudgeModeSequential, JudgeModeParallel:
	default:
		return fmt.Errorf("judge_mode %q: must be %s or %s", cfg.JudgeMode, JudgeModeSequential, JudgeModeParallel)
	}
	if cfg.Consensus == "" {
		cfg.Consensus = "mean"
	}
	if !validStrategy(cfg.Consensus) {
		return fmt.Errorf("consensus %q: must be one of %s", cfg.Consensus, strings.Join(ConsensusStrategies, ", "))
	}
	if cfg.PassThreshold == 0 {
		cfg.PassThreshold = 0.7
	}
	if cfg.PassThreshold < 0 || cfg.PassThreshold > 1 {
		return fmt.Errorf("pass_threshold must be within [0, 1]")
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "results"
	}

	if cfg.RateLimit.InitialWait == 0 {
		cfg.RateLimit.InitialWait = 30 * time.Second
	}
	if cfg.RateLimit.MaxWait == 0 {
		cfg.RateLimit.MaxWait = 30 * time.Minute
	}
	if cfg.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("rate_limit.max_retries must not be negative")
	}
	return nil
}

func validStrategy(name string) bool {
	for _, s := range ConsensusStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// resolvePaths makes file references absolute relative to the config file.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Task.PromptFile = abs(c.Task.PromptFile)
	c.TiersDir = abs(c.TiersDir)
	c.ResultsDir = abs(c.ResultsDir)
	c.PricingFile = abs(c.PricingFile)
	c.Secrets.EnvFile = abs(c.Secrets.EnvFile)
	if isLocalRepo(c.Task.Repo) {
		c.Task.Repo = abs(c.Task.Repo)
	}
}

func isLocalRepo(repo string) bool {
	return !strings.Contains(repo, "://") && !strings.HasPrefix(repo, "git@")
}

// Hash fingerprints the settings that affect run outcomes. Parallelism and
// output locations are excluded so they can change between resumes.
func (c *Config) Hash() string {
	subset := struct {
		Task           Task
		Tiers          []string
		RunsPerSubtest int
		Command        []string
		Model          string
		Runtime        string
		Image          string
		Judges         []Judge
		Consensus      string
		PassThreshold  float64
	}{
		Task:           c.Task,
		Tiers:          c.Tiers,
		RunsPerSubtest: c.RunsPerSubtest,
		Command:        c.Agent.Command,
		Model:          c.Agent.Model,
		Runtime:        c.Agent.Runtime,
		Image:          c.Agent.Image,
		Judges:         c.Judges,
		Consensus:      c.Consensus,
		PassThreshold:  c.PassThreshold,
	}
	data, _ := json.Marshal(subset)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// JudgeNames lists configured judge names in order.
func (c *Config) JudgeNames() []string {
	names := make([]string, len(c.Judges))
	for i, j := range c.Judges {
		names[i] = j.Name
	}
	return names
}

// NewExperimentID builds a unique, sortable experiment id.
func NewExperimentID(prefix string) string {
	if prefix == "" {
		prefix = "exp"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}
