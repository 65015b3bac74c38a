// Package ratelimit recognizes provider rate limiting in a run's captured
// agent output and schedules retries.
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

// Signatures are matched case-insensitively against agent output.
var Signatures = []string{
	"rate_limit_error",
	"rate limit",
	"rate-limited",
	"too many requests",
	"overloaded_error",
	"usage limit",
	"hit your limit",
	"429",
}

// status429 avoids matching 429 inside token counts or hashes.
var status429 = regexp.MustCompile(`(?i)(?:status|code|http|error)["':=\s]*429\b|\b429 too many`)

var (
	retryAfterRe = regexp.MustCompile(`(?i)retry[-_ ]after["':=\s]*(\d+)`)
	tryAgainRe   = regexp.MustCompile(`(?i)try again in (\d+)\s*(second|sec|s|minute|min|m|hour|h)`)
)

// maxScan bounds how much of each file is read.
const maxScan = 4 << 20

type Info struct {
	Detected   bool          `json:"detected"`
	Signature  string        `json:"signature,omitempty"`
	Source     string        `json:"source,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (i Info) String() string {
	if !i.Detected {
		return "no rate limit"
	}
	s := fmt.Sprintf("%q in %s", i.Signature, i.Source)
	if i.RetryAfter > 0 {
		s += fmt.Sprintf(" (retry after %s)", i.RetryAfter)
	}
	return s
}

// Detect scans the run's agent output and every archived failed attempt.
// The most recent attempt is reported first.
func Detect(runDir string) (Info, error) {
	dirs := []string{result.AgentDir(runDir)}
	archived, err := filepath.Glob(filepath.Join(runDir, result.FailedDirName, "*", result.AgentDirName))
	if err != nil {
		return Info{}, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(archived)))
	dirs = append(dirs, archived...)

	for _, dir := range dirs {
		info, err := detectDir(dir)
		if err != nil {
			return Info{}, err
		}
		if info.Detected {
			return info, nil
		}
	}
	return Info{}, nil
}

// DetectAgentDir scans a single agent directory.
func DetectAgentDir(agentDir string) (Info, error) {
	return detectDir(agentDir)
}

func detectDir(dir string) (Info, error) {
	for _, name := range []string{result.StderrFile, result.StdoutFile, result.AgentResultFile} {
		path := filepath.Join(dir, name)
		data, err := readHead(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Info{}, fmt.Errorf("reading %s: %w", path, err)
		}
		if sig, ok := Match(data); ok {
			return Info{
				Detected:   true,
				Signature:  sig,
				Source:     path,
				RetryAfter: ParseRetryAfter(data),
			}, nil
		}
	}
	return Info{}, nil
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxScan))
}

// Match returns the first signature found in data.
func Match(data []byte) (string, bool) {
	lower := bytes.ToLower(data)
	for _, sig := range Signatures {
		if sig == "429" {
			if loc := status429.Find(data); loc != nil {
				return sig, true
			}
			continue
		}
		if bytes.Contains(lower, []byte(sig)) {
			return sig, true
		}
	}
	return "", false
}

// ParseRetryAfter extracts a server-provided wait hint, or 0.
func ParseRetryAfter(data []byte) time.Duration {
	if m := retryAfterRe.FindSubmatch(data); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if m := tryAgainRe.FindSubmatch(data); m != nil {
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return 0
		}
		switch unit := strings.ToLower(string(m[2])); {
		case strings.HasPrefix(unit, "h"):
			return time.Duration(n) * time.Hour
		case strings.HasPrefix(unit, "m"):
			return time.Duration(n) * time.Minute
		default:
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

// Failure is a rate-limited run found under an experiment directory.
type Failure struct {
	Tier    string
	Subtest string
	Run     int
	RunDir  string
	Info    Info
}

// DetectTree lists every run under experimentDir whose output shows rate
// limiting, ordered by tier, subtest and run.
func DetectTree(experimentDir string) ([]Failure, error) {
	matches, err := filepath.Glob(filepath.Join(experimentDir, "*", "*", "run_*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []Failure
	for _, runDir := range matches {
		run, ok := result.ParseRunDirName(filepath.Base(runDir))
		if !ok {
			continue
		}
		info, err := Detect(runDir)
		if err != nil {
			return nil, err
		}
		if !info.Detected {
			continue
		}
		sub := filepath.Dir(runDir)
		out = append(out, Failure{
			Tier:    filepath.Base(filepath.Dir(sub)),
			Subtest: filepath.Base(sub),
			Run:     run,
			RunDir:  runDir,
			Info:    info,
		})
	}
	return out, nil
}

// Policy schedules waits between retries of a rate-limited run.
type Policy struct {
	MaxRetries int
	b          *backoff.ExponentialBackOff
}

func NewPolicy(cfg config.RateLimit) *Policy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialWait
	b.MaxInterval = cfg.MaxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Policy{MaxRetries: cfg.MaxRetries, b: b}
}

// Next returns the wait before the next attempt. A retry-after hint longer
// than the backoff interval wins, capped at the maximum wait.
func (p *Policy) Next(hint time.Duration) time.Duration {
	d := p.b.NextBackOff()
	if hint > d {
		d = hint
	}
	if p.b.MaxInterval > 0 && d > p.b.MaxInterval {
		d = p.b.MaxInterval
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
