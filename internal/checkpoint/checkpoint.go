// Package checkpoint persists per-run progress of an experiment so that an
// interrupted experiment can be resumed without repeating finished work.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Status string

const (
	NotStarted    Status = "not_started"
	AgentComplete Status = "agent_complete"
	Passed        Status = "passed"
	Failed        Status = "failed"
)

// Terminal reports whether a run in this status needs no further work.
func (s Status) Terminal() bool {
	return s == Passed || s == Failed
}

func (s Status) Valid() bool {
	switch s {
	case NotStarted, AgentComplete, Passed, Failed:
		return true
	}
	return false
}

var ErrNotFound = errors.New("checkpoint not found")

// Error is returned for any checkpoint read or write failure. It is fatal to
// the experiment.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Checkpoint maps tier -> subtest -> run number -> status.
type Checkpoint struct {
	ExperimentID  string                                  `json:"experiment_id"`
	ConfigHash    string                                  `json:"config_hash"`
	StartedAt     time.Time                               `json:"started_at"`
	LastUpdatedAt time.Time                               `json:"last_updated_at"`
	Tiers         map[string]map[string]map[string]Status `json:"tiers"`
}

func New(experimentID, configHash string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		ExperimentID:  experimentID,
		ConfigHash:    configHash,
		StartedAt:     now,
		LastUpdatedAt: now,
		Tiers:         make(map[string]map[string]map[string]Status),
	}
}

func (c *Checkpoint) Status(tier, subtest string, run int) Status {
	if s, ok := c.Tiers[tier][subtest][strconv.Itoa(run)]; ok {
		return s
	}
	return NotStarted
}

// set records status and reports whether anything changed.
func (c *Checkpoint) set(tier, subtest string, run int, status Status) bool {
	if c.Status(tier, subtest, run) == status {
		if status != NotStarted {
			return false
		}
		if _, ok := c.Tiers[tier][subtest][strconv.Itoa(run)]; !ok {
			return false
		}
	}
	if c.Tiers == nil {
		c.Tiers = make(map[string]map[string]map[string]Status)
	}
	if c.Tiers[tier] == nil {
		c.Tiers[tier] = make(map[string]map[string]Status)
	}
	if c.Tiers[tier][subtest] == nil {
		c.Tiers[tier][subtest] = make(map[string]Status)
	}
	c.Tiers[tier][subtest][strconv.Itoa(run)] = status
	return true
}

// remove drops the entry for a run and reports whether it existed.
func (c *Checkpoint) remove(tier, subtest string, run int) bool {
	runs := c.Tiers[tier][subtest]
	key := strconv.Itoa(run)
	if _, ok := runs[key]; !ok {
		return false
	}
	delete(runs, key)
	if len(runs) == 0 {
		delete(c.Tiers[tier], subtest)
	}
	if len(c.Tiers[tier]) == 0 {
		delete(c.Tiers, tier)
	}
	return true
}

// Counts tallies recorded run statuses.
func (c *Checkpoint) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, subtests := range c.Tiers {
		for _, runs := range subtests {
			for _, s := range runs {
				counts[s]++
			}
		}
	}
	return counts
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.Tiers = make(map[string]map[string]map[string]Status, len(c.Tiers))
	for tier, subtests := range c.Tiers {
		out.Tiers[tier] = make(map[string]map[string]Status, len(subtests))
		for sub, runs := range subtests {
			m := make(map[string]Status, len(runs))
			for k, v := range runs {
				m[k] = v
			}
			out.Tiers[tier][sub] = m
		}
	}
	return &out
}

func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "load", Path: path, Err: ErrNotFound}
		}
		return nil, &Error{Op: "load", Path: path, Err: err}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &Error{Op: "parse", Path: path, Err: err}
	}
	if cp.Tiers == nil {
		cp.Tiers = make(map[string]map[string]map[string]Status)
	}
	for tier, subtests := range cp.Tiers {
		for sub, runs := range subtests {
			for run, s := range runs {
				if !s.Valid() {
					return nil, &Error{Op: "parse", Path: path,
						Err: fmt.Errorf("%s/%s/%s: unknown status %q", tier, sub, run, s)}
				}
			}
		}
	}
	return &cp, nil
}

// beforeRename is called with the temp file path just before it replaces
// the checkpoint.
var beforeRename func(tmp string) error

// Save writes cp to path via a pid-scoped temp file, fsync and rename.
func Save(cp *Checkpoint, path string) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &Error{Op: "marshal", Path: path, Err: err}
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Error{Op: "save", Path: path, Err: err}
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return &Error{Op: "save", Path: path, Err: err}
	}
	if beforeRename != nil {
		if err := beforeRename(tmp); err != nil {
			os.Remove(tmp)
			return &Error{Op: "save", Path: path, Err: err}
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &Error{Op: "save", Path: path, Err: err}
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
