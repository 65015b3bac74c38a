package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the handle shared by all workers of an experiment. Every mutation
// is a read-merge-write under an in-process mutex and an advisory file lock,
// so separate processes sharing one checkpoint file also serialize.
type Store struct {
	path   string
	logger zerolog.Logger

	mu sync.Mutex
	cp *Checkpoint
}

// Open loads the checkpoint at path, or creates and saves a fresh one.
func Open(path, experimentID, configHash string, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	s := &Store{path: abs, logger: logger}

	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cp, err := Load(abs)
	switch {
	case err == nil:
		if cp.ExperimentID != "" && cp.ExperimentID != experimentID {
			return nil, &Error{Op: "open", Path: abs,
				Err: fmt.Errorf("belongs to experiment %q, not %q", cp.ExperimentID, experimentID)}
		}
		s.cp = cp
		logger.Debug().Str("path", abs).Interface("counts", cp.Counts()).Msg("resumed checkpoint")
	case errors.Is(err, ErrNotFound):
		s.cp = New(experimentID, configHash)
		if err := Save(s.cp, abs); err != nil {
			return nil, err
		}
		logger.Debug().Str("path", abs).Msg("created checkpoint")
	default:
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) ConfigHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.ConfigHash
}

func (s *Store) Status(tier, subtest string, run int) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.Status(tier, subtest, run)
}

// IsRunCompleted is true only for passed and failed runs.
func (s *Store) IsRunCompleted(tier, subtest string, run int) bool {
	return s.Status(tier, subtest, run).Terminal()
}

// Set records status for a run. Nothing is written when the on-disk status
// already matches.
func (s *Store) Set(tier, subtest string, run int, status Status) error {
	if !status.Valid() {
		return &Error{Op: "set", Path: s.path, Err: fmt.Errorf("unknown status %q", status)}
	}
	return s.mutate(func(cp *Checkpoint) bool {
		return cp.set(tier, subtest, run, status)
	})
}

// Reset forgets a run so it is scheduled again.
func (s *Store) Reset(tier, subtest string, run int) error {
	return s.mutate(func(cp *Checkpoint) bool {
		return cp.remove(tier, subtest, run)
	})
}

func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.Counts()
}

// Snapshot returns a copy of the current in-memory checkpoint.
func (s *Store) Snapshot() *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.clone()
}

func (s *Store) mutate(apply func(*Checkpoint) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := Load(s.path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		current = s.cp.clone()
	}
	if !apply(current) {
		s.cp = current
		return nil
	}
	current.LastUpdatedAt = time.Now().UTC()
	if err := Save(current, s.path); err != nil {
		return err
	}
	s.cp = current
	return nil
}

func (s *Store) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, &Error{Op: "lock", Path: s.path, Err: err}
	}
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return nil, &Error{Op: "lock", Path: s.path, Err: err}
	}
	return unlock, nil
}
