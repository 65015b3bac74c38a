// Package workspace manages the isolated git worktree each run executes in.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalnine/crucible/internal/checkpoint"
	"github.com/signalnine/crucible/internal/result"
)

const (
	BaseRepoDir  = "repo"
	WorktreeDir  = "workspace"
	BranchPrefix = "crucible"
)

// Error reports a workspace that could not be prepared. It is fatal to the
// run, never to the experiment.
type Error struct {
	Op     string
	Path   string
	Branch string
	Err    error
}

func (e *Error) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("workspace %s %s (branch %s): %v", e.Op, e.Path, e.Branch, e.Err)
	}
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ID identifies the run a workspace belongs to.
type ID struct {
	Experiment string
	Tier       string
	Subtest    string
	Run        int
}

// Branch returns the deterministic branch name for the run.
func (id ID) Branch() string {
	parts := []string{
		BranchPrefix,
		sanitizeRefComponent(id.Experiment),
		sanitizeRefComponent(id.Tier),
		sanitizeRefComponent(id.Subtest),
		fmt.Sprintf("run-%02d", id.Run),
	}
	return strings.Join(parts, "/")
}

var refUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeRefComponent(s string) string {
	s = refUnsafe.ReplaceAllString(s, "-")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.TrimLeft(s, ".-")
	s = strings.TrimSuffix(s, ".lock")
	s = strings.TrimRight(s, ".")
	if s == "" {
		return "x"
	}
	return s
}

// Workspace is a prepared worktree.
type Workspace struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	BaseRef   string    `json:"base_ref"`
	DiffBase  string    `json:"diff_base"`
	CreatedAt time.Time `json:"created_at"`

	// Preserved is true when an existing workspace was reused untouched.
	Preserved bool   `json:"-"`
	RunDir    string `json:"-"`
}

func (w *Workspace) Git() *Git { return NewGit(w.Path) }

// repoLocks serializes branch mutations per base repository.
var repoLocks sync.Map

func lockRepo(path string) func() {
	v, _ := repoLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Manager creates and destroys run workspaces branching from one shared base
// clone of the task repository.
type Manager struct {
	logger   zerolog.Logger
	baseRepo string
	source   string
	ref      string

	// Token supplies the suffix for a branch name that is already taken.
	Token func() string

	mu      sync.Mutex
	baseSHA string
}

func NewManager(logger zerolog.Logger, experimentDir, source, ref string) (*Manager, error) {
	dir, err := canonical(experimentDir)
	if err != nil {
		return nil, &Error{Op: "init", Path: experimentDir, Err: err}
	}
	return &Manager{
		logger:   logger.With().Str("component", "workspace").Logger(),
		baseRepo: filepath.Join(dir, BaseRepoDir),
		source:   source,
		ref:      ref,
		Token:    func() string { return uuid.New().String()[:8] },
	}, nil
}

func (m *Manager) BaseRepo() string { return m.baseRepo }

// EnsureBase clones the task repository once and resolves the base ref. It
// is a no-op once the ref has been resolved. Setup calls it on first use, so
// a resume that creates no worktree starts no git process.
func (m *Manager) EnsureBase(ctx context.Context) error {
	m.mu.Lock()
	resolved := m.baseSHA != ""
	m.mu.Unlock()
	if resolved {
		return nil
	}

	unlock := lockRepo(m.baseRepo)
	defer unlock()

	if _, err := os.Stat(filepath.Join(m.baseRepo, ".git")); err == nil {
		_, err := m.resolveBase(ctx)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.baseRepo), 0o755); err != nil {
		return &Error{Op: "clone", Path: m.baseRepo, Err: err}
	}
	tmp := fmt.Sprintf("%s.tmp.%d", m.baseRepo, os.Getpid())
	os.RemoveAll(tmp)
	m.logger.Info().Str("repo", m.source).Str("dest", m.baseRepo).Msg("cloning task repository")
	if err := Clone(ctx, m.source, tmp); err != nil {
		os.RemoveAll(tmp)
		return &Error{Op: "clone", Path: m.baseRepo, Err: err}
	}
	if err := os.Rename(tmp, m.baseRepo); err != nil {
		os.RemoveAll(tmp)
		return &Error{Op: "clone", Path: m.baseRepo, Err: err}
	}
	_, err := m.resolveBase(ctx)
	return err
}

func (m *Manager) resolveBase(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseSHA != "" {
		return m.baseSHA, nil
	}
	g := NewGit(m.baseRepo)
	sha, err := g.RevParse(ctx, m.ref)
	if err != nil {
		// Remote-tracking refs are not local branches in a fresh clone.
		if alt, altErr := g.RevParse(ctx, "origin/"+m.ref); altErr == nil {
			sha, err = alt, nil
		}
	}
	if err != nil {
		return "", &Error{Op: "resolve", Path: m.baseRepo, Err: fmt.Errorf("ref %q: %w", m.ref, err)}
	}
	m.baseSHA = sha
	return sha, nil
}

// Setup returns the workspace for a run. A run whose checkpoint status is
// passed keeps its workspace untouched if the marker and directory are both
// present; every other case gets a fresh worktree.
func (m *Manager) Setup(ctx context.Context, runDir string, id ID, status checkpoint.Status) (*Workspace, error) {
	runDir, err := canonical(runDir)
	if err != nil {
		return nil, &Error{Op: "setup", Path: runDir, Err: err}
	}
	path := filepath.Join(runDir, WorktreeDir)
	log := m.logger.With().Str("tier", id.Tier).Str("subtest", id.Subtest).Int("run", id.Run).Logger()

	if status == checkpoint.Passed {
		if ws, err := ReadMarker(runDir); err == nil && dirExists(path) {
			ws.Preserved = true
			ws.RunDir = runDir
			log.Debug().Str("path", path).Msg("preserving workspace of passed run")
			return ws, nil
		}
	}

	if err := m.EnsureBase(ctx); err != nil {
		return nil, err
	}
	base, err := m.resolveBase(ctx)
	if err != nil {
		return nil, err
	}

	unlock := lockRepo(m.baseRepo)
	defer unlock()

	branch := id.Branch()
	ws, err := m.create(ctx, path, branch, base)
	if err != nil {
		log.Warn().Err(err).Str("branch", branch).Msg("worktree creation failed, retrying after cleanup")
		m.forceCleanup(ctx, path)
		ws, err = m.create(ctx, path, branch, base)
		if err != nil {
			return nil, &Error{Op: "setup", Path: path, Branch: branch, Err: err}
		}
	}
	ws.RunDir = runDir
	if err := writeMarker(runDir, ws); err != nil {
		return nil, &Error{Op: "marker", Path: runDir, Err: err}
	}
	log.Debug().Str("path", ws.Path).Str("branch", ws.Branch).Msg("created workspace")
	return ws, nil
}

// create must be called with the base repo lock held.
func (m *Manager) create(ctx context.Context, path, branch, base string) (*Workspace, error) {
	g := NewGit(m.baseRepo)
	os.Remove(filepath.Join(filepath.Dir(path), result.WorkspaceMarker))
	if dirExists(path) {
		_ = g.WorktreeRemove(ctx, path)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("removing stale worktree: %w", err)
		}
	}
	if err := g.WorktreePrune(ctx); err != nil {
		return nil, err
	}
	if g.BranchExists(ctx, branch) {
		if err := g.DeleteBranch(ctx, branch); err != nil {
			// Still checked out by a live worktree somewhere else.
			alt := branch + "-" + m.Token()
			m.logger.Warn().Str("branch", branch).Str("fallback", alt).Err(err).Msg("stale branch in use, using disambiguated name")
			branch = alt
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := g.WorktreeAdd(ctx, path, branch, base); err != nil {
		return nil, err
	}
	return &Workspace{
		Path:      path,
		Branch:    branch,
		BaseRef:   base,
		DiffBase:  base,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *Manager) forceCleanup(ctx context.Context, path string) {
	g := NewGit(m.baseRepo)
	_ = g.WorktreeRemove(ctx, path)
	os.RemoveAll(path)
	_ = g.WorktreePrune(ctx)
}

// Destroy removes the worktree, its branch and the marker.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	unlock := lockRepo(m.baseRepo)
	defer unlock()

	g := NewGit(m.baseRepo)
	_ = g.WorktreeRemove(ctx, ws.Path)
	if err := os.RemoveAll(ws.Path); err != nil {
		return &Error{Op: "destroy", Path: ws.Path, Err: err}
	}
	if err := g.WorktreePrune(ctx); err != nil {
		return &Error{Op: "destroy", Path: ws.Path, Err: err}
	}
	if g.BranchExists(ctx, ws.Branch) {
		if err := g.DeleteBranch(ctx, ws.Branch); err != nil {
			m.logger.Warn().Err(err).Str("branch", ws.Branch).Msg("could not delete run branch")
		}
	}
	os.Remove(filepath.Join(filepath.Dir(ws.Path), result.WorkspaceMarker))
	return nil
}

// ReadMarker loads workspace.json from a run directory.
func ReadMarker(runDir string) (*Workspace, error) {
	data, err := os.ReadFile(filepath.Join(runDir, result.WorkspaceMarker))
	if err != nil {
		return nil, err
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parsing workspace marker: %w", err)
	}
	if ws.Path == "" || ws.Branch == "" {
		return nil, errors.New("workspace marker is incomplete")
	}
	return &ws, nil
}

func writeMarker(runDir string, ws *Workspace) error {
	return result.WriteJSON(filepath.Join(runDir, result.WorkspaceMarker), ws)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// canonical returns an absolute path with symlinks resolved as far as the
// path exists.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	parent, err := canonical(filepath.Dir(abs))
	if err != nil || parent == filepath.Dir(abs) {
		return abs, nil
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}
