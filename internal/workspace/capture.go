package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/result"
)

const (
	maxUntrackedFile  = 64 << 10
	maxUntrackedTotal = 1 << 20

	UntrackedFile = "untracked_files.txt"
	StatusFile    = "workspace_status.txt"
)

// Seed copies subtest files into the worktree and commits them, so that
// later diffs only show what the agent changed.
func (w *Workspace) Seed(ctx context.Context, files []config.SeedFile) error {
	if len(files) == 0 {
		return nil
	}
	for _, f := range files {
		dest := filepath.Join(w.Path, f.Dest)
		if err := copyPath(f.Src, dest); err != nil {
			return &Error{Op: "seed", Path: dest, Err: err}
		}
	}
	g := w.Git()
	if err := g.AddAll(ctx); err != nil {
		return &Error{Op: "seed", Path: w.Path, Err: err}
	}
	if g.HasStagedChanges(ctx) {
		if err := g.Commit(ctx, "crucible: seed subtest files"); err != nil {
			return &Error{Op: "seed", Path: w.Path, Err: err}
		}
	}
	head, err := g.RevParse(ctx, "HEAD")
	if err != nil {
		return &Error{Op: "seed", Path: w.Path, Err: err}
	}
	w.DiffBase = head
	if w.RunDir != "" {
		if err := writeMarker(w.RunDir, w); err != nil {
			return &Error{Op: "marker", Path: w.RunDir, Err: err}
		}
	}
	return nil
}

func copyPath(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Artifacts is a snapshot of what the agent left in the workspace.
type Artifacts struct {
	StagedDiff   string
	UnstagedDiff string
	Status       string
	Files        []string
	Untracked    map[string]string
}

// Capture records the workspace state. The unstaged diff and untracked file
// contents are taken first; then everything is staged and diffed against the
// diff base, which includes any commits the agent made.
func (w *Workspace) Capture(ctx context.Context) (*Artifacts, error) {
	g := w.Git()
	a := &Artifacts{Untracked: make(map[string]string)}
	var err error

	if a.Status, err = g.StatusPorcelain(ctx); err != nil {
		return nil, &Error{Op: "capture", Path: w.Path, Err: err}
	}
	if a.UnstagedDiff, err = g.DiffUnstaged(ctx); err != nil {
		return nil, &Error{Op: "capture", Path: w.Path, Err: err}
	}
	untracked, err := g.UntrackedFiles(ctx)
	if err != nil {
		return nil, &Error{Op: "capture", Path: w.Path, Err: err}
	}
	total := 0
	for _, rel := range untracked {
		if total >= maxUntrackedTotal {
			a.Untracked[rel] = "(omitted: capture limit reached)"
			continue
		}
		content, err := readBounded(filepath.Join(w.Path, rel), maxUntrackedFile)
		if err != nil {
			a.Untracked[rel] = fmt.Sprintf("(unreadable: %v)", err)
			continue
		}
		total += len(content)
		a.Untracked[rel] = content
	}

	if err := g.AddAll(ctx); err != nil {
		return nil, &Error{Op: "capture", Path: w.Path, Err: err}
	}
	base := w.DiffBase
	if base == "" {
		base = w.BaseRef
	}
	if a.StagedDiff, err = g.DiffCached(ctx, base); err != nil {
		return nil, &Error{Op: "capture", Path: w.Path, Err: err}
	}

	err = filepath.WalkDir(w.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Name() == ".git" {
			return nil
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(w.Path, p)
			a.Files = append(a.Files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "capture", Path: w.Path, Err: err}
	}
	sort.Strings(a.Files)
	return a, nil
}

func readBounded(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return string(data[:limit]) + "\n(truncated)\n", nil
	}
	return string(data), nil
}

// Write stores the artifacts as files in dir.
func (a *Artifacts) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	files := map[string]string{
		result.StagedDiffFile:    a.StagedDiff,
		result.UnstagedDiffFile:  a.UnstagedDiff,
		result.WorkspaceListFile: strings.Join(a.Files, "\n") + "\n",
		StatusFile:               a.Status,
		UntrackedFile:            a.untrackedText(),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func (a *Artifacts) untrackedText() string {
	names := make([]string, 0, len(a.Untracked))
	for n := range a.Untracked {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", n, a.Untracked[n])
	}
	return b.String()
}
