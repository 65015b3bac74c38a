package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Git runs the git binary against one repository or worktree.
type Git struct {
	Dir string
}

func NewGit(dir string) *Git {
	return &Git{Dir: dir}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// output is run without trimming, for diffs.
func (g *Git) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %s %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return string(out), nil
}

// Clone clones repo into dest without checking out a branch-specific ref.
func Clone(ctx context.Context, repo, dest string) error {
	if strings.HasPrefix(repo, "-") {
		return fmt.Errorf("refusing option-like repository %q", repo)
	}
	g := &Git{}
	_, err := g.run(ctx, "clone", "--quiet", "--", repo, dest)
	return err
}

func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "-") {
		return "", fmt.Errorf("refusing option-like ref %q", ref)
	}
	return g.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
}

func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, "worktree", "add", path, "-b", branch, base)
	return err
}

func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.run(ctx, "worktree", "remove", path, "--force")
	return err
}

func (g *Git) WorktreePrune(ctx context.Context) error {
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

func (g *Git) BranchExists(ctx context.Context, name string) bool {
	_, err := g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "-D", name)
	return err
}

func (g *Git) AddAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "-A")
	return err
}

func (g *Git) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// Commit commits the index with a fixed identity so it works without any
// user git configuration.
func (g *Git) Commit(ctx context.Context, msg string) error {
	_, err := g.run(ctx, "-c", "user.name=crucible", "-c", "user.email=crucible@localhost",
		"commit", "--quiet", "--no-verify", "-m", msg)
	return err
}

func (g *Git) HasStagedChanges(ctx context.Context) bool {
	_, err := g.run(ctx, "diff", "--cached", "--quiet")
	return err != nil
}

func (g *Git) DiffCached(ctx context.Context, base string) (string, error) {
	if base == "" {
		return g.output(ctx, "diff", "--cached", "--binary")
	}
	return g.output(ctx, "diff", "--cached", "--binary", base)
}

func (g *Git) DiffUnstaged(ctx context.Context) (string, error) {
	return g.output(ctx, "diff", "--binary")
}

func (g *Git) StatusPorcelain(ctx context.Context) (string, error) {
	return g.output(ctx, "status", "--porcelain")
}

func (g *Git) UntrackedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}
