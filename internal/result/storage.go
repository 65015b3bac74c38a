package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File names inside a run directory.
const (
	TaskPromptFile    = "task_prompt.md"
	RunResultFile     = "run_result.json"
	WorkspaceMarker   = "workspace.json"
	AgentDirName      = "agent"
	JudgeDirName      = "judge"
	FailedDirName     = ".failed"
	AgentResultFile   = "result.json"
	JudgmentFile      = "judgment.json"
	StdoutFile        = "stdout.log"
	StderrFile        = "stderr.log"
	StagedDiffFile    = "diff_staged.patch"
	UnstagedDiffFile  = "diff_unstaged.patch"
	WorkspaceListFile = "workspace_files.txt"
)

// CreateExperimentDir creates (or reuses) the experiment directory and points
// the "latest" symlink at it.
func CreateExperimentDir(baseDir, experimentID string) (string, error) {
	dir, err := filepath.Abs(filepath.Join(baseDir, experimentID))
	if err != nil {
		return "", fmt.Errorf("resolving experiment dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating experiment dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(dir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return dir, nil
}

func RunDir(experimentDir, tier, subtest string, run int) string {
	return filepath.Join(experimentDir, tier, subtest, RunDirName(run))
}

func RunDirName(run int) string {
	return fmt.Sprintf("run_%02d", run)
}

// ParseRunDirName is the inverse of RunDirName.
func ParseRunDirName(name string) (int, bool) {
	n, ok := strings.CutPrefix(name, "run_")
	if !ok {
		return 0, false
	}
	run, err := strconv.Atoi(n)
	if err != nil || run < 1 {
		return 0, false
	}
	return run, true
}

func AgentDir(runDir string) string { return filepath.Join(runDir, AgentDirName) }
func JudgeRoot(runDir string) string { return filepath.Join(runDir, JudgeDirName) }

func JudgeDir(runDir string, n int) string {
	return filepath.Join(runDir, JudgeDirName, fmt.Sprintf("judge_%02d", n))
}

// WriteJSON marshals v and replaces path atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", filepath.Base(path), err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func WriteRunResult(runDir string, r *RunResult) error {
	return WriteJSON(filepath.Join(runDir, RunResultFile), r)
}

func ReadRunResult(runDir string) (*RunResult, error) {
	var r RunResult
	if err := readJSON(filepath.Join(runDir, RunResultFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func WriteAgentResult(runDir string, r *AgentResult) error {
	return WriteJSON(filepath.Join(AgentDir(runDir), AgentResultFile), r)
}

func ReadAgentResult(runDir string) (*AgentResult, error) {
	var r AgentResult
	if err := readJSON(filepath.Join(AgentDir(runDir), AgentResultFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func WriteJudgeEvaluation(judgeDir string, e *JudgeEvaluation) error {
	return WriteJSON(filepath.Join(judgeDir, JudgmentFile), e)
}

func ReadJudgeEvaluation(judgeDir string) (*JudgeEvaluation, error) {
	var e JudgeEvaluation
	if err := readJSON(filepath.Join(judgeDir, JudgmentFile), &e); err != nil {
		return nil, err
	}
	if e.JudgeModel == "" && e.JudgeName == "" {
		return nil, fmt.Errorf("judgment in %s names no judge", judgeDir)
	}
	return &e, nil
}

// ReadJudgeEvaluations loads every judge_NN/judgment.json under runDir in
// judge order. Directories without a valid judgment are skipped.
func ReadJudgeEvaluations(runDir string) ([]*JudgeEvaluation, error) {
	entries, err := os.ReadDir(JudgeRoot(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing judges: %w", err)
	}
	var evals []*JudgeEvaluation
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "judge_") {
			continue
		}
		ev, err := ReadJudgeEvaluation(filepath.Join(JudgeRoot(runDir), e.Name()))
		if err != nil {
			continue
		}
		evals = append(evals, ev)
	}
	return evals, nil
}
