// Package recovery classifies the on-disk state of runs and rebuilds result
// files that can be derived from artifacts already present.
package recovery

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/signalnine/crucible/internal/cmdlog"
	"github.com/signalnine/crucible/internal/result"
)

// RunStatus is the rerun classification of one run directory.
type RunStatus string

const (
	// Completed runs have a valid agent result and run result.
	Completed RunStatus = "completed"
	// Results runs have every artifact needed to rebuild their result files
	// without running anything.
	Results RunStatus = "results"
	// Failed runs have an agent that exited unsuccessfully.
	Failed RunStatus = "failed"
	// Partial runs started but stopped before producing usable output.
	Partial RunStatus = "partial"
	// Missing runs never started.
	Missing RunStatus = "missing"
)

var RunStatuses = []RunStatus{Completed, Results, Failed, Partial, Missing}

func ParseRunStatus(s string) (RunStatus, bool) {
	for _, st := range RunStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// JudgeStatus is the classification of a run's judging.
type JudgeStatus string

const (
	JudgeComplete    JudgeStatus = "complete"
	JudgeMissing     JudgeStatus = "missing"
	JudgeFailed      JudgeStatus = "failed"
	JudgePartial     JudgeStatus = "partial"
	JudgeAgentFailed JudgeStatus = "agent_failed"
)

var JudgeStatuses = []JudgeStatus{JudgeComplete, JudgeMissing, JudgeFailed, JudgePartial, JudgeAgentFailed}

func ParseJudgeStatus(s string) (JudgeStatus, bool) {
	for _, st := range JudgeStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Classify inspects runDir and returns exactly one status. It reads files
// only.
func Classify(runDir string) RunStatus {
	entries, err := os.ReadDir(runDir)
	if err != nil || len(entries) == 0 {
		return Missing
	}

	agent, err := result.ReadAgentResult(runDir)
	if err == nil {
		if !agent.Succeeded() {
			return Failed
		}
		if _, err := result.ReadRunResult(runDir); err == nil {
			return Completed
		}
		if judgmentsComplete(runDir) {
			return Results
		}
		return Partial
	}

	rec, ok := lastAgentCommand(runDir)
	if !ok || rec.State != cmdlog.Executed || rec.ExitCode == nil {
		return Partial
	}
	if _, err := os.Stat(localRef(result.AgentDir(runDir), rec.StdoutRef)); err != nil {
		return Partial
	}
	if *rec.ExitCode != 0 {
		return Failed
	}
	return Results
}

// ClassifyJudge reports how far judging got for runDir against the expected
// judge names.
func ClassifyJudge(runDir string, expected []string) JudgeStatus {
	agent, err := result.ReadAgentResult(runDir)
	if err != nil {
		if Classify(runDir) == Failed {
			return JudgeAgentFailed
		}
		return JudgeMissing
	}
	if !agent.Succeeded() {
		return JudgeAgentFailed
	}

	evals, _ := result.ReadJudgeEvaluations(runDir)
	have := make(map[string]bool, len(evals))
	for _, ev := range evals {
		have[ev.JudgeName] = true
		have[ev.JudgeModel] = true
	}
	matched := 0
	for _, name := range expected {
		if have[name] {
			matched++
		}
	}
	switch {
	case len(expected) > 0 && matched == len(expected):
		return JudgeComplete
	case matched > 0:
		return JudgePartial
	case len(judgeDirs(runDir)) > 0:
		return JudgeFailed
	default:
		return JudgeMissing
	}
}

// judgmentsComplete is true when at least one judge ran and every judge
// directory holds a valid judgment.
func judgmentsComplete(runDir string) bool {
	dirs := judgeDirs(runDir)
	if len(dirs) == 0 {
		return false
	}
	for _, d := range dirs {
		if _, err := result.ReadJudgeEvaluation(d); err != nil {
			return false
		}
	}
	return true
}

func judgeDirs(runDir string) []string {
	entries, err := os.ReadDir(result.JudgeRoot(runDir))
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "judge_") {
			dirs = append(dirs, filepath.Join(result.JudgeRoot(runDir), e.Name()))
		}
	}
	return dirs
}

// lastAgentCommand checks for the log first since cmdlog.Load creates its
// directory.
func lastAgentCommand(runDir string) (*cmdlog.Record, bool) {
	dir := result.AgentDir(runDir)
	if _, err := os.Stat(filepath.Join(dir, cmdlog.LogFile)); err != nil {
		return nil, false
	}
	l, err := cmdlog.Load(dir)
	if err != nil {
		return nil, false
	}
	return l.Last()
}

// localRef resolves a recorded output file inside dir, so a results tree that
// has been moved still classifies the same way.
func localRef(dir, ref string) string {
	if ref == "" {
		return filepath.Join(dir, result.StdoutFile)
	}
	return filepath.Join(dir, filepath.Base(ref))
}
