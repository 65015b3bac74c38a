package recovery

import (
	"slices"

	"github.com/signalnine/crucible/internal/result"
)

// Key identifies one expected run.
type Key struct {
	Tier    string
	Subtest string
	Run     int
}

type Entry struct {
	Key
	RunDir string
	Status RunStatus
	Judge  JudgeStatus
}

// Scan classifies every planned run under experimentDir in plan order.
func Scan(experimentDir string, plan []Key, judges []string) []Entry {
	entries := make([]Entry, 0, len(plan))
	for _, k := range plan {
		runDir := result.RunDir(experimentDir, k.Tier, k.Subtest, k.Run)
		entries = append(entries, Entry{
			Key:    k,
			RunDir: runDir,
			Status: Classify(runDir),
			Judge:  ClassifyJudge(runDir, judges),
		})
	}
	return entries
}

// Filter selects entries. Empty fields match everything.
type Filter struct {
	Statuses      []RunStatus
	JudgeStatuses []JudgeStatus
	Tiers         []string
	Subtests      []string
	Runs          []int
}

func (f Filter) Match(e Entry) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.JudgeStatuses) > 0 && !slices.Contains(f.JudgeStatuses, e.Judge) {
		return false
	}
	if len(f.Tiers) > 0 && !slices.Contains(f.Tiers, e.Tier) {
		return false
	}
	if len(f.Subtests) > 0 && !slices.Contains(f.Subtests, e.Subtest) {
		return false
	}
	if len(f.Runs) > 0 && !slices.Contains(f.Runs, e.Run) {
		return false
	}
	return true
}

func (f Filter) Apply(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Counts tallies entries per run status.
func Counts(entries []Entry) map[RunStatus]int {
	counts := make(map[RunStatus]int, len(RunStatuses))
	for _, e := range entries {
		counts[e.Status]++
	}
	return counts
}
