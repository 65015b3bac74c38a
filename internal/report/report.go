package report

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/recovery"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/workspace"
)

type TierSummary struct {
	Tier         string  `json:"tier"`
	Runs         int     `json:"runs"`
	Passed       int     `json:"passed"`
	PassRate     float64 `json:"pass_rate"`
	MeanScore    float64 `json:"mean_score"`
	MeanTokens   float64 `json:"mean_tokens"`
	MeanCostUSD  float64 `json:"mean_cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Incomplete is a planned run without a run result.
type Incomplete struct {
	Tier    string             `json:"tier"`
	Subtest string             `json:"subtest"`
	Run     int                `json:"run"`
	Status  recovery.RunStatus `json:"status"`
}

type Report struct {
	Experiment string        `json:"experiment"`
	Tiers      []TierSummary `json:"tiers"`
	Incomplete []Incomplete  `json:"incomplete,omitempty"`
}

type Options struct {
	// Format is table, markdown or json.
	Format string
	// Plan lists the expected runs. Without it only runs that have a result
	// are reported.
	Plan []recovery.Key
	// Pricing prices runs that recorded tokens but no cost.
	Pricing *pricing.Table
	Model   string
}

// Generate summarizes the run results of an experiment. Aggregates cover
// completed runs only; the rest are listed separately.
func Generate(expDir string, opts Options, w io.Writer) error {
	r, err := Build(expDir, opts)
	if err != nil {
		return err
	}
	switch opts.Format {
	case "markdown":
		return writeMarkdown(r, w)
	case "json":
		return writeJSON(r, w)
	case "", "table":
		return writeTable(r, w)
	default:
		return fmt.Errorf("unknown report format %q", opts.Format)
	}
}

func Build(expDir string, opts Options) (*Report, error) {
	results, incomplete, err := collect(expDir, opts.Plan)
	if err != nil {
		return nil, err
	}
	if opts.Pricing != nil {
		enrichCosts(results, opts.Pricing, opts.Model)
	}
	return &Report{
		Experiment: filepath.Base(expDir),
		Tiers:      aggregate(results),
		Incomplete: incomplete,
	}, nil
}

func collect(expDir string, plan []recovery.Key) ([]*result.RunResult, []Incomplete, error) {
	if len(plan) == 0 {
		results, err := walkResults(expDir)
		return results, nil, err
	}
	var (
		results    []*result.RunResult
		incomplete []Incomplete
	)
	for _, k := range plan {
		runDir := result.RunDir(expDir, k.Tier, k.Subtest, k.Run)
		rr, err := result.ReadRunResult(runDir)
		if err != nil {
			incomplete = append(incomplete, Incomplete{Tier: k.Tier, Subtest: k.Subtest, Run: k.Run, Status: recovery.Classify(runDir)})
			continue
		}
		results = append(results, rr)
	}
	return results, incomplete, nil
}

// walkResults finds run results without descending into workspaces, the
// base clone or archived attempts.
func walkResults(expDir string) ([]*result.RunResult, error) {
	var results []*result.RunResult
	err := filepath.WalkDir(expDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case workspace.WorktreeDir, workspace.BaseRepoDir, result.FailedDirName, result.AgentDirName, result.JudgeDirName:
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != result.RunResultFile {
			return nil
		}
		rr, err := result.ReadRunResult(filepath.Dir(path))
		if err != nil {
			return nil
		}
		results = append(results, rr)
		return nil
	})
	return results, err
}

func enrichCosts(results []*result.RunResult, table *pricing.Table, model string) {
	for _, r := range results {
		if r.CostUSD > 0 || r.TokenStats.Total() == 0 {
			continue
		}
		if cost, ok := table.CostForModel(model, r.TokenStats.InputTokens, r.TokenStats.OutputTokens); ok {
			r.CostUSD = cost
		}
	}
}

func aggregate(results []*result.RunResult) []TierSummary {
	type accum struct {
		count  int
		passed int
		score  float64
		tokens float64
		cost   float64
	}
	byTier := map[string]*accum{}

	for _, r := range results {
		a, ok := byTier[r.TierID]
		if !ok {
			a = &accum{}
			byTier[r.TierID] = a
		}
		a.count++
		a.score += r.Score
		a.tokens += float64(r.TokenStats.Total())
		a.cost += r.CostUSD
		if r.Passed {
			a.passed++
		}
	}

	ids := make([]string, 0, len(byTier))
	for id := range byTier {
		ids = append(ids, id)
	}
	config.SortIDs(ids)

	summaries := make([]TierSummary, 0, len(ids))
	for _, id := range ids {
		a := byTier[id]
		summaries = append(summaries, TierSummary{
			Tier:         id,
			Runs:         a.count,
			Passed:       a.passed,
			PassRate:     float64(a.passed) / float64(a.count),
			MeanScore:    a.score / float64(a.count),
			MeanTokens:   a.tokens / float64(a.count),
			MeanCostUSD:  a.cost / float64(a.count),
			TotalCostUSD: a.cost,
		})
	}
	return summaries
}

func writeTable(r *Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tRUNS\tPASSED\tPASS RATE\tMEAN SCORE\tMEAN TOKENS\tMEAN COST\tTOTAL COST")
	fmt.Fprintln(tw, strings.Repeat("-", 90))
	for _, s := range r.Tiers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f%%\t%.3f\t%.0f\t$%.2f\t$%.2f\n",
			s.Tier, s.Runs, s.Passed, s.PassRate*100, s.MeanScore, s.MeanTokens, s.MeanCostUSD, s.TotalCostUSD)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.Incomplete) == 0 {
		return nil
	}

	in := r.Incomplete
	fmt.Fprintln(w)
	color.New(color.FgYellow).Fprintf(w, "%d incomplete run(s):\n", len(in))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, i := range in {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", i.Tier, i.Subtest, result.RunDirName(i.Run), i.Status)
	}
	return tw.Flush()
}

func writeMarkdown(r *Report, w io.Writer) error {
	fmt.Fprintf(w, "# Experiment %s\n\n", r.Experiment)
	fmt.Fprintln(w, "| Tier | Runs | Passed | Pass Rate | Mean Score | Mean Tokens | Mean Cost | Total Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, s := range r.Tiers {
		fmt.Fprintf(w, "| %s | %d | %d | %.0f%% | %.3f | %.0f | $%.2f | $%.2f |\n",
			s.Tier, s.Runs, s.Passed, s.PassRate*100, s.MeanScore, s.MeanTokens, s.MeanCostUSD, s.TotalCostUSD)
	}
	if len(r.Incomplete) == 0 {
		return nil
	}
	in := r.Incomplete
	fmt.Fprintf(w, "\n## Incomplete runs (%d)\n\n", len(in))
	fmt.Fprintln(w, "| Tier | Subtest | Run | Status |")
	fmt.Fprintln(w, "|---|---|---|---|")
	for _, i := range in {
		fmt.Fprintf(w, "| %s | %s | %d | %s |\n", i.Tier, i.Subtest, i.Run, i.Status)
	}
	return nil
}

func writeJSON(r *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
