// Package report aggregates persisted run records into per-tier summaries.
// It reads run_result.json files and never mutates them.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/gauntlet/internal/result"
)

type TierSummary struct {
	Tier        string         `json:"tier"`
	Runs        int            `json:"runs"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	NoJudgment  int            `json:"no_valid_judgment"`
	MeanScore   float64        `json:"mean_score"`
	Grades      map[string]int `json:"grades,omitempty"`
	MeanTokens  float64        `json:"mean_tokens"`
	MeanCostUSD float64        `json:"mean_cost_usd"`
}

// gradeList renders the grade distribution compactly, highest first.
func (s TierSummary) gradeList() string {
	if len(s.Grades) == 0 {
		return "-"
	}
	var parts []string
	for _, g := range []string{"A", "B", "C", "D", "F"} {
		if n := s.Grades[g]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", g, n))
		}
	}
	return strings.Join(parts, " ")
}

// Generate reads every run record under root and writes a summary in the
// requested format. Runs with no valid judgment are reported in their own
// column: they are neither passing nor failing scores and must never be
// folded into the mean.
func Generate(root, format string, w io.Writer) error {
	records, err := collectRecords(root)
	if err != nil {
		return err
	}
	summaries := aggregate(records)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

func collectRecords(root string) ([]*result.RunRecord, error) {
	var records []*result.RunRecord
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() != "run_result.json" {
			return nil
		}
		var rec result.RunRecord
		if err := result.ReadJSON(path, &rec); err != nil {
			// A truncated record from a crashed run; leave it out rather
			// than failing the whole report.
			return nil
		}
		records = append(records, &rec)
		return nil
	})
	return records, err
}

func aggregate(records []*result.RunRecord) []TierSummary {
	type accum struct {
		runs       int
		completed  int
		failed     int
		noJudgment int
		scoreSum   float64
		scored     int
		grades     map[string]int
		tokens     float64
		cost       float64
	}
	byTier := map[string]*accum{}

	for _, rec := range records {
		a, ok := byTier[rec.Tier]
		if !ok {
			a = &accum{}
			byTier[rec.Tier] = a
		}
		a.runs++
		a.tokens += float64(rec.TotalTokens)
		a.cost += rec.TotalCostUSD
		switch rec.Status {
		case result.StatusFailed:
			a.failed++
		case result.StatusCompleted:
			a.completed++
		}
		if rec.Consensus.NoValidJudgment {
			a.noJudgment++
		} else if rec.Status == result.StatusCompleted {
			a.scoreSum += rec.Consensus.MeanScore
			a.scored++
			if a.grades == nil {
				a.grades = make(map[string]int)
			}
			a.grades[rec.Consensus.Grade]++
		}
	}

	var summaries []TierSummary
	for tier, a := range byTier {
		s := TierSummary{
			Tier:       tier,
			Runs:       a.runs,
			Completed:  a.completed,
			Failed:     a.failed,
			NoJudgment: a.noJudgment,
			Grades:     a.grades,
		}
		if a.scored > 0 {
			s.MeanScore = a.scoreSum / float64(a.scored)
		}
		if a.runs > 0 {
			s.MeanTokens = a.tokens / float64(a.runs)
			s.MeanCostUSD = a.cost / float64(a.runs)
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Tier < summaries[j].Tier })
	return summaries
}

func writeTable(summaries []TierSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tRUNS\tCOMPLETED\tFAILED\tNO JUDGMENT\tMEAN SCORE\tGRADES\tMEAN TOKENS\tMEAN COST")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.3f\t%s\t%.0f\t$%.2f\n",
			s.Tier, s.Runs, s.Completed, s.Failed, s.NoJudgment, s.MeanScore, s.gradeList(), s.MeanTokens, s.MeanCostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []TierSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Tier | Runs | Completed | Failed | No judgment | Mean score | Grades | Mean tokens | Mean cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %d | %.3f | %s | %.0f | $%.2f |\n",
			s.Tier, s.Runs, s.Completed, s.Failed, s.NoJudgment, s.MeanScore, s.gradeList(), s.MeanTokens, s.MeanCostUSD)
	}
	return nil
}

func writeJSON(summaries []TierSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
