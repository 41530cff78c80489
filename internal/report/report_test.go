package report_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/gauntlet/internal/judge"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, root string, rec *result.RunRecord) {
	t.Helper()
	runDir := result.RunDir(root, rec.Tier, rec.Subtest, rec.Run)
	require.NoError(t, result.WriteRunRecord(runDir, rec))
}

func seedRecords(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeRecord(t, root, &result.RunRecord{
		Tier: "tier1", Subtest: "a", Run: 1,
		Status:    result.StatusCompleted,
		Consensus: judge.Consensus{MeanScore: 0.9, Grade: "A", ValidCount: 2},
	})
	writeRecord(t, root, &result.RunRecord{
		Tier: "tier1", Subtest: "a", Run: 2,
		Status:    result.StatusCompleted,
		Consensus: judge.Consensus{MeanScore: 0.7, Grade: "C", ValidCount: 2},
	})
	writeRecord(t, root, &result.RunRecord{
		Tier: "tier1", Subtest: "b", Run: 1,
		Status:    result.StatusPartial,
		Consensus: judge.Consensus{NoValidJudgment: true, Grade: "N/A", InvalidCount: 2},
	})
	writeRecord(t, root, &result.RunRecord{
		Tier: "tier2", Subtest: "c", Run: 1,
		Status: result.StatusFailed,
		Error:  "agent crashed",
	})
	return root
}

func TestGenerateJSONAggregation(t *testing.T) {
	root := seedRecords(t)

	var buf bytes.Buffer
	require.NoError(t, report.Generate(root, "json", &buf))

	var summaries []report.TierSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summaries))
	require.Len(t, summaries, 2)

	tier1 := summaries[0]
	assert.Equal(t, "tier1", tier1.Tier)
	assert.Equal(t, 3, tier1.Runs)
	assert.Equal(t, 2, tier1.Completed)
	assert.Equal(t, 1, tier1.NoJudgment)
	// The no-judgment run never touches the mean: (0.9+0.7)/2, not /3.
	assert.InDelta(t, 0.8, tier1.MeanScore, 1e-9)
	assert.Equal(t, map[string]int{"A": 1, "C": 1}, tier1.Grades)

	tier2 := summaries[1]
	assert.Equal(t, "tier2", tier2.Tier)
	assert.Equal(t, 1, tier2.Failed)
	assert.Zero(t, tier2.MeanScore)
}

func TestGenerateSkipsCorruptRecords(t *testing.T) {
	root := seedRecords(t)
	bad := result.RunDir(root, "tier1", "crashed", 1)
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "run_result.json"), []byte(`{"tier": "ti`), 0o644))

	var buf bytes.Buffer
	require.NoError(t, report.Generate(root, "json", &buf))

	var summaries []report.TierSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summaries))
	for _, s := range summaries {
		if s.Tier == "tier1" {
			assert.Equal(t, 3, s.Runs)
		}
	}
}

func TestGenerateTableAndMarkdown(t *testing.T) {
	root := seedRecords(t)

	var table bytes.Buffer
	require.NoError(t, report.Generate(root, "table", &table))
	assert.Contains(t, table.String(), "TIER")
	assert.Contains(t, table.String(), "tier1")
	assert.Contains(t, table.String(), "NO JUDGMENT")

	var md bytes.Buffer
	require.NoError(t, report.Generate(root, "markdown", &md))
	assert.Contains(t, md.String(), "| Tier |")
	assert.Contains(t, md.String(), "| tier2 |")
}

func TestGenerateEmptyRoot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Generate(t.TempDir(), "table", &buf))
	assert.Contains(t, buf.String(), "TIER")
}
