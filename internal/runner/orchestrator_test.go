package runner_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/signalnine/gauntlet/internal/checkpoint"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/judge"
	"github.com/signalnine/gauntlet/internal/parallel"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/runner"
	"github.com/signalnine/gauntlet/internal/workspace"
)

type gridHarness struct {
	cfg    *config.Config
	orch   *runner.Orchestrator
	root   string
	cpPath string
}

// newGridHarness builds an orchestrator over a 2 subtest × 2 run grid
// against one local origin repo.
func newGridHarness(t *testing.T, repo, commit, judgeURL string, parallelism int, agentCmd string) *gridHarness {
	t.Helper()
	prompt := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(prompt, []byte("Do the task.\n"), 0o644))

	subtest := func(name string) config.Subtest {
		return config.Subtest{
			Name:       name,
			Repo:       repo,
			Commit:     commit,
			PromptFile: prompt,
		}
	}
	cfg := &config.Config{
		Experiment: config.Experiment{
			ID:                  "grid-exp",
			Runs:                2,
			Parallel:            parallelism,
			MaxSubprocesses:     8,
			AgentTimeoutMinutes: 1,
		},
		Tiers: []config.Tier{{
			Name:     "tier1",
			Subtests: []config.Subtest{subtest("alpha"), subtest("beta")},
		}},
		Judges: config.Judges{
			Models:         []string{"judge-model"},
			TimeoutMinutes: 1,
			Endpoint:       judgeURL,
		},
		Agent: config.Agent{Command: "bash", Args: []string{"-c", agentCmd}},
	}

	root := t.TempDir()
	log := quietLogger()
	cpPath := filepath.Join(root, "checkpoint.json")
	sched := parallel.New(log)
	exec := runner.NewExecutor(runner.ExecutorOpts{
		Config:     cfg,
		Store:      workspace.NewStore(filepath.Join(root, ".repos"), log),
		Judges:     judge.NewClient(judgeURL, "", log),
		Scheduler:  sched,
		Subprocs:   semaphore.NewWeighted(int64(cfg.Experiment.MaxSubprocesses)),
		Root:       root,
		Checkpoint: cpPath,
	}, log)
	return &gridHarness{
		cfg:    cfg,
		orch:   runner.NewOrchestrator(cfg, exec, sched, cpPath, log),
		root:   root,
		cpPath: cpPath,
	}
}

func (h *gridHarness) gridStatuses(t *testing.T) map[string]checkpoint.RunStatus {
	t.Helper()
	cp, err := checkpoint.Load(h.cpPath)
	require.NoError(t, err)
	statuses := make(map[string]checkpoint.RunStatus)
	for _, st := range []string{"alpha", "beta"} {
		for run := 1; run <= h.cfg.Experiment.Runs; run++ {
			if status, ok := cp.Run("tier1", st, run); ok {
				statuses[fmt.Sprintf("%s/%d", st, run)] = status
			}
		}
	}
	return statuses
}

func TestOrchestratorRunsFullGrid(t *testing.T) {
	origin, head := makeOrigin(t)
	js := newJudgeServer(t, 0.85)
	h := newGridHarness(t, origin, head, js.URL, 2, "echo done > out.txt")

	require.NoError(t, h.orch.Run(context.Background()))

	statuses := h.gridStatuses(t)
	require.Len(t, statuses, 4)
	for unit, status := range statuses {
		assert.Equal(t, checkpoint.RunCompleted, status, "unit %s", unit)
	}

	cp, err := checkpoint.Load(h.cpPath)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ExperimentCompleted, cp.Status)
	assert.Equal(t, "grid-exp", cp.ExperimentID)
	assert.Equal(t, h.cfg.Fingerprint(), cp.ConfigFingerprint)
}

func TestOrchestratorSkipsTerminalUnitsOnResume(t *testing.T) {
	origin, head := makeOrigin(t)
	js := newJudgeServer(t, 0.85)

	counter := filepath.Join(t.TempDir(), "invocations")
	h := newGridHarness(t, origin, head, js.URL, 1, "echo x >> "+counter)

	// Simulate a prior interrupted run that completed one unit.
	require.NoError(t, checkpoint.MergeAndSave(h.cpPath, func(cp *checkpoint.Checkpoint) {
		cp.ExperimentID = "grid-exp"
		cp.ConfigFingerprint = h.cfg.Fingerprint()
		cp.Status = checkpoint.ExperimentInterrupted
		cp.SetRun("tier1", "alpha", 1, checkpoint.RunCompleted)
	}))

	require.NoError(t, h.orch.Run(context.Background()))

	// 4 grid units, 1 already terminal: the agent ran 3 times.
	lines, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\nx\n", string(lines))

	// The skipped unit's record was never written; its checkpoint entry
	// survives untouched.
	_, err = result.ReadRunRecord(result.RunDir(h.root, "tier1", "alpha", 1))
	require.Error(t, err)
	statuses := h.gridStatuses(t)
	require.Len(t, statuses, 4)
	assert.Equal(t, checkpoint.RunCompleted, statuses["alpha/1"])
}

func TestOrchestratorResumesDespiteFingerprintMismatch(t *testing.T) {
	origin, head := makeOrigin(t)
	js := newJudgeServer(t, 0.85)
	h := newGridHarness(t, origin, head, js.URL, 1, "true")

	require.NoError(t, checkpoint.MergeAndSave(h.cpPath, func(cp *checkpoint.Checkpoint) {
		cp.ExperimentID = "grid-exp"
		cp.ConfigFingerprint = "someoldfingerprint"
		cp.SetRun("tier1", "alpha", 1, checkpoint.RunCompleted)
	}))

	// A mismatched fingerprint warns but never vetoes the resume, and the
	// checkpoint's own fingerprint is preserved.
	require.NoError(t, h.orch.Run(context.Background()))
	cp, err := checkpoint.Load(h.cpPath)
	require.NoError(t, err)
	assert.Equal(t, "someoldfingerprint", cp.ConfigFingerprint)
	assert.Equal(t, checkpoint.ExperimentCompleted, cp.Status)
}

func TestOrchestratorParallelismDoesNotChangeResults(t *testing.T) {
	origin, head := makeOrigin(t)
	js := newJudgeServer(t, 0.85)

	serial := newGridHarness(t, origin, head, js.URL, 1, "echo done > out.txt")
	wide := newGridHarness(t, origin, head, js.URL, 8, "echo done > out.txt")

	require.NoError(t, serial.orch.Run(context.Background()))
	require.NoError(t, wide.orch.Run(context.Background()))

	assert.Equal(t, serial.gridStatuses(t), wide.gridStatuses(t))

	// Same per-run scores and per-run token totals regardless of
	// scheduling width: each run counts only its own judge calls, so
	// concurrent siblings can't inflate each other's usage.
	for _, h := range []*gridHarness{serial, wide} {
		for _, st := range []string{"alpha", "beta"} {
			for run := 1; run <= 2; run++ {
				rec, err := result.ReadRunRecord(result.RunDir(h.root, "tier1", st, run))
				require.NoError(t, err)
				assert.Equal(t, result.StatusCompleted, rec.Status)
				assert.InDelta(t, 0.85, rec.Consensus.MeanScore, 1e-9)
				assert.Equal(t, 120, rec.TotalTokens)
			}
		}
	}
}

func TestOrchestratorMarksInterruptedWhenCancelled(t *testing.T) {
	origin, head := makeOrigin(t)
	js := newJudgeServer(t, 0.85)
	h := newGridHarness(t, origin, head, js.URL, 1, "true")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Dispatch sees an already-cancelled context: no unit runs its agent,
	// and the experiment closes as interrupted, not completed.
	err := h.orch.Run(ctx)
	require.NoError(t, err)

	cp, err := checkpoint.Load(h.cpPath)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ExperimentInterrupted, cp.Status)
	assert.Zero(t, js.calls.Load())
}
