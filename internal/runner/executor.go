// Package runner drives individual runs through their stage machine and
// orchestrates the full tier × subtest × run grid.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/signalnine/gauntlet/internal/checkpoint"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/judge"
	"github.com/signalnine/gauntlet/internal/parallel"
	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/workspace"
)

// judge prompts embed the captured diff; large diffs are truncated to stay
// inside model context windows.
const maxDiffChars = 100_000

// RunSpec identifies one (tier, subtest, run) unit of the grid.
type RunSpec struct {
	Tier    config.Tier
	Subtest config.Subtest
	Run     int
}

// Executor drives one run through its stages: workspace preparation, agent
// execution, baseline capture, judging, persistence. A failure in any
// stage lands the run in a failed, persisted state without touching
// sibling runs.
type Executor struct {
	cfg     *config.Config
	store   *workspace.Store
	judges  *judge.Client
	sched   *parallel.Scheduler
	procSem *semaphore.Weighted
	pricing *pricing.Table
	root    string
	cpPath  string
	log     *logrus.Entry
}

type ExecutorOpts struct {
	Config     *config.Config
	Store      *workspace.Store
	Judges     *judge.Client
	Scheduler  *parallel.Scheduler
	Subprocs   *semaphore.Weighted
	Pricing    *pricing.Table
	Root       string
	Checkpoint string
}

func NewExecutor(opts ExecutorOpts, log *logrus.Logger) *Executor {
	return &Executor{
		cfg:     opts.Config,
		store:   opts.Store,
		judges:  opts.Judges,
		sched:   opts.Scheduler,
		procSem: opts.Subprocs,
		pricing: opts.Pricing,
		root:    opts.Root,
		cpPath:  opts.Checkpoint,
		log:     log.WithField("prefix", "runner"),
	}
}

// Execute runs one grid unit to completion. A unit with a persisted
// partial record (agent done, no valid judgment yet) goes straight to the
// rejudge path: its workspace is never recreated and its agent is never
// re-invoked.
func (e *Executor) Execute(ctx context.Context, spec RunSpec) error {
	runDir := result.RunDir(e.root, spec.Tier.Name, spec.Subtest.Name, spec.Run)
	log := e.log.WithFields(logrus.Fields{
		"tier": spec.Tier.Name, "subtest": spec.Subtest.Name, "run": spec.Run,
	})

	if rec, err := result.ReadRunRecord(runDir); err == nil {
		switch rec.Status {
		case result.StatusCompleted, result.StatusFailed:
			log.Info("already terminal, skipping")
			return nil
		case result.StatusPartial:
			log.Info("partial record found, redoing judging only")
			return e.Rejudge(ctx, runDir)
		}
	}

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}

	rec := &result.RunRecord{
		Tier:    spec.Tier.Name,
		Subtest: spec.Subtest.Name,
		Run:     spec.Run,
		Status:  result.StatusRunning,
	}

	handle, lease, err := e.prepareWorkspace(ctx, spec, runDir)
	if err != nil {
		return e.fail(ctx, runDir, rec, handle, lease, err)
	}
	log.Infof("workspace ready at %s", lease.Path)

	agentRes, err := e.executeAgent(ctx, spec, runDir)
	if agentRes != nil {
		rec.ExitCode = agentRes.ExitCode
		rec.ExitReason = result.ExitReasonFromCode(agentRes.ExitCode, agentRes.TimedOut)
		rec.DurationS = agentRes.DurationS
	}
	if err != nil {
		return e.fail(ctx, runDir, rec, handle, lease, err)
	}
	log.Infof("agent finished: %s", rec.ExitReason)

	baseline, err := e.captureBaseline(ctx, spec, runDir, handle, lease)
	if err != nil {
		return e.fail(ctx, runDir, rec, handle, lease, err)
	}
	rec.Baseline = "baseline.json"

	verdicts, err := e.runJudges(ctx, spec, runDir, lease, baseline)
	if err != nil {
		return e.fail(ctx, runDir, rec, handle, lease, err)
	}

	rec.Verdicts = verdicts
	rec.Consensus = judge.Compute(verdicts)
	rec.AgentOutput = filepath.Join("agent", "output.log")
	if rec.Consensus.NoValidJudgment {
		// Agent work is durable but no judge produced a usable score;
		// resume redoes only the judging stage.
		rec.Status = result.StatusPartial
		log.Warn("no valid judgment from any judge")
	} else {
		rec.Status = result.StatusCompleted
		log.Infof("consensus %.3f (%s) from %d valid judges",
			rec.Consensus.MeanScore, rec.Consensus.Grade, rec.Consensus.ValidCount)
	}
	e.attachUsage(rec)

	if err := result.WriteRunRecord(runDir, rec); err != nil {
		return e.fail(ctx, runDir, rec, handle, lease, err)
	}
	if err := e.persistStatus(spec, checkpoint.RunStatus(rec.Status)); err != nil {
		return err
	}
	return e.store.Release(ctx, handle, lease.Path, false)
}

// fail lands the run in the terminal failed state: error recorded on the
// run record, checkpoint updated, workspace kept when configured so the
// failure can be inspected.
func (e *Executor) fail(ctx context.Context, runDir string, rec *result.RunRecord, handle *workspace.BaseRepoHandle, lease *workspace.Lease, cause error) error {
	rec.Status = result.StatusFailed
	rec.Error = cause.Error()
	if err := result.WriteRunRecord(runDir, rec); err != nil {
		e.log.Errorf("persisting failed run record: %v", err)
	}
	if err := e.persistStatus(RunSpec{
		Tier:    config.Tier{Name: rec.Tier},
		Subtest: config.Subtest{Name: rec.Subtest},
		Run:     rec.Run,
	}, checkpoint.RunFailed); err != nil {
		e.log.Errorf("persisting checkpoint: %v", err)
	}
	if lease != nil {
		keep := e.cfg.Experiment.KeepFailedWorkspace
		if err := e.store.Release(ctx, handle, lease.Path, keep); err != nil {
			e.log.Warnf("releasing workspace: %v", err)
		}
	}
	return cause
}

func (e *Executor) persistStatus(spec RunSpec, status checkpoint.RunStatus) error {
	return checkpoint.MergeAndSave(e.cpPath, func(cp *checkpoint.Checkpoint) {
		cp.SetRun(spec.Tier.Name, spec.Subtest.Name, spec.Run, status)
	})
}

func (e *Executor) prepareWorkspace(ctx context.Context, spec RunSpec, runDir string) (*workspace.BaseRepoHandle, *workspace.Lease, error) {
	handle, err := e.store.AcquireBaseRepo(ctx, spec.Subtest.Repo)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.EnsureCommit(ctx, handle, spec.Subtest.Commit); err != nil {
		return handle, nil, err
	}

	branch := fmt.Sprintf("run/%s/%s/%02d-%s", spec.Tier.Name, spec.Subtest.Name, spec.Run, uniuri.NewLen(4))
	dest := result.WorkspaceDir(runDir)
	// A run that crashed mid-flight leaves its worktree behind. The unit is
	// still non-terminal, so clear the leftover instead of letting
	// worktree-add fail on "already exists" and turn a resumable unit into
	// a permanent failure.
	if _, err := os.Stat(dest); err == nil {
		if err := e.store.Release(ctx, handle, dest, false); err != nil {
			return handle, nil, err
		}
	}
	if _, err := e.store.NewWorktree(ctx, handle, branch, dest); err != nil {
		return handle, nil, err
	}
	lease := &workspace.Lease{
		RepoID: handle.ID,
		Path:   dest,
		Branch: branch,
		Commit: spec.Subtest.Commit,
	}
	if err := e.store.Checkout(ctx, dest, spec.Subtest.Commit); err != nil {
		return handle, lease, err
	}
	if err := e.store.SeedConfig(dest, spec.Tier.ConfigDir); err != nil {
		return handle, lease, err
	}
	return handle, lease, nil
}

// executeAgent writes the prompt artifact and the replay script, then runs
// the script. The script is written before the invocation, not
// reconstructed from a command log afterwards: the replay and the original
// run execute literally the same command against the same prompt file.
func (e *Executor) executeAgent(ctx context.Context, spec RunSpec, runDir string) (*result.AgentResult, error) {
	agentDir := result.AgentDir(runDir)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating agent dir: %w", err)
	}

	promptData, err := os.ReadFile(spec.Subtest.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("reading prompt file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "prompt.md"), promptData, 0o644); err != nil {
		return nil, fmt.Errorf("writing prompt artifact: %w", err)
	}

	replayPath := filepath.Join(agentDir, "replay.sh")
	if err := os.WriteFile(replayPath, []byte(replayScript(e.cfg.Agent)), 0o755); err != nil {
		return nil, fmt.Errorf("writing replay script: %w", err)
	}

	if err := e.procSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring subprocess slot: %w", err)
	}
	defer e.procSem.Release(1)

	timeout := time.Duration(e.cfg.Experiment.AgentTimeoutMinutes) * time.Minute
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outFile, err := os.Create(filepath.Join(agentDir, "output.log"))
	if err != nil {
		return nil, fmt.Errorf("creating output log: %w", err)
	}
	defer outFile.Close()

	cmd := exec.CommandContext(runCtx, "bash", replayPath)
	cmd.Stdout = outFile
	cmd.Stderr = outFile

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	agentRes := &result.AgentResult{
		TimedOut:  runCtx.Err() == context.DeadlineExceeded,
		DurationS: int(duration.Seconds()),
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		agentRes.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		agentRes.ExitCode = -1
	}
	if err := result.WriteJSON(filepath.Join(agentDir, "result.json"), agentRes); err != nil {
		return agentRes, err
	}
	if agentRes.TimedOut || agentRes.ExitCode != 0 {
		return agentRes, &AgentExecutionError{ExitCode: agentRes.ExitCode, TimedOut: agentRes.TimedOut}
	}
	return agentRes, nil
}

// replayScript renders the exact agent invocation. The prompt travels as a
// referenced file, never an inline argument, so replaying the script runs
// the identical command the harness ran.
func replayScript(agent config.Agent) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("# Exact agent invocation for this run. Rerun this script to reproduce it.\n")
	b.WriteString("set -euo pipefail\n")
	b.WriteString(`here="$(cd "$(dirname "$0")" && pwd)"` + "\n")
	b.WriteString(`cd "$here/../workspace"` + "\n")
	b.WriteString("exec " + shellQuote(agent.Command))
	for _, arg := range agent.Args {
		b.WriteString(" " + shellQuote(arg))
	}
	b.WriteString(` "$here/prompt.md"` + "\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// captureBaseline records the build/lint/test pipeline outcome for the
// pre-agent workspace state. The agent has already mutated the run's
// worktree by now, so the pipeline runs in a disposable sibling worktree
// checked out at the same commit. The result persists to baseline.json
// exactly once and is reused by any later re-judging of this run.
func (e *Executor) captureBaseline(ctx context.Context, spec RunSpec, runDir string, handle *workspace.BaseRepoHandle, lease *workspace.Lease) (*result.Baseline, error) {
	path := result.BaselinePath(runDir)
	if _, err := os.Stat(path); err == nil {
		var baseline result.Baseline
		if err := result.ReadJSON(path, &baseline); err != nil {
			return nil, err
		}
		return &baseline, nil
	}

	dest, err := os.MkdirTemp("", "gauntlet-baseline-")
	if err != nil {
		return nil, fmt.Errorf("creating baseline worktree dir: %w", err)
	}
	// git keys worktree admin entries by directory basename, so concurrent
	// runs against one base repo need unique basenames here.
	dest = filepath.Join(dest, "ws-"+uniuri.NewLen(6))
	branch := lease.Branch + "-baseline"
	if _, err := e.store.NewWorktree(ctx, handle, branch, dest); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.store.Release(ctx, handle, dest, false); err != nil {
			e.log.Warnf("releasing baseline worktree: %v", err)
		}
		_ = os.RemoveAll(filepath.Dir(dest))
	}()
	if err := e.store.Checkout(ctx, dest, spec.Subtest.Commit); err != nil {
		return nil, err
	}

	baseline := &result.Baseline{
		Commit: spec.Subtest.Commit,
		Build:  runStage(ctx, dest, spec.Subtest.BuildCmd),
		Lint:   runStage(ctx, dest, spec.Subtest.LintCmd),
		Test:   runStage(ctx, dest, spec.Subtest.TestCmd),
	}
	if err := result.WriteJSON(path, baseline); err != nil {
		return nil, err
	}
	return baseline, nil
}

// runJudges builds the evaluation prompt from this run's own captured
// artifacts, persists it, and dispatches one invocation per judge model.
// The persisted prompt, not current workspace state, is what any later
// rejudge consumes, so later maintenance on the workspace can't change
// what gets evaluated.
func (e *Executor) runJudges(ctx context.Context, spec RunSpec, runDir string, lease *workspace.Lease, baseline *result.Baseline) ([]judge.Verdict, error) {
	diff, err := e.store.CaptureDiff(ctx, lease.Path)
	if err != nil {
		return nil, err
	}
	taskPrompt, err := os.ReadFile(filepath.Join(result.AgentDir(runDir), "prompt.md"))
	if err != nil {
		return nil, fmt.Errorf("reading prompt artifact: %w", err)
	}

	prompt := judgePrompt(string(taskPrompt), baseline, string(diff))
	if err := os.WriteFile(result.JudgePromptPath(runDir), []byte(prompt), 0o644); err != nil {
		return nil, fmt.Errorf("persisting judge prompt: %w", err)
	}

	return e.judgeFromPrompt(ctx, runDir, prompt), nil
}

// judgeFromPrompt is the single judging path shared by live execution and
// rejudge: one scheduler unit per configured judge model, each capped by
// the experiment-wide subprocess semaphore.
func (e *Executor) judgeFromPrompt(ctx context.Context, runDir, prompt string) []judge.Verdict {
	models := e.cfg.Judges.Models
	timeout := time.Duration(e.cfg.Judges.TimeoutMinutes) * time.Minute

	verdicts := make([]judge.Verdict, len(models))
	units := make([]parallel.Unit, len(models))
	for i, model := range models {
		i, model := i, model
		// Pre-seeded so a judge unit that panics still leaves an
		// explicitly invalid verdict behind.
		verdicts[i] = judge.Verdict{Model: model, Error: "judge invocation did not complete"}
		units[i] = parallel.Unit{
			Name: fmt.Sprintf("judge %s", model),
			Run: func() error {
				if err := e.procSem.Acquire(ctx, 1); err != nil {
					verdicts[i] = judge.Verdict{Model: model, Error: err.Error()}
					return err
				}
				defer e.procSem.Release(1)

				jCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				started := time.Now()
				verdicts[i] = e.judges.Invoke(jCtx, model, prompt)
				ended := time.Now()

				jdir := result.JudgeDir(runDir, i+1)
				if err := result.WriteJSON(filepath.Join(jdir, "result.json"), verdicts[i]); err != nil {
					return err
				}
				return result.WriteJSON(filepath.Join(jdir, "timing.json"), result.JudgeTiming{
					StartedAt: started.UTC().Format(time.RFC3339),
					EndedAt:   ended.UTC().Format(time.RFC3339),
					DurationS: int(ended.Sub(started).Seconds()),
				})
			},
		}
	}
	e.sched.RunAll(ctx, units, len(models))
	return verdicts
}

func judgePrompt(taskPrompt string, baseline *result.Baseline, diff string) string {
	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars] + fmt.Sprintf("\n\n... [diff truncated from %d to %d chars] ...", len(diff), maxDiffChars)
	}
	var b strings.Builder
	b.WriteString("You are evaluating a coding agent's work on the task below. ")
	b.WriteString("Score the change from 0.0 to 1.0 for correctness and quality.\n\n")
	b.WriteString("Task:\n" + taskPrompt + "\n\n")
	b.WriteString("Pipeline state BEFORE the agent ran (failures listed here are pre-existing, not regressions):\n")
	b.WriteString(stageSummary("build", baseline.Build))
	b.WriteString(stageSummary("lint", baseline.Lint))
	b.WriteString(stageSummary("test", baseline.Test))
	b.WriteString("\nAgent's change:\n" + diff + "\n\n")
	b.WriteString(`Respond with ONLY a JSON object: {"score": <0.0-1.0>, "reasoning": "<one paragraph>"}`)
	b.WriteString("\n")
	return b.String()
}

func stageSummary(name string, s result.StageOutcome) string {
	if !s.Ran {
		return fmt.Sprintf("- %s: not configured\n", name)
	}
	if s.Passed {
		return fmt.Sprintf("- %s: passing\n", name)
	}
	return fmt.Sprintf("- %s: FAILING (exit %d)\n", name, s.ExitCode)
}

// Rejudge redoes only the judging stage of a run, consuming the persisted
// evaluation prompt. The workspace is never recreated and the agent never
// re-invoked; a missing prompt artifact is an error, never a cue to
// rebuild the prompt from a possibly-mutated workspace.
func (e *Executor) Rejudge(ctx context.Context, runDir string) error {
	rec, err := result.ReadRunRecord(runDir)
	if err != nil {
		return err
	}
	if rec.Status == result.StatusFailed {
		return fmt.Errorf("run %s/%s/%d failed before judging; nothing to rejudge", rec.Tier, rec.Subtest, rec.Run)
	}

	promptData, err := os.ReadFile(result.JudgePromptPath(runDir))
	if err != nil {
		return fmt.Errorf("reading persisted judge prompt: %w", err)
	}

	verdicts := e.judgeFromPrompt(ctx, runDir, string(promptData))
	rec.Verdicts = verdicts
	rec.Consensus = judge.Compute(verdicts)
	if rec.Consensus.NoValidJudgment {
		rec.Status = result.StatusPartial
	} else {
		rec.Status = result.StatusCompleted
	}
	e.attachUsage(rec)

	if err := result.WriteRunRecord(runDir, rec); err != nil {
		return err
	}
	return e.persistStatus(RunSpec{
		Tier:    config.Tier{Name: rec.Tier},
		Subtest: config.Subtest{Name: rec.Subtest},
		Run:     rec.Run,
	}, checkpoint.RunStatus(rec.Status))
}

// attachUsage totals and prices the token usage the judges reported for
// this run. Only the run's own calls count; the gateway's experiment-wide
// usage log is summarized once at the end of the experiment, never
// attributed to individual runs.
func (e *Executor) attachUsage(rec *result.RunRecord) {
	rec.TotalTokens = 0
	rec.TotalCostUSD = 0
	for _, v := range rec.Verdicts {
		rec.TotalTokens += v.InputTokens + v.OutputTokens
		rec.TotalCostUSD += e.pricing.Cost(v.Model, v.InputTokens, v.OutputTokens)
	}
}
