package runner

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/signalnine/gauntlet/internal/checkpoint"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/parallel"
)

// Orchestrator enumerates the tier × subtest × run grid, skips units the
// checkpoint already records as terminal, and dispatches the rest through
// the scheduler. It owns the experiment-level checkpoint status
// transitions (running, interrupted, completed).
type Orchestrator struct {
	cfg    *config.Config
	exec   *Executor
	sched  *parallel.Scheduler
	cpPath string
	log    *logrus.Entry
}

func NewOrchestrator(cfg *config.Config, exec *Executor, sched *parallel.Scheduler, cpPath string, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		exec:   exec,
		sched:  sched,
		cpPath: cpPath,
		log:    log.WithField("prefix", "orchestrator"),
	}
}

// Run executes (or resumes) the experiment. On context cancellation no new
// units are dispatched; in-flight units run their stages to completion and
// persist their own results, after which the checkpoint is
// reloaded-merged-saved as interrupted, never overwritten with a stale
// in-memory snapshot that would drop workers' concurrent completions.
func (o *Orchestrator) Run(ctx context.Context) error {
	fingerprint := o.cfg.Fingerprint()

	cp, err := checkpoint.Load(o.cpPath)
	if err != nil {
		return err
	}
	if cp.ExperimentID != "" {
		if !checkpoint.Validate(cp, fingerprint) {
			// The checkpoint's own persisted config is authoritative; a
			// config supplied to locate the experiment directory doesn't
			// veto a valid resume.
			o.log.Warnf("config fingerprint mismatch (checkpoint %s, supplied %s); trusting checkpoint",
				cp.ConfigFingerprint, fingerprint)
		}
		o.log.Infof("resuming: %d units already recorded", cp.CountRuns())
	}

	if err := checkpoint.MergeAndSave(o.cpPath, func(cp *checkpoint.Checkpoint) {
		if cp.ExperimentID == "" {
			cp.ExperimentID = o.cfg.Experiment.ID
			cp.ConfigFingerprint = fingerprint
		}
		cp.Status = checkpoint.ExperimentRunning
	}); err != nil {
		return err
	}

	// Units already dispatched must finish their stages even after an
	// interrupt; only dispatch itself is cancellable.
	execCtx := context.WithoutCancel(ctx)
	units := o.pendingUnits(execCtx, cp)
	if len(units) == 0 {
		o.log.Info("nothing to do, all units terminal")
		return o.finalize(ctx)
	}
	o.log.Infof("dispatching %d of %d grid units", len(units), o.gridSize())

	outcomes := o.sched.RunAll(ctx, units, o.cfg.Experiment.Parallel)

	var failed int
	for _, out := range outcomes {
		if out.Failed() {
			failed++
			o.log.WithField("unit", out.Name).Errorf("unit failed: %v", out.Err)
		}
	}
	if failed > 0 {
		o.log.Warnf("%d of %d units failed", failed, len(outcomes))
	}
	return o.finalize(ctx)
}

// pendingUnits builds scheduler units for every grid cell the checkpoint
// doesn't already record as terminal. Each unit runs to completion
// independently; dispatch order carries no meaning.
func (o *Orchestrator) pendingUnits(execCtx context.Context, cp checkpoint.Checkpoint) []parallel.Unit {
	var units []parallel.Unit
	for _, tier := range o.cfg.Tiers {
		for _, st := range tier.Subtests {
			for run := 1; run <= o.cfg.Experiment.Runs; run++ {
				if status, ok := cp.Run(tier.Name, st.Name, run); ok && status.Terminal() {
					continue
				}
				spec := RunSpec{Tier: tier, Subtest: st, Run: run}
				units = append(units, parallel.Unit{
					Name: fmt.Sprintf("%s/%s/run_%02d", tier.Name, st.Name, run),
					Run: func() error {
						return o.exec.Execute(execCtx, spec)
					},
				})
			}
		}
	}
	return units
}

func (o *Orchestrator) gridSize() int {
	n := 0
	for _, tier := range o.cfg.Tiers {
		n += len(tier.Subtests) * o.cfg.Experiment.Runs
	}
	return n
}

// finalize reloads the checkpoint (workers persisted completions
// concurrently) and writes the closing experiment status.
func (o *Orchestrator) finalize(ctx context.Context) error {
	interrupted := ctx.Err() != nil
	return checkpoint.MergeAndSave(o.cpPath, func(cp *checkpoint.Checkpoint) {
		switch {
		case interrupted:
			cp.Status = checkpoint.ExperimentInterrupted
		case o.allTerminal(cp):
			cp.Status = checkpoint.ExperimentCompleted
		default:
			cp.Status = checkpoint.ExperimentInterrupted
		}
	})
}

func (o *Orchestrator) allTerminal(cp *checkpoint.Checkpoint) bool {
	for _, tier := range o.cfg.Tiers {
		for _, st := range tier.Subtests {
			for run := 1; run <= o.cfg.Experiment.Runs; run++ {
				status, ok := cp.Run(tier.Name, st.Name, run)
				if !ok || !status.Terminal() {
					return false
				}
			}
		}
	}
	return true
}
