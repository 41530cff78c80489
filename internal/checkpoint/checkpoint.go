// Package checkpoint persists experiment progress so interrupted runs can
// resume without recomputation. The on-disk file is the source of truth:
// multiple workers and processes write it, so every update goes through
// reload-merge-save, never through a blind overwrite of stale memory.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dchest/uniuri"
)

// ErrCorrupt marks a checkpoint file that exists but cannot be parsed.
// This is fatal rather than "no progress": silently restarting from zero
// would throw away completed work. `gauntlet repair` rebuilds the file
// from persisted run results.
var ErrCorrupt = errors.New("checkpoint file is corrupt")

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// Terminal reports whether a run in this status must never be re-executed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

const (
	ExperimentPending     = "pending"
	ExperimentRunning     = "running"
	ExperimentInterrupted = "interrupted"
	ExperimentCompleted   = "completed"
)

type Checkpoint struct {
	ExperimentID      string                                  `json:"experiment_id"`
	ConfigFingerprint string                                  `json:"config_fingerprint"`
	Status            string                                  `json:"status"`
	CompletedRuns     map[string]map[string]map[int]RunStatus `json:"completed_runs"`
}

// SetRun records the status of one (tier, subtest, run) unit.
func (c *Checkpoint) SetRun(tier, subtest string, run int, status RunStatus) {
	if c.CompletedRuns == nil {
		c.CompletedRuns = make(map[string]map[string]map[int]RunStatus)
	}
	if c.CompletedRuns[tier] == nil {
		c.CompletedRuns[tier] = make(map[string]map[int]RunStatus)
	}
	if c.CompletedRuns[tier][subtest] == nil {
		c.CompletedRuns[tier][subtest] = make(map[int]RunStatus)
	}
	c.CompletedRuns[tier][subtest][run] = status
}

// Run returns the recorded status of one unit, if any.
func (c *Checkpoint) Run(tier, subtest string, run int) (RunStatus, bool) {
	status, ok := c.CompletedRuns[tier][subtest][run]
	return status, ok
}

// CountRuns returns the number of recorded units.
func (c *Checkpoint) CountRuns() int {
	n := 0
	for _, subtests := range c.CompletedRuns {
		for _, runs := range subtests {
			n += len(runs)
		}
	}
	return n
}

// Load parses the checkpoint at path. A missing file yields a zero-value
// checkpoint and no error (fresh-start semantics); an unparseable file is
// reported as ErrCorrupt.
func Load(path string) (Checkpoint, error) {
	var cp Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cp, nil
		}
		return cp, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return cp, nil
}

// Save writes the snapshot atomically: a process-unique temporary file in
// the same directory, then a rename over the target. The temp name embeds
// the PID and a random token because a shared fixed name is a race: two
// concurrent writers to the same "checkpoint.tmp" leave one of them
// renaming a file the other already renamed away.
func Save(path string, cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.%s.tmp", path, os.Getpid(), uniuri.NewLen(6))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}

// mergeMu serializes reload-mutate-save cycles within this process so
// concurrent workers can't interleave their reloads and drop each other's
// entries. Across processes the same safety comes from each writer only
// adding entries for units it completed.
var mergeMu sync.Mutex

// MergeAndSave is the mandatory update path once any other code path may
// have written the checkpoint: reload current disk state, apply mutate,
// save. Never call Save with a snapshot loaded long ago.
func MergeAndSave(path string, mutate func(*Checkpoint)) error {
	mergeMu.Lock()
	defer mergeMu.Unlock()

	cp, err := Load(path)
	if err != nil {
		return err
	}
	mutate(&cp)
	return Save(path, cp)
}

// Validate reports whether the snapshot's persisted config fingerprint
// matches the currently supplied one. A mismatch is not automatically
// fatal: the checkpoint's own saved config is authoritative, and a config
// supplied merely to locate the experiment directory should not veto a
// valid resume. Callers log a warning and trust the checkpoint.
func Validate(cp Checkpoint, currentFingerprint string) bool {
	return cp.ConfigFingerprint == currentFingerprint
}

// runResultView is the slice of run_result.json the repair scan needs.
type runResultView struct {
	Tier    string `json:"tier"`
	Subtest string `json:"subtest"`
	Run     int    `json:"run"`
	Status  string `json:"status"`
}

// Repair rebuilds checkpoint state by scanning persisted run_result.json
// files under root. The recovery path for a corrupt or lost checkpoint:
// per-run results are the durable record, the checkpoint is derived state.
func Repair(root, experimentID, fingerprint string) (Checkpoint, error) {
	cp := Checkpoint{
		ExperimentID:      experimentID,
		ConfigFingerprint: fingerprint,
		Status:            ExperimentInterrupted,
	}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() != "run_result.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var view runResultView
		if err := json.Unmarshal(data, &view); err != nil {
			// A truncated result file from a crashed run; skip it so the
			// unit is re-executed on resume.
			return nil
		}
		if view.Tier == "" || view.Subtest == "" {
			return nil
		}
		cp.SetRun(view.Tier, view.Subtest, view.Run, RunStatus(view.Status))
		return nil
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scanning run results under %s: %w", root, err)
	}
	return cp, nil
}
