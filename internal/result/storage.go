package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunDir returns the directory for one (tier, subtest, run) unit under the
// experiment root: <root>/<tier>/<subtest>/run_<NN>.
func RunDir(root, tier, subtest string, run int) string {
	return filepath.Join(root, tier, subtest, fmt.Sprintf("run_%02d", run))
}

func AgentDir(runDir string) string {
	return filepath.Join(runDir, "agent")
}

func WorkspaceDir(runDir string) string {
	return filepath.Join(runDir, "workspace")
}

func JudgeDir(runDir string, judgeNum int) string {
	return filepath.Join(runDir, "judge", fmt.Sprintf("judge_%02d", judgeNum))
}

func JudgePromptPath(runDir string) string {
	return filepath.Join(runDir, "judge_prompt.md")
}

func BaselinePath(runDir string) string {
	return filepath.Join(runDir, "baseline.json")
}

func RunRecordPath(runDir string) string {
	return filepath.Join(runDir, "run_result.json")
}

func WriteRunRecord(runDir string, rec *RunRecord) error {
	return WriteJSON(RunRecordPath(runDir), rec)
}

func ReadRunRecord(runDir string) (*RunRecord, error) {
	var rec RunRecord
	if err := ReadJSON(RunRecordPath(runDir), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteJSON writes v as indented JSON, creating parent directories.
func WriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
