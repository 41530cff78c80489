package runner

import (
	"context"
	"os/exec"
	"time"

	"github.com/signalnine/gauntlet/internal/result"
)

// tail size for captured stage output in baseline.json; judges only need
// enough to see what failed.
const stageOutputTail = 4000

const stageTimeout = 15 * time.Minute

// runStage executes one pipeline command (build, lint, or test) in dir and
// captures its outcome. An empty command records a stage that never ran.
func runStage(ctx context.Context, dir, command string) result.StageOutcome {
	if command == "" {
		return result.StageOutcome{}
	}
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	cmd := exec.CommandContext(stageCtx, "bash", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	outcome := result.StageOutcome{
		Ran:    true,
		Passed: err == nil,
		Output: tail(string(out), stageOutputTail),
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		outcome.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		outcome.ExitCode = -1
	}
	return outcome
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
