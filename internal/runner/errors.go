package runner

import "fmt"

// AgentExecutionError marks a non-zero exit or timeout of the agent
// subprocess. It is recorded on the run's record and never retried
// automatically.
type AgentExecutionError struct {
	ExitCode int
	TimedOut bool
}

func (e *AgentExecutionError) Error() string {
	if e.TimedOut {
		return "agent execution timed out"
	}
	return fmt.Sprintf("agent exited with code %d", e.ExitCode)
}
