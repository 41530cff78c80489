package result

import "github.com/signalnine/gauntlet/internal/judge"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// RunRecord is the durable record of one (tier, subtest, run) execution.
// Downstream aggregation reads run_result.json but never mutates it.
type RunRecord struct {
	Tier         string          `json:"tier"`
	Subtest      string          `json:"subtest"`
	Run          int             `json:"run"`
	Status       Status          `json:"status"`
	ExitCode     int             `json:"exit_code"`
	ExitReason   string          `json:"exit_reason"`
	DurationS    int             `json:"duration_s"`
	AgentOutput  string          `json:"agent_output"`
	Baseline     string          `json:"baseline"`
	Verdicts     []judge.Verdict `json:"verdicts"`
	Consensus    judge.Consensus `json:"consensus"`
	TotalTokens  int             `json:"total_tokens"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Error        string          `json:"error,omitempty"`
}

// AgentResult captures the agent subprocess outcome, written to
// agent/result.json.
type AgentResult struct {
	ExitCode  int  `json:"exit_code"`
	TimedOut  bool `json:"timed_out"`
	DurationS int  `json:"duration_s"`
}

// Baseline is the pre-agent build/lint/test pipeline state, captured once
// per run and reused on any later re-judging so judges can separate
// regressions the agent introduced from failures it inherited.
type Baseline struct {
	Commit string       `json:"commit"`
	Build  StageOutcome `json:"build"`
	Lint   StageOutcome `json:"lint"`
	Test   StageOutcome `json:"test"`
}

type StageOutcome struct {
	Ran      bool   `json:"ran"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// JudgeTiming is written next to each judge's result.json.
type JudgeTiming struct {
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
	DurationS int    `json:"duration_s"`
}

func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	switch code {
	case 0:
		return "completed"
	case 2:
		return "gave_up"
	default:
		return "crashed"
	}
}
