// Package judge invokes LLM judges against a persisted evaluation prompt
// and aggregates their verdicts into a consensus.
package judge

// Verdict is one judge's evaluation of a run. It is immutable after
// ingestion: invocation failures, malformed responses, and out-of-range
// scores are all normalized into Valid=false right here, so no downstream
// code ever has to check a second "was this degraded" signal, and no
// failure is ever papered over with a substitute score.
type Verdict struct {
	Model        string  `json:"model"`
	Score        float64 `json:"score"`
	Valid        bool    `json:"is_valid"`
	Reasoning    string  `json:"reasoning"`
	Raw          string  `json:"raw_response"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Consensus aggregates a run's verdicts. NoValidJudgment is a distinct,
// user-visible state: it is neither a pass nor a fail and must never be
// folded into a numeric average.
type Consensus struct {
	MeanScore       float64 `json:"mean_score"`
	Grade           string  `json:"grade"`
	ValidCount      int     `json:"valid_count"`
	InvalidCount    int     `json:"invalid_count"`
	NoValidJudgment bool    `json:"no_valid_judgment"`
}

// Validity is the single validity predicate in the system.
func Validity(v Verdict) bool { return v.Valid }

// Compute aggregates verdicts into a consensus. Invalid verdicts are
// excluded; if none remain the result is explicitly "no valid judgment"
// rather than any synthetic score. The computation is commutative over the
// verdict set, and both live execution and later rejudge passes call this
// one implementation, so results are bit-identical across the two paths.
func Compute(verdicts []Verdict) Consensus {
	var con Consensus
	var sum float64
	for _, v := range verdicts {
		if !Validity(v) {
			con.InvalidCount++
			continue
		}
		con.ValidCount++
		sum += v.Score
	}
	if con.ValidCount == 0 {
		con.NoValidJudgment = true
		con.Grade = "N/A"
		return con
	}
	con.MeanScore = sum / float64(con.ValidCount)
	con.Grade = gradeFor(con.MeanScore)
	return con
}

func gradeFor(score float64) string {
	switch {
	case score >= 0.9:
		return "A"
	case score >= 0.8:
		return "B"
	case score >= 0.7:
		return "C"
	case score >= 0.6:
		return "D"
	default:
		return "F"
	}
}
