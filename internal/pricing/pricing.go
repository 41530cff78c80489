// Package pricing maps model names to per-token prices so run records can
// carry a cost estimate alongside token counts.
package pricing

import (
	"fmt"
	"os"

	"github.com/signalnine/gauntlet/internal/gateway"
	"gopkg.in/yaml.v3"
)

type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type Table struct {
	Models map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var models map[string]ModelPricing
	if err := yaml.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Models: models}, nil
}

// Cost returns the price of one call. Prices are per 1K tokens; unknown
// models cost zero rather than failing the run.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	if t == nil || t.Models == nil {
		return 0
	}
	p, ok := t.Models[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1000.0)*p.Input + (float64(outputTokens)/1000.0)*p.Output
}

// CostFromUsage sums the cost of every usage record in a gateway log.
func (t *Table) CostFromUsage(records []gateway.UsageRecord) float64 {
	var total float64
	for _, r := range records {
		total += t.Cost(r.Model, r.InputTokens, r.OutputTokens)
	}
	return total
}
