// Package pricing reads an externally maintained per-model price table and
// computes costs from token counts. Prices are per 1K tokens.
package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type Table struct {
	Providers map[string]map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

// Cost calculates total cost for a request.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	if t == nil || t.Providers == nil {
		return 0
	}
	p, ok := t.Providers[provider][model]
	if !ok {
		return 0
	}
	return p.cost(inputTokens, outputTokens)
}

// Lookup finds a model under any provider. Providers are searched in name
// order so the result is stable when a model is listed twice.
func (t *Table) Lookup(model string) (ModelPricing, string, bool) {
	if t == nil {
		return ModelPricing{}, "", false
	}
	providers := make([]string, 0, len(t.Providers))
	for name := range t.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	for _, name := range providers {
		if p, ok := t.Providers[name][model]; ok {
			return p, name, true
		}
	}
	return ModelPricing{}, "", false
}

// CostForModel prices usage when the provider is not known.
func (t *Table) CostForModel(model string, inputTokens, outputTokens int) (float64, bool) {
	p, _, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return p.cost(inputTokens, outputTokens), true
}

func (p ModelPricing) cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1000.0)*p.Input + (float64(outputTokens)/1000.0)*p.Output
}
