package pricing_test

import (
	"math"
	"testing"

	"github.com/signalnine/crucible/internal/pricing"
)

func TestLoadPricing(t *testing.T) {
	table, err := pricing.Load("../../testdata/pricing.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cost := table.Cost("anthropic", "claude-sonnet-4", 1000, 500)
	want := 0.0105
	if math.Abs(cost-want) > 0.0001 {
		t.Errorf("got %f, want %f", cost, want)
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := &pricing.Table{}
	cost := table.Cost("unknown", "unknown", 1000, 500)
	if cost != 0 {
		t.Errorf("expected 0 for unknown model, got %f", cost)
	}
	var nilTable *pricing.Table
	if _, ok := nilTable.CostForModel("x", 1, 1); ok {
		t.Error("nil table should price nothing")
	}
}

func TestCostForModel(t *testing.T) {
	table, err := pricing.Load("../../testdata/pricing.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cost, ok := table.CostForModel("gpt-4.1", 2000, 1000)
	if !ok {
		t.Fatal("expected gpt-4.1 to be priced")
	}
	if math.Abs(cost-0.012) > 0.0001 {
		t.Errorf("got %f, want 0.012", cost)
	}
	_, provider, _ := table.Lookup("gpt-4.1")
	if provider != "openai" {
		t.Errorf("provider: got %q, want openai", provider)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := pricing.Load("nope.yaml"); err == nil {
		t.Error("expected error for missing pricing file")
	}
}
