// Package pricing holds per-model token rates and computes call cost.
package pricing

import (
	"sort"
	"strings"
)

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 `mapstructure:"input" json:"input"`   // Cost per 1M input tokens
	OutputPerMillion float64 `mapstructure:"output" json:"output"` // Cost per 1M output tokens
}

// Cost returns the USD cost of the given token counts at this rate.
func (p ModelPricing) Cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1_000_000*p.InputPerMillion +
		float64(tokensOut)/1_000_000*p.OutputPerMillion
}

// DefaultModelPricing contains published pricing for known models.
var DefaultModelPricing = Table{
	"claude-opus-4-5":   {InputPerMillion: 5.00, OutputPerMillion: 25.00},
	"claude-opus-4-1":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-7-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// FallbackPricing is charged for models missing from the table so that
// unknown models never accrue zero spend. It uses the most expensive
// common rate.
var FallbackPricing = ModelPricing{InputPerMillion: 15.00, OutputPerMillion: 75.00}

// Table maps a model identifier or identifier prefix to its rates.
type Table map[string]ModelPricing

// Clone returns a copy of the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Merge adds entries from other into t. Existing keys are overwritten.
func (t Table) Merge(other Table) {
	for k, v := range other {
		t[k] = v
	}
}

// Lookup finds pricing for a model, trying exact match then longest prefix
// match, so dated identifiers like "claude-sonnet-4-20250514" resolve to
// the "claude-sonnet-4" entry.
func (t Table) Lookup(model string) (ModelPricing, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bestKey string
	for _, key := range keys {
		if strings.HasPrefix(model, key) && len(key) > len(bestKey) {
			bestKey = key
		}
	}
	if bestKey != "" {
		return t[bestKey], true
	}
	return ModelPricing{}, false
}

// Calculator computes cost from token counts.
type Calculator struct {
	table    Table
	fallback ModelPricing
}

// NewCalculator creates a calculator over the given table. A nil table
// uses DefaultModelPricing.
func NewCalculator(table Table) *Calculator {
	if table == nil {
		table = DefaultModelPricing
	}
	return &Calculator{table: table, fallback: FallbackPricing}
}

// Cost returns the USD cost for a call to model. The second return value
// is false when the fallback rate was applied.
func (c *Calculator) Cost(model string, tokensIn, tokensOut int64) (float64, bool) {
	p, ok := c.table.Lookup(model)
	if !ok {
		return c.fallback.Cost(tokensIn, tokensOut), false
	}
	return p.Cost(tokensIn, tokensOut), true
}
