package llm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/flux/internal/observability"
)

// Pricing is USD per million tokens for one model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the models this system routes to. Unknown models cost
// zero and log a warning rather than failing the request.
var defaultPricing = map[string]Pricing{
	"claude-opus-4":      {InputPerMTok: 15.0, OutputPerMTok: 75.0},
	"claude-sonnet-4":    {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-3-5-sonnet":  {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-3-5-haiku":   {InputPerMTok: 0.8, OutputPerMTok: 4.0},
	"claude-3-opus":      {InputPerMTok: 15.0, OutputPerMTok: 75.0},
	"claude-3-haiku":     {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"gpt-4o":             {InputPerMTok: 2.5, OutputPerMTok: 10.0},
	"gpt-4o-mini":        {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"gpt-4-turbo":        {InputPerMTok: 10.0, OutputPerMTok: 30.0},
}

// ModelCost holds accumulated spend for one model.
type ModelCost struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostTracker converts token usage into USD and keeps in-process running
// totals per model. Safe for concurrent use.
type CostTracker struct {
	mu       sync.Mutex
	pricing  map[string]Pricing
	perModel map[string]*ModelCost
	totalUSD float64
	logger   *observability.Logger
}

// NewCostTracker creates a tracker with the default pricing table. Entries in
// overrides replace or extend the defaults.
func NewCostTracker(logger *observability.Logger, overrides map[string]Pricing) *CostTracker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	pricing := make(map[string]Pricing, len(defaultPricing)+len(overrides))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	for k, v := range overrides {
		pricing[k] = v
	}
	return &CostTracker{
		pricing:  pricing,
		perModel: make(map[string]*ModelCost),
		logger:   logger,
	}
}

// lookup resolves pricing for a model: exact match first, then the longest
// table key contained case-insensitively in the model name. Versioned IDs
// such as "claude-sonnet-4-20250514" resolve through the substring pass.
func (t *CostTracker) lookup(model string) (Pricing, bool) {
	if p, ok := t.pricing[model]; ok {
		return p, true
	}
	keys := make([]string, 0, len(t.pricing))
	for k := range t.pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	lower := strings.ToLower(model)
	for _, k := range keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			return t.pricing[k], true
		}
	}
	return Pricing{}, false
}

// Cost returns the USD cost of one call without recording it. Unknown models
// return 0.
func (t *CostTracker) Cost(model string, usage Usage) float64 {
	t.mu.Lock()
	pricing, ok := t.lookup(model)
	t.mu.Unlock()
	if !ok {
		t.logger.Warn(context.Background(), "no pricing for model, counting cost as zero", "model", model)
		return 0
	}
	return float64(usage.InputTokens)/1e6*pricing.InputPerMTok +
		float64(usage.OutputTokens)/1e6*pricing.OutputPerMTok
}

// Record computes the cost of one call, adds it to the running totals, and
// returns it.
func (t *CostTracker) Record(model string, usage Usage) float64 {
	cost := t.Cost(model, usage)

	t.mu.Lock()
	defer t.mu.Unlock()
	mc := t.perModel[model]
	if mc == nil {
		mc = &ModelCost{}
		t.perModel[model] = mc
	}
	mc.Calls++
	mc.InputTokens += usage.InputTokens
	mc.OutputTokens += usage.OutputTokens
	mc.CostUSD += cost
	t.totalUSD += cost
	return cost
}

// TotalUSD returns the accumulated cost since process start.
func (t *CostTracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalUSD
}

// ByModel returns a copy of the per-model totals.
func (t *CostTracker) ByModel() map[string]ModelCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelCost, len(t.perModel))
	for k, v := range t.perModel {
		out[k] = *v
	}
	return out
}
