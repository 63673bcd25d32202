package usage

import "sync"

// DefaultCostWarningUSD is the default cumulative cost at which a running
// invocation latches a one-time warning.
const DefaultCostWarningUSD = 0.50

// CostTrackerPricing holds per-million-token prices and the cache-hit
// discount factor used to estimate a running invocation's dollar cost.
// Real deployments must inject values matching their provider's actual
// rate card; the zero value prices everything at zero.
type CostTrackerPricing struct {
	PricePerMillionInput  float64
	PricePerMillionOutput float64
	CacheDiscount         float64 // fraction of input price charged for cache-hit tokens, e.g. 0.1
}

// CostTracker accumulates token usage across an entire tool-use loop
// invocation and enforces the optional hard budget cap from Config.
// Unlike Tracker (cross-session, multi-user aggregation), CostTracker is
// scoped to a single invocation and is consulted on the hot path before
// every LLM call.
type CostTracker struct {
	mu sync.Mutex

	pricing CostTrackerPricing
	maxUSD  *float64
	warnAt  float64
	warned  bool

	inputTokens     int64
	outputTokens    int64
	cacheHitTokens  int64
	reasoningTokens int64
}

// NewCostTracker returns a tracker with the given pricing. maxUSD may be
// nil to disable the hard cap. warnAt defaults to DefaultCostWarningUSD
// when zero.
func NewCostTracker(pricing CostTrackerPricing, maxUSD *float64, warnAt float64) *CostTracker {
	if warnAt == 0 {
		warnAt = DefaultCostWarningUSD
	}
	return &CostTracker{pricing: pricing, maxUSD: maxUSD, warnAt: warnAt}
}

// TokenUsage mirrors a single LLM response's usage breakdown, including
// the reasoning-token count reported for thinking/reasoner models.
type TokenUsage struct {
	PromptTokens          int64
	CompletionTokens      int64
	PromptCacheHitTokens  int64
	PromptCacheMissTokens int64
	ReasoningTokens       int64
}

// Record accumulates a response's usage. Per the budget-monotonicity
// invariant, counters are only ever increased.
func (c *CostTracker) Record(u TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputTokens += u.PromptTokens
	c.outputTokens += u.CompletionTokens
	c.cacheHitTokens += u.PromptCacheHitTokens
	c.reasoningTokens += u.ReasoningTokens
}

// EstimatedCostUSD computes:
//
//	[(input - cache_hit) + cache_hit*discount] / 1e6 * price_in
//	  + output / 1e6 * price_out
//
// Reasoning tokens are billed as part of output (providers report them
// as a subset of completion tokens, not additionally).
func (c *CostTracker) EstimatedCostUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimatedCostUSDLocked()
}

func (c *CostTracker) estimatedCostUSDLocked() float64 {
	billableInput := float64(c.inputTokens-c.cacheHitTokens) + float64(c.cacheHitTokens)*c.pricing.CacheDiscount
	inputCost := billableInput / 1_000_000 * c.pricing.PricePerMillionInput
	outputCost := float64(c.outputTokens) / 1_000_000 * c.pricing.PricePerMillionOutput
	return inputCost + outputCost
}

// OverBudget reports whether a hard cap is set and has been exceeded.
func (c *CostTracker) OverBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxUSD == nil {
		return false
	}
	return c.estimatedCostUSDLocked() > *c.maxUSD
}

// ShouldWarn reports true exactly once, the first call after cumulative
// cost first exceeds the warn threshold. Subsequent calls return false
// until the tracker is reset.
func (c *CostTracker) ShouldWarn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned {
		return false
	}
	if c.estimatedCostUSDLocked() > c.warnAt {
		c.warned = true
		return true
	}
	return false
}

// MaxUSD returns the configured hard cap, if any, for error messages.
func (c *CostTracker) MaxUSD() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxUSD == nil {
		return 0, false
	}
	return *c.maxUSD, true
}

// Snapshot returns the raw accumulated token counters.
func (c *CostTracker) Snapshot() (input, output, cacheHit, reasoning int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputTokens, c.outputTokens, c.cacheHitTokens, c.reasoningTokens
}
