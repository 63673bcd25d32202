package agent

import (
	"github.com/aloundoye/convcore/internal/agent/safety"
)

// Complexity classifies a request's expected difficulty, fed into the
// turn router's escalation decision (spec §4.5 step 1).
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ToolChoiceMode mirrors the LLM client's tool_choice parameter.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
)

// ThinkingConfig is the Config.thinking option: an explicit opt-in to
// extended thinking with a token budget, independent of escalation.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// TurnRouterConfig carries the per-invocation settings the turn router
// needs: the two candidate models, the request's complexity
// classification, sampling temperature, and the caller's baseline
// thinking configuration.
type TurnRouterConfig struct {
	BaseModel     string
	ReasonerModel string
	Complexity    Complexity
	Temperature   *float64
	Thinking      *ThinkingConfig

	// DefaultThinkingBudget and EscalatedThinkingBudget feed
	// EscalationSignals.Budget when escalation forces thinking on
	// regardless of the caller's own Thinking setting.
	DefaultThinkingBudget   int
	EscalatedThinkingBudget int
}

// TurnDecision is the turn router's per-turn output: which model to call,
// how to configure thinking/sampling, and which tool_choice to send.
type TurnDecision struct {
	Model       string
	Thinking    *ThinkingConfig
	Temperature *float64
	ToolChoice  ToolChoiceMode
	Reasoner    bool
}

// TurnRouter implements the spec's per-turn routing decision (§4.5): pick
// the base chat model or the reasoning model based on complexity and
// escalation signals, configure thinking/sampling consistently with that
// choice, and decide whether tool_choice should be forced for this round.
//
// This is distinct from routing.Router (internal/agent/routing), which
// selects among multiple LLM *providers* by content-based rules and
// health; TurnRouter governs a single provider's per-turn request shape.
type TurnRouter struct{}

// NewTurnRouter returns a stateless TurnRouter.
func NewTurnRouter() *TurnRouter {
	return &TurnRouter{}
}

// Decide computes the model/thinking/temperature/tool_choice for the next
// LLM call. toolRoundsSinceLastUser is the number of completed tool-result
// rounds since the most recent User message, used to force tool_choice for
// the first two rounds of a user turn.
func (TurnRouter) Decide(cfg TurnRouterConfig, escalation *safety.EscalationSignals, toolRoundsSinceLastUser int) TurnDecision {
	escalated := escalation != nil && escalation.ShouldEscalate()
	reasoner := cfg.Complexity == ComplexityComplex && escalated

	model := cfg.BaseModel
	if reasoner {
		model = cfg.ReasonerModel
	}

	var thinking *ThinkingConfig
	switch {
	case reasoner:
		// The reasoner model thinks natively; no separate thinking block.
		thinking = nil
	case escalated:
		budget := cfg.DefaultThinkingBudget
		escBudget := cfg.EscalatedThinkingBudget
		if escBudget <= 0 {
			escBudget = DefaultEscalatedThinkingBudget
		}
		if escalation != nil {
			budget = escalation.Budget(budget, escBudget)
		} else {
			budget = escBudget
		}
		thinking = &ThinkingConfig{Enabled: true, BudgetTokens: budget}
	case cfg.Thinking != nil && cfg.Thinking.Enabled:
		thinking = cfg.Thinking
	}

	var temperature *float64
	if !reasoner && (thinking == nil || !thinking.Enabled) {
		temperature = cfg.Temperature
	}

	toolChoice := ToolChoiceAuto
	if !reasoner && toolRoundsSinceLastUser < 2 {
		toolChoice = ToolChoiceRequired
	}

	return TurnDecision{
		Model:       model,
		Thinking:    thinking,
		Temperature: temperature,
		ToolChoice:  toolChoice,
		Reasoner:    reasoner,
	}
}

// ToolRoundsSinceLastUser counts Tool-role messages appearing after the
// most recent User-role message in messages, i.e. how many tool-execution
// rounds have completed in the current user turn.
func ToolRoundsSinceLastUser(messages []CompletionMessage) int {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return 0
	}
	count := 0
	for i := lastUser + 1; i < len(messages); i++ {
		if messages[i].Role == "tool" {
			count++
		}
	}
	return count
}

// FilterToolSet applies step 5 of §4.5: when readOnly is set, restrict to
// the enumerated read-only API names; otherwise pass the full set
// through, further narrowed by allowed/disallowed name patterns.
func FilterToolSet(tools []Tool, readOnly bool, allowed, disallowed []string) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		name := t.Name()
		if readOnly && !IsReadOnlyTool(name) {
			continue
		}
		if len(allowed) > 0 && !matchesPattern(allowed, name) {
			continue
		}
		if matchesPattern(disallowed, name) {
			continue
		}
		out = append(out, t)
	}
	return out
}
