package agent

import (
	"context"

	"github.com/aloundoye/convcore/internal/agent/resultcache"
	"github.com/aloundoye/convcore/internal/agent/safety"
	"github.com/aloundoye/convcore/internal/eventstore"
	"github.com/aloundoye/convcore/internal/observability"
	"github.com/aloundoye/convcore/internal/usage"
	"github.com/aloundoye/convcore/pkg/models"
)

// invocationSafety bundles the per-invocation safety monitors, cost
// tracker, and result cache consulted at each turn boundary (spec §4.3,
// §4.2, §4.3.5). It is constructed fresh for every AgenticLoop.Run call;
// unlike the provider-level failover orchestrator, these monitors are
// scoped to a single invocation, not shared across sessions.
type invocationSafety struct {
	doomLoop       *safety.DoomLoopTracker
	circuitBreaker *safety.ToolCircuitBreaker
	errorTracker   *safety.ErrorTracker
	escalation     *safety.EscalationSignals
	hallucination  safety.HallucinationDetector
	cost           *usage.CostTracker
	cache          *resultcache.Cache

	nudgeAttempts          int
	recoveryInjected       bool
	readToolCallsMade      int
	toolCallsSinceReminder int
}

// hallucinationNudge implements spec §4.3.6/§4.6.1: when a tool-less
// assistant reply trips one of the three hallucination detectors and the
// per-invocation nudge budget isn't exhausted, append the offending reply
// plus a standardized nudge User message and report that the turn should
// re-enter without emitting the bad reply. Returns false (no nudge) once
// MaxNudgeAttempts has been used, letting the reply through as final.
func (l *AgenticLoop) hallucinationNudge(state *LoopState) bool {
	text := state.AccumulatedText
	s := state.Safety
	triggered := s.hallucination.LongResponseNudge(text) ||
		s.hallucination.UnverifiedFileReference(text, s.readToolCallsMade) ||
		s.hallucination.ShellCommandInProse(text)
	if !triggered || s.nudgeAttempts >= safety.MaxNudgeAttempts {
		return false
	}
	s.nudgeAttempts++
	state.Messages = append(state.Messages,
		CompletionMessage{Role: "assistant", Content: text},
		CompletionMessage{Role: "user", Content: safety.StandardNudge},
	)
	state.AccumulatedText = ""
	return true
}

// updateSafetyAfterExecution applies the per-tool safety bookkeeping that
// follows an actual tool execution (spec §4.6.2 steps 10-16, §4.3.1): the
// circuit breaker success/failure transition, the result cache store and
// write-path invalidation, the escalation output scan, the read-only tool
// counter feeding the hallucination detector, the doom-loop check, and the
// mid-conversation reminder cadence.
func (l *AgenticLoop) updateSafetyAfterExecution(ctx context.Context, state *LoopState, chunks chan<- *ResponseChunk, tc models.ToolCall, res models.ToolResult) {
	s := state.Safety

	if res.IsError {
		if s.circuitBreaker.RecordFailure(tc.Name) {
			l.metrics().RecordCircuitBreakerTrip(tc.Name)
		}
		s.errorTracker.Record(res.Content)
	} else {
		s.circuitBreaker.RecordSuccess(tc.Name)
		if resultcache.IsCacheable(tc.Name) {
			s.cache.Store(tc.Name, tc.Input, res.Content)
		}
		if IsWriteTool(tc.Name) {
			if p := extractPathArg(tc.Input); p != "" {
				s.cache.InvalidatePath(p)
			}
		}
		if IsReadOnlyTool(tc.Name) {
			s.readToolCallsMade++
		}
	}
	s.escalation.ScanOutput(res.Content)

	if s.doomLoop.Record(tc.Name, tc.Input) {
		state.Messages = append(state.Messages, CompletionMessage{Role: "system", Content: safety.DoomLoopGuidance})
		chunks <- &ResponseChunk{SecurityWarning: safety.DoomLoopGuidance}
		state.DoomLoopTriggered = true
		l.metrics().RecordDoomLoopTrip(tc.Name)
		l.appendEvent(ctx, state.SessionID, eventstore.DoomLoopTriggered(eventstore.DoomLoopTriggeredPayload{
			ToolName: tc.Name,
		}))
	}

	s.toolCallsSinceReminder++
	if s.toolCallsSinceReminder >= MidConversationReminderInterval {
		s.toolCallsSinceReminder = 0
		state.Messages = append(state.Messages, CompletionMessage{Role: "system", Content: MidConversationReminder})
	}
}

// newInvocationSafety constructs the monitor set for one Run invocation
// from the loop's static configuration (pricing, budget cap).
func (l *AgenticLoop) newInvocationSafety() *invocationSafety {
	cfg := l.config
	return &invocationSafety{
		doomLoop:       safety.NewDoomLoopTracker(),
		circuitBreaker: safety.NewToolCircuitBreaker(),
		errorTracker:   safety.NewErrorTracker(),
		escalation:     safety.NewEscalationSignals(),
		hallucination:  *safety.NewHallucinationDetector(),
		cost:           usage.NewCostTracker(cfg.CostPricing, cfg.MaxBudgetUSD, cfg.CostWarnUSD),
		cache:          resultcache.New(),
	}
}
