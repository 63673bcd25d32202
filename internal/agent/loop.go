package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	agentctx "github.com/aloundoye/convcore/internal/agent/context"
	"github.com/aloundoye/convcore/internal/agent/resultcache"
	"github.com/aloundoye/convcore/internal/agent/safety"
	"github.com/aloundoye/convcore/internal/eventstore"
	"github.com/aloundoye/convcore/internal/hooks"
	"github.com/aloundoye/convcore/internal/agent/schema"
	"github.com/aloundoye/convcore/internal/observability"
	"github.com/aloundoye/convcore/internal/sessions"
	"github.com/aloundoye/convcore/internal/tools/policy"
	"github.com/aloundoye/convcore/internal/usage"
	"github.com/aloundoye/convcore/pkg/models"
)

// LoopConfig configures the agentic loop behavior including iteration limits,
// token budgets, and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations
	// Default: 10
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited)
	// Default: 0
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit)
	// Default: 0
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig

	// EnableBackpressure enables backpressure handling for slow tools
	// Default: true
	EnableBackpressure bool

	// StreamToolResults streams tool results as they complete
	// Default: true
	StreamToolResults bool

	// DisableToolEvents disables streaming ToolEvent chunks
	// Default: false
	DisableToolEvents bool

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// PrivacyRouter decides what a tool result may be cached or forwarded
	// as (Config.privacy_router, spec §4.6.2 steps 15-16). Defaults to
	// DefaultPrivacyRouter when nil.
	PrivacyRouter PrivacyRouter

	// ToolHooks fires PreToolUse/PostToolUse around tool dispatch (spec
	// §4.6.2 steps 5/13) when set. Nil disables hook firing entirely.
	ToolHooks *hooks.ToolHookManager

	// CheckpointCallback is invoked before a write tool executes (spec
	// §4.6.2 step 8), so a caller can snapshot workspace state for later
	// rollback. A returned error denies the call; nil skips checkpointing.
	CheckpointCallback func(ctx context.Context, session *models.Session, tc models.ToolCall) error

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// EventStore appends lifecycle events (tool proposals/results, usage,
	// cost, compaction) to the durable event-sourced journal (§4.1) when
	// set. Best-effort: append failures are logged, never fatal to the
	// turn, since the journal is an observability/replay surface layered
	// on top of the in-memory loop, not its primary state.
	EventStore *eventstore.Store

	// BranchStore provides branch-aware storage operations
	// If nil, standard session history is used
	BranchStore sessions.BranchStore

	// ContextWindowTokens is the total context budget (Config.context_window_tokens).
	// 0 disables pruning/compaction entirely.
	ContextWindowTokens int

	// Summarizer produces structured compaction summaries. When nil, or
	// when it errors, CompactMessages falls back to the code-based
	// extraction summary.
	Summarizer Summarizer

	// ReasonerModel is the reasoning model id the turn router escalates
	// to (Config.reasoner_model).
	ReasonerModel string

	// Complexity classifies this invocation's expected difficulty,
	// feeding the turn router's escalation decision (Config.complexity).
	Complexity Complexity

	// Temperature is the sampling temperature used when neither thinking
	// nor the reasoner model is selected (Config.temperature).
	Temperature *float64

	// Thinking is the caller's baseline extended-thinking configuration,
	// used when escalation signals are not already forcing it on
	// (Config.thinking).
	Thinking *ThinkingConfig

	// ReadOnly restricts the tool set to the enumerated read-only API
	// names (Config.read_only).
	ReadOnly bool

	// AllowedTools and DisallowedTools narrow the tool set by name
	// pattern on top of ReadOnly.
	AllowedTools    []string
	DisallowedTools []string

	// CostPricing, MaxBudgetUSD, and CostWarnUSD configure the
	// per-invocation cost tracker (spec §4.3.5).
	CostPricing  usage.CostTrackerPricing
	MaxBudgetUSD *float64
	CostWarnUSD  float64

	// Metrics records safety-monitor trip counters (doom-loop, circuit
	// breaker, cost warnings, result-cache hit rate) when set. Nil is a
	// valid no-op configuration.
	Metrics *observability.Metrics

	// EventRecorder records a replayable debug timeline (run/tool
	// start/end events) independent of the durable EventStore journal.
	// Nil disables timeline recording entirely.
	EventRecorder *observability.EventRecorder
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:      10,
		MaxTokens:          4096,
		MaxToolCalls:       0,
		MaxWallTime:        0,
		ExecutorConfig:     DefaultExecutorConfig(),
		EnableBackpressure: true,
		StreamToolResults:  true,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	return &cfg
}

// AgenticLoop implements a multi-turn agentic conversation loop.
//
// The loop operates as a state machine:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                                                              │
//	│   ┌─────────┐     ┌──────────┐     ┌───────────────────┐   │
//	│   │  Init   │────▶│  Stream  │────▶│  Execute Tools    │   │
//	│   └─────────┘     └──────────┘     └───────────────────┘   │
//	│                          │                    │             │
//	│                          │                    │             │
//	│                          ▼                    │             │
//	│                   ┌──────────┐                │             │
//	│                   │ Complete │◀───────────────┘             │
//	│                   └──────────┘     (no tools or max iter)   │
//	│                                                              │
//	│                   ┌──────────┐                               │
//	│                   │ Continue │◀───────────────┐              │
//	│                   └──────────┘     (has tool results)       │
//	│                          │                                   │
//	│                          └───────────▶ Stream                │
//	│                                                              │
//	└──────────────────────────────────────────────────────────────┘
type AgenticLoop struct {
	provider LLMProvider
	executor *Executor
	sessions sessions.Store
	config   *LoopConfig

	defaultModel  string
	defaultSystem string
}

// NewAgenticLoop creates a new agentic loop with the given provider, tool registry, and session store.
// If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, sessions sessions.Store, config *LoopConfig) *AgenticLoop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	executor := NewExecutor(registry, config.ExecutorConfig)
	if !config.EnableBackpressure {
		executor.sem = nil
	}

	return &AgenticLoop{
		provider: provider,
		executor: executor,
		sessions: sessions,
		config:   config,
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the default system prompt used when requests do not specify one.
func (l *AgenticLoop) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// ConfigureTool sets per-tool configuration overrides for timeout, retry, and priority.
func (l *AgenticLoop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// LoopState tracks the current state of an agentic loop execution including
// phase, iteration count, accumulated messages, and pending tool operations.
type LoopState struct {
	Phase           LoopPhase
	Iteration       int
	TotalToolCalls  int
	Messages        []CompletionMessage
	PendingTools    []models.ToolCall
	ToolResults     []models.ToolResult
	AccumulatedText string
	LastError       error
	BranchID        string // Current branch for branch-aware loops
	AssistantMsgID  string

	// Safety bundles the doom-loop tracker, circuit breaker, error
	// tracker, escalation signals, cost tracker, and result cache for
	// this invocation (spec §4.3, §4.2, §4.3.5).
	Safety *invocationSafety

	// DoomLoopTriggered is set once the doom-loop tracker trips during
	// this turn's tool batch; Run checks it after persisting the tool
	// results and terminates with finish=doom_loop (blocking gate).
	DoomLoopTriggered bool

	// SessionID addresses the owning session's durable event journal
	// (internal/eventstore), independent of BranchID.
	SessionID string

	// PlanMode is toggled by the enter_plan_mode/exit_plan_mode
	// agent-level tools (spec §4.6.4): while true, write tools are held
	// for approval instead of dispatched to the tool host.
	PlanMode bool
}

// Run executes the agentic loop and streams results through a channel.
// The channel is closed when the loop completes or an error occurs.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.config == nil {
		return nil, errors.New("loop config is nil")
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if l.sessions == nil && (l.config == nil || l.config.BranchStore == nil) {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}
	runCtx = WithSession(runCtx, session)

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		if cancel != nil {
			defer cancel()
		}

		state := &LoopState{
			Phase:     PhaseInit,
			Iteration: 0,
			Safety:    l.newInvocationSafety(),
		}

		// Initialize: Load history and build initial messages
		if err := l.initializeState(runCtx, session, msg, state); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}

		if err := l.persistInboundMessage(runCtx, session, msg, state.BranchID); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{
				Phase:     PhaseInit,
				Iteration: 0,
				Cause:     err,
			}}
			return
		}

		runStart := time.Now()
		if l.config.EventRecorder != nil {
			runCtx = observability.AddRunID(observability.AddSessionID(runCtx, session.ID), session.ID)
			_ = l.config.EventRecorder.RecordRunStart(runCtx, session.ID, map[string]interface{}{
				"agent_id": session.AgentID,
			})
		}

		steeringQueue := SteeringQueueFromContext(runCtx)

		// Main loop
		for state.Iteration < l.config.MaxIterations {
			select {
			case <-runCtx.Done():
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     state.Phase,
					Iteration: state.Iteration,
					Cause:     runCtx.Err(),
				}}
				return
			default:
			}

			if observability.IsDiagnosticsEnabled() {
				observability.EmitRunAttempt(&observability.RunAttemptEvent{
					SessionID: session.ID,
					RunID:     session.ID,
					Attempt:   state.Iteration + 1,
				})
			}

			// Sanitize before every LLM call (spec §4.4.3): drop orphan
			// Tool messages, strip unanswered tool_calls, and strip
			// reasoning from every turn but the current one (invariant 3).
			state.Messages = StripStaleReasoning(state.Messages)
			sanitized, _, _ := SanitizeChatHistory(state.Messages)
			state.Messages = sanitized

			if overflow := l.manageContextWindow(runCtx, session, state, chunks); overflow {
				return
			}

			// Stream phase: Call LLM and collect response
			state.Phase = PhaseStream
			toolCalls, err := l.streamPhase(runCtx, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			if l.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls),
				}}
				return
			}
			state.TotalToolCalls += len(toolCalls)

			if len(toolCalls) == 0 {
				if l.hallucinationNudge(state) {
					state.Iteration++
					continue
				}
			}

			assistantMsgID, err := l.persistAssistantMessage(runCtx, session, state, toolCalls)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}
			state.AssistantMsgID = assistantMsgID

			l.persistToolCalls(runCtx, session, assistantMsgID, toolCalls)

			// If no tool calls, we're done (unless follow-ups are queued)
			if len(toolCalls) == 0 {
				l.addAssistantMessage(state, toolCalls)
				state.AccumulatedText = ""
				if steeringQueue != nil {
					if followUps := steeringQueue.GetFollowUpMessages(); len(followUps) > 0 {
						for _, followUp := range followUps {
							role := followUp.Role
							if role == "" {
								role = "user"
							}
							state.Messages = append(state.Messages, CompletionMessage{
								Role:        role,
								Content:     followUp.Content,
								Attachments: followUp.Attachments,
							})
						}
						state.Iteration++
						continue
					}
				}
				state.Phase = PhaseComplete
				if observability.IsDiagnosticsEnabled() {
					observability.EmitSessionState(&observability.SessionStateEvent{
						SessionID: session.ID,
						PrevState: observability.SessionStateProcessing,
						State:     observability.SessionStateIdle,
						Reason:    "run complete",
					})
				}
				if l.config.EventRecorder != nil {
					_ = l.config.EventRecorder.RecordRunEnd(runCtx, time.Since(runStart), nil)
				}
				return
			}

			// Execute tools phase
			state.Phase = PhaseExecuteTools
			state.PendingTools = toolCalls
			if observability.IsDiagnosticsEnabled() {
				observability.EmitSessionState(&observability.SessionStateEvent{
					SessionID: session.ID,
					PrevState: observability.SessionStateProcessing,
					State:     observability.SessionStateWaiting,
					Reason:    "executing tools",
				})
			}

			toolResults, err := l.executeToolsPhase(runCtx, session, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			if err := l.persistToolMessage(runCtx, session, state.BranchID, toolCalls, toolResults); err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseExecuteTools,
					Iteration: state.Iteration,
					Cause:     err,
				}}
				return
			}

			// Continue phase: Add tool results to messages
			state.Phase = PhaseContinue
			l.continuePhase(state, toolCalls, toolResults)

			if state.DoomLoopTriggered {
				state.Phase = PhaseSafetyGate
				chunks <- &ResponseChunk{
					FinishReason: "doom_loop",
					Error: &LoopError{
						Phase:     PhaseSafetyGate,
						Iteration: state.Iteration,
						Cause:     ErrDoomLoop,
					},
				}
				return
			}

			if steeringQueue != nil {
				if steeringMsgs := steeringQueue.GetSteeringMessages(); len(steeringMsgs) > 0 {
					skipRemaining := false
					for _, steering := range steeringMsgs {
						role := steering.Role
						if role == "" {
							role = "user"
						}
						state.Messages = append(state.Messages, CompletionMessage{
							Role:        role,
							Content:     steering.Content,
							Attachments: steering.Attachments,
						})
						if steering.SkipRemainingTools {
							skipRemaining = true
						}
					}
					if skipRemaining {
						state.Iteration++
						continue
					}
				}
			}

			state.Iteration++
		}

		// Max iterations reached
		chunks <- &ResponseChunk{Error: &LoopError{
			Phase:     state.Phase,
			Iteration: state.Iteration,
			Cause:     ErrMaxIterations,
			Message:   fmt.Sprintf("reached max iterations: %d", l.config.MaxIterations),
		}}
	}()

	return chunks, nil
}

// initializeState loads conversation history and sets up initial state.
func (l *AgenticLoop) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState) error {
	state.SessionID = session.ID
	var history []*models.Message
	var err error

	// Use branch-aware history if branch store is configured and message has a branch
	if l.config.BranchStore != nil {
		if msg.BranchID != "" {
			state.BranchID = msg.BranchID
		} else {
			branch, branchErr := l.config.BranchStore.EnsurePrimaryBranch(ctx, session.ID)
			if branchErr != nil {
				return fmt.Errorf("failed to ensure primary branch: %w", branchErr)
			}
			state.BranchID = branch.ID
			msg.BranchID = branch.ID
		}
		history, err = l.config.BranchStore.GetBranchHistory(ctx, state.BranchID, 50)
		if err != nil {
			return fmt.Errorf("failed to get branch history: %w", err)
		}
	} else {
		// Standard session history
		history, err = l.sessions.GetHistory(ctx, session.ID, 50)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
	}

	history = repairTranscript(history)

	// Soft-trim or hard-clear stale tool results in the loaded history
	// before it ever becomes part of the turn's context, independent of
	// (and ahead of) the token-budget-triggered compaction in
	// manageContextWindow: this pass runs on every turn and targets old
	// tool output bulk specifically, not overall context size.
	if window := l.config.ContextWindowTokens; window > 0 {
		history = agentctx.PruneContextMessages(history, agentctx.DefaultContextPruningSettings(), window*charsPerToken)
	}

	// Build messages from history
	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		state.Messages = append(state.Messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}

	// continue_with (spec §4.6.5): a session store that has forgotten its
	// history (e.g. an in-memory store after a process restart) but whose
	// durable event journal still has it can resume from the rebuilt
	// projection instead of starting the conversation over.
	if len(state.Messages) == 0 && l.config.EventStore != nil {
		if proj, rebuildErr := l.config.EventStore.Rebuild(ctx, session.ID); rebuildErr == nil {
			for _, rm := range proj.Messages {
				state.Messages = append(state.Messages, CompletionMessage{
					Role:      rm.Role,
					Content:   rm.Content,
					Reasoning: rm.Reasoning,
				})
			}
		}
	}

	// Add the new message
	role := msg.Role
	if role == "" {
		role = models.RoleUser
	}
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        string(role),
		Content:     msg.Content,
		Attachments: msg.Attachments,
	})

	return nil
}

// manageContextWindow implements the two-phase compaction check at the top
// of each turn (spec §4.6.1): prune old tool outputs once the history
// crosses PruneThresholdPct of the context window, then structurally
// compact if it is still over CompactionThresholdPct afterward. Returns
// true if the loop must terminate with finish=context_overflow (an error
// chunk has already been sent in that case).
func (l *AgenticLoop) manageContextWindow(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) bool {
	window := l.config.ContextWindowTokens
	if window <= 0 || !ShouldPrune(state.Messages, window) {
		return false
	}

	before := len(state.Messages)
	pruned, pruneEvent := PruneOldToolOutputs(state.Messages)
	state.Messages = pruned
	if pruneEvent != nil {
		chunks <- &ResponseChunk{Event: pruneEvent}
		l.appendEvent(ctx, state.SessionID, eventstore.ContextPruned(eventstore.ContextPrunedPayload{
			PrunedCount: before - len(state.Messages),
		}))
	}

	if !ShouldCompact(state.Messages, window) {
		return false
	}

	sessionKey := ""
	if session != nil {
		sessionKey = session.ID
	}
	beforeCompact := len(state.Messages)
	result, compactEvent := CompactMessages(sessionKey, state.Messages, window, l.config.Summarizer)
	if len(result.Messages) >= before {
		chunks <- &ResponseChunk{
			FinishReason: "context_overflow",
			Error: &LoopError{
				Phase:     state.Phase,
				Iteration: state.Iteration,
				Cause:     ErrContextOverflow,
				Message:   "compaction could not free sufficient context space",
			},
		}
		return true
	}
	state.Messages = result.Messages
	if compactEvent != nil {
		chunks <- &ResponseChunk{Event: compactEvent}
		l.appendEvent(ctx, state.SessionID, eventstore.ContextCompacted(eventstore.ContextCompactedPayload{
			FromTurn:           beforeCompact,
			ToTurn:             len(result.Messages),
			TokenDeltaEstimate: beforeCompact - len(result.Messages),
		}))
	}
	return false
}

// RunWithBranch executes the agentic loop on a specific conversation branch.
// The branchID is set on the message before processing.
func (l *AgenticLoop) RunWithBranch(ctx context.Context, session *models.Session, msg *models.Message, branchID string) (<-chan *ResponseChunk, error) {
	// Set branch ID on message for initializeState
	msg.BranchID = branchID
	return l.Run(ctx, session, msg)
}

// streamPhase streams from the LLM and collects any tool calls.
func (l *AgenticLoop) streamPhase(ctx context.Context, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ToolCall, error) {
	tools := l.executor.registry.AsLLMTools()
	if resolver, toolPolicy, ok := toolPolicyFromContext(ctx); ok {
		tools = filterToolsByPolicy(resolver, toolPolicy, tools)
	}
	tools = FilterToolSet(tools, l.config.ReadOnly, l.config.AllowedTools, l.config.DisallowedTools)

	turnCfg := TurnRouterConfig{
		BaseModel:               l.defaultModel,
		ReasonerModel:           l.config.ReasonerModel,
		Complexity:              l.config.Complexity,
		Temperature:             l.config.Temperature,
		Thinking:                l.config.Thinking,
		DefaultThinkingBudget:   0,
		EscalatedThinkingBudget: DefaultEscalatedThinkingBudget,
	}
	toolRounds := ToolRoundsSinceLastUser(state.Messages)
	decision := NewTurnRouter().Decide(turnCfg, state.Safety.escalation, toolRounds)

	// Build completion request
	req := &CompletionRequest{
		Model:       decision.Model,
		System:      l.defaultSystem,
		Messages:    state.Messages,
		Tools:       tools,
		MaxTokens:   l.config.MaxTokens,
		Temperature: decision.Temperature,
		ToolChoice:  string(decision.ToolChoice),
	}
	if decision.Thinking != nil && decision.Thinking.Enabled {
		req.EnableThinking = true
		req.ThinkingBudgetTokens = decision.Thinking.BudgetTokens
	}

	// Apply context overrides
	if system, ok := systemPromptFromContext(ctx); ok {
		req.System = system
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}
	if thinkingLevel := ThinkingLevelFromContext(ctx); thinkingLevel != ThinkingOff {
		budget := GetThinkingBudget(thinkingLevel)
		if budget > 0 {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = budget
		}
	}

	// Call LLM (resolve API key if needed)
	completionCtx := ctx
	if resolver := APIKeyResolverFromContext(ctx); resolver != nil {
		resolvedKey, keyErr := resolver(ctx, l.provider.Name())
		if keyErr != nil {
			return nil, fmt.Errorf("API key resolution failed: %w", keyErr)
		}
		if resolvedKey != "" {
			completionCtx = WithResolvedAPIKey(ctx, resolvedKey)
		}
	}

	completion, err := l.provider.Complete(completionCtx, req)
	if err != nil {
		return nil, err
	}

	// Collect response
	var toolCalls []models.ToolCall
	var textBuilder strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ThinkingStart {
			chunks <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingEnd {
			chunks <- &ResponseChunk{ThinkingEnd: true}
		}

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}

		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}

		if chunk.Done {
			state.Safety.cost.Record(usage.TokenUsage{
				PromptTokens:         int64(chunk.InputTokens),
				CompletionTokens:     int64(chunk.OutputTokens),
				PromptCacheHitTokens: int64(chunk.CacheReadTokens),
				ReasoningTokens:      int64(chunk.ReasoningTokens),
			})
			l.appendEvent(ctx, state.SessionID, eventstore.UsageUpdated(eventstore.UsageUpdatedPayload{
				Model:                 l.defaultModel,
				PromptTokens:          chunk.InputTokens,
				CompletionTokens:      chunk.OutputTokens,
				PromptCacheHitTokens:  chunk.CacheReadTokens,
				ReasoningTokens:       chunk.ReasoningTokens,
			}))
			if observability.IsDiagnosticsEnabled() {
				observability.EmitModelUsage(&observability.ModelUsageEvent{
					SessionID: state.SessionID,
					Model:     l.defaultModel,
					Usage: observability.UsageDetails{
						Input:  int64(chunk.InputTokens),
						Output: int64(chunk.OutputTokens),
					},
				})
			}
		}
	}

	if state.Safety.cost.OverBudget() {
		cost := state.Safety.cost.EstimatedCostUSD()
		maxUSD, _ := state.Safety.cost.MaxUSD()
		l.appendEvent(ctx, state.SessionID, eventstore.CostRecorded(eventstore.CostRecordedPayload{USD: cost, OverBudget: true}))
		return nil, fmt.Errorf("%w: estimated cost $%.2f exceeds $%.2f limit", ErrBudgetExceeded, cost, maxUSD)
	}
	if state.Safety.cost.ShouldWarn() {
		cost := state.Safety.cost.EstimatedCostUSD()
		l.metrics().RecordCostWarning()
		l.appendEvent(ctx, state.SessionID, eventstore.CostRecorded(eventstore.CostRecordedPayload{USD: cost, Warned: true}))
		chunks <- &ResponseChunk{SecurityWarning: fmt.Sprintf("cumulative estimated cost has reached $%.2f", cost)}
	}

	// Store accumulated text for message history
	state.AccumulatedText = textBuilder.String()

	return toolCalls, nil
}

// executeToolsPhase executes pending tool calls in parallel.
func (l *AgenticLoop) executeToolsPhase(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ToolResult, error) {
	if len(state.PendingTools) == 0 {
		return nil, nil
	}

	resolver, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)
	approvalChecker := l.config.ApprovalChecker
	elevatedMode := ElevatedFromContext(ctx)

	results := make([]models.ToolResult, len(state.PendingTools))
	artifacts := make([][]Artifact, len(state.PendingTools))
	allowedCalls := make([]models.ToolCall, 0, len(state.PendingTools))
	allowedToOriginal := make([]int, 0, len(state.PendingTools))

	for i := range state.PendingTools {
		tc := state.PendingTools[i]

		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventRequested,
			Input:      tc.Input,
		})

		if observability.IsDiagnosticsEnabled() {
			observability.EmitToolInvoked(&observability.ToolInvokedEvent{
				SessionID:  session.ID,
				ToolName:   tc.Name,
				ToolCallID: tc.ID,
			})
		}

		if IsAgentLevelTool(tc.Name) {
			res := l.handleAgentLevelTool(ctx, state, tc)
			results[i] = res
			stage := models.ToolEventSucceeded
			evt := &models.ToolEvent{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				FinishedAt: time.Now(),
			}
			if res.IsError {
				stage = models.ToolEventFailed
				evt.Error = res.Content
			} else {
				evt.Output = res.Content
			}
			evt.Stage = stage
			l.emitToolEvent(chunks, evt)
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if state.PlanMode && IsWriteTool(tc.Name) {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    fmt.Sprintf("%q is a write tool and plan mode is active; call exit_plan_mode before writing", tc.Name),
				IsError:    true,
			}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Stage:        models.ToolEventDenied,
				Error:        res.Content,
				PolicyReason: "plan mode active",
				FinishedAt:   time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if remaining, tripped := state.Safety.circuitBreaker.Tripped(tc.Name); tripped {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content: fmt.Sprintf("tool %q is temporarily disabled after %d consecutive failures; re-enabled in %d turn(s)",
					tc.Name, safety.CircuitBreakerThreshold, remaining),
				IsError: true,
			}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventDenied,
				Error:      res.Content,
				FinishedAt: time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			state.Safety.errorTracker.Record(res.Content)
			continue
		}

		if tool, ok := l.executor.registry.Get(tc.Name); ok {
			if err := schema.ValidateArguments(tc.Name, tool.Schema(), tc.Input); err != nil {
				res := models.ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Stage:      models.ToolEventFailed,
					Error:      res.Content,
					FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				state.Safety.errorTracker.Record(res.Content)
				continue
			}
		}

		if hookCtx, blocked := l.firePreToolUseHook(ctx, session, tc); blocked {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "blocked by pre-tool hook: " + hookCtx.CancelReason,
				IsError:    true,
			}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Stage:        models.ToolEventDenied,
				Error:        res.Content,
				PolicyReason: hookCtx.CancelReason,
				FinishedAt:   time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if hasPolicy && !resolver.IsAllowed(toolPolicy, tc.Name) {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool not allowed: " + tc.Name,
				IsError:    true,
			}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Stage:        models.ToolEventDenied,
				Error:        res.Content,
				PolicyReason: "tool not allowed by policy",
				FinishedAt:   time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if approvalChecker != nil {
			decision, reason := approvalChecker.Check(ctx, session.AgentID, tc)
			if decision == ApprovalPending && elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.Name, resolver) {
				decision = ApprovalAllowed
				reason = "elevated full"
			}
			switch decision {
			case ApprovalDenied:
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    "tool denied by approval policy: " + reason,
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ID,
					ToolName:     tc.Name,
					Stage:        models.ToolEventDenied,
					Error:        res.Content,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			case ApprovalPending:
				var approvalID string
				if req, err := approvalChecker.CreateApprovalRequest(ctx, session.AgentID, session.ID, tc, reason); err == nil && req != nil {
					approvalID = req.ID
				}
				content := "approval required for tool: " + tc.Name
				if approvalID != "" {
					content = fmt.Sprintf("%s (id: %s)", content, approvalID)
				}
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    content,
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ID,
					ToolName:     tc.Name,
					Stage:        models.ToolEventApprovalRequired,
					Error:        res.Content,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		} else if matchesToolPatterns(l.config.RequireApproval, tc.Name, resolver) {
			if elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.Name, resolver) {
				// bypass
			} else {
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    "approval required for tool: " + tc.Name,
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Stage:      models.ToolEventApprovalRequired,
					Error:      res.Content,
					FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		}

		// Cache lookup runs only once a call has cleared policy and approval
		// (spec §4.6.2 step 7 follows step 6) — a call a reviewer would now
		// deny or hold for approval must never be served a stale cached result.
		if resultcache.IsCacheable(tc.Name) {
			cached, hit := state.Safety.cache.Lookup(tc.Name, tc.Input)
			if hit {
				l.metrics().RecordResultCacheLookup(tc.Name, "hit")
				res := models.ToolResult{ToolCallID: tc.ID, Content: cached}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Stage:      models.ToolEventSucceeded,
					Output:     cached,
					FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
			l.metrics().RecordResultCacheLookup(tc.Name, "miss")
		}

		if l.config.CheckpointCallback != nil && IsWriteTool(tc.Name) {
			if err := l.config.CheckpointCallback(ctx, session, tc); err != nil {
				res := models.ToolResult{
					ToolCallID: tc.ID,
					Content:    "checkpoint failed, write denied: " + err.Error(),
					IsError:    true,
				}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Stage:      models.ToolEventDenied,
					Error:      res.Content,
					FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		}

		allowedCalls = append(allowedCalls, tc)
		allowedToOriginal = append(allowedToOriginal, i)
	}

	// Decrement once per turn, after this turn's own Tripped() checks have
	// read the pre-decrement value but before this turn's own failures can
	// set a fresh cooldown via updateSafetyAfterExecution below — otherwise
	// a tool tripped on turn N would report one fewer remaining turn than
	// CircuitBreakerCooldownTurns on turn N+1 (spec.md testable scenario 5).
	state.Safety.circuitBreaker.DecrementCooldowns()

	toolStart := make([]time.Time, len(allowedToOriginal))
	for j, idx := range allowedToOriginal {
		tc := state.PendingTools[idx]
		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventStarted,
			StartedAt:  time.Now(),
		})
		toolStart[j] = time.Now()
		l.recordTimelineToolStart(ctx, session.ID, tc.Name, tc.Input)
	}

	execResults := l.executor.ExecuteAll(ctx, allowedCalls)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := state.PendingTools[origIdx]
		elapsed := time.Since(toolStart[i])
		if r == nil {
			results[origIdx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool execution failed",
				IsError:    true,
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventFailed,
				Error:      results[origIdx].Content,
				FinishedAt: time.Now(),
			})
		} else if r.Error != nil {
			results[origIdx] = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    r.Error.Error(),
				IsError:    true,
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventFailed,
				Error:      results[origIdx].Content,
				FinishedAt: time.Now(),
			})
		} else if r.Result != nil {
			attachments := artifactsToAttachments(r.Result.Artifacts)
			results[origIdx] = models.ToolResult{
				ToolCallID:  r.ToolCallID,
				Content:     r.Result.Content,
				IsError:     r.Result.IsError,
				Attachments: attachments,
			}
			artifacts[origIdx] = r.Result.Artifacts

			// Privacy router runs before the cache store and before the
			// content is frozen into the Tool message (spec §4.6.2 steps
			// 15-16): Blocked output never reaches the model or the cache.
			decision := l.privacyRouter().Route(tc.Name, results[origIdx])
			if decision.Variant != PrivacyClean {
				results[origIdx].Content = decision.Content
			}
			if resultcache.IsCacheable(tc.Name) && decision.Variant != PrivacyBlocked && !r.Result.IsError {
				state.Safety.cache.Store(tc.Name, tc.Input, decision.Content)
			}

			stage := models.ToolEventSucceeded
			if r.Result.IsError {
				stage = models.ToolEventFailed
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.Name,
				Stage:      stage,
				Output:     results[origIdx].Content,
				FinishedAt: time.Now(),
			})
			l.scanToolOutput(chunks, tc.Name, r.Result.Content)
		}
		var duration time.Duration
		if r != nil {
			duration = r.Duration
		}
		var toolErr error
		if results[origIdx].IsError {
			toolErr = errors.New(results[origIdx].Content)
		}
		l.recordTimelineToolEnd(ctx, session.ID, tc.Name, elapsed, results[origIdx].Content, toolErr)
		l.firePostToolUseHook(ctx, session, tc, results[origIdx], duration)
		l.persistToolResult(ctx, session, state.AssistantMsgID, tc, results[origIdx], resolver)
		l.updateSafetyAfterExecution(ctx, state, chunks, tc, results[origIdx])
	}

	if len(allowedToOriginal) > 0 {
		anyFailed := false
		for _, idx := range allowedToOriginal {
			if results[idx].IsError {
				anyFailed = true
				break
			}
		}
		if anyFailed {
			wasEscalated := state.Safety.escalation.ShouldEscalate()
			state.Safety.escalation.RecordFailure()
			if state.Safety.escalation.ShouldEscalate() && !wasEscalated && !state.Safety.recoveryInjected {
				state.Messages = append(state.Messages, CompletionMessage{Role: "system", Content: safety.ErrorRecoveryGuidance})
				state.Safety.recoveryInjected = true
			}
			if state.Safety.errorTracker.RepeatedErrorCount() >= safety.CircuitBreakerThreshold {
				state.Messages = append(state.Messages, CompletionMessage{Role: "system", Content: safety.StuckDetectionGuidance})
				state.Safety.errorTracker.Clear()
			}
		} else {
			state.Safety.escalation.RecordSuccess()
			state.Safety.recoveryInjected = false
		}
	}

	for i := range results {
		if results[i].ToolCallID == "" && i < len(state.PendingTools) {
			results[i].ToolCallID = state.PendingTools[i].ID
		}
	}

	if l.config.StreamToolResults {
		for i := range results {
			chunk := &ResponseChunk{ToolResult: &results[i]}
			if len(artifacts[i]) > 0 {
				chunk.Artifacts = artifacts[i]
			}
			chunks <- chunk
		}
	}

	return results, nil
}

// continuePhase adds the assistant message with tool calls and tool results to history.
func (l *AgenticLoop) continuePhase(state *LoopState, toolCalls []models.ToolCall, toolResults []models.ToolResult) {
	// Add assistant message with tool calls
	l.addAssistantMessage(state, toolCalls)

	// Add tool results message
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        "tool",
		ToolResults: toolResults,
	})

	// Clear accumulated state
	state.AccumulatedText = ""
	state.PendingTools = nil
	state.ToolResults = nil
}

func (l *AgenticLoop) addAssistantMessage(state *LoopState, toolCalls []models.ToolCall) {
	state.Messages = append(state.Messages, CompletionMessage{
		Role:      "assistant",
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
	})
}

func (l *AgenticLoop) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message, branchID string) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if branchID != "" {
		msg.BranchID = branchID
	}
	return l.appendMessage(ctx, session, branchID, msg)
}

func (l *AgenticLoop) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, toolCalls []models.ToolCall) (string, error) {
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	if state.BranchID != "" {
		assistantMsg.BranchID = state.BranchID
	}
	if err := l.appendMessage(ctx, session, state.BranchID, assistantMsg); err != nil {
		return "", err
	}
	return assistantMsg.ID, nil
}

func (l *AgenticLoop) persistToolMessage(ctx context.Context, session *models.Session, branchID string, toolCalls []models.ToolCall, toolResults []models.ToolResult) error {
	if len(toolResults) == 0 {
		return nil
	}
	resolver, _, _ := toolPolicyFromContext(ctx)
	persistResults := guardToolResults(l.config.ToolResultGuard, toolCalls, toolResults, resolver)
	resultsForStorage := make([]models.ToolResult, len(persistResults))
	for i := range persistResults {
		resultsForStorage[i] = persistResults[i]
		resultsForStorage[i].Attachments = nil
	}
	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleTool,
		ToolResults: resultsForStorage,
		CreatedAt:   time.Now(),
	}
	if branchID != "" {
		toolMsg.BranchID = branchID
	}
	return l.appendMessage(ctx, session, branchID, toolMsg)
}

func (l *AgenticLoop) appendMessage(ctx context.Context, session *models.Session, branchID string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	branch := strings.TrimSpace(branchID)
	if branch == "" {
		branch = strings.TrimSpace(msg.BranchID)
	}
	if l.config != nil && l.config.BranchStore != nil {
		if branch == "" {
			primary, err := l.config.BranchStore.EnsurePrimaryBranch(ctx, session.ID)
			if err != nil {
				return err
			}
			branch = primary.ID
		}
		msg.BranchID = branch
		return l.config.BranchStore.AppendMessageToBranch(ctx, session.ID, branch, msg)
	}
	if l.sessions == nil {
		return errors.New("no session store configured")
	}
	return l.sessions.AppendMessage(ctx, session.ID, msg)
}

func (l *AgenticLoop) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if l.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

// privacyRouter returns the configured PrivacyRouter, defaulting to
// DefaultPrivacyRouter when the caller left it unset.
func (l *AgenticLoop) privacyRouter() PrivacyRouter {
	if l.config.PrivacyRouter != nil {
		return l.config.PrivacyRouter
	}
	return NewDefaultPrivacyRouter()
}

// firePreToolUseHook implements spec §4.6.2 step 5: fire the PreToolUse
// hook and report whether it canceled the call. A nil ToolHooks manager
// is a no-op (hooks are optional infrastructure, not a hard dependency).
func (l *AgenticLoop) firePreToolUseHook(ctx context.Context, session *models.Session, tc models.ToolCall) (*hooks.ToolHookContext, bool) {
	if l.config.ToolHooks == nil {
		return &hooks.ToolHookContext{}, false
	}
	hookCtx := &hooks.ToolHookContext{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Input:      tc.Input,
		SessionKey: session.Key,
		AgentID:    session.AgentID,
	}
	if err := l.config.ToolHooks.TriggerPreExecution(ctx, hookCtx); err != nil && hookCtx.CancelReason == "" {
		hookCtx.Canceled = true
		hookCtx.CancelReason = err.Error()
	}
	return hookCtx, hookCtx.Canceled
}

// firePostToolUseHook implements spec §4.6.2 step 13: fire PostToolUse
// (or, on failure, the same hook with Error set — this codebase doesn't
// distinguish a separate PostToolUseFailure event type) after a tool
// finishes. Best-effort: hook errors are logged by the registry, never
// surfaced to the turn.
func (l *AgenticLoop) firePostToolUseHook(ctx context.Context, session *models.Session, tc models.ToolCall, res models.ToolResult, duration time.Duration) {
	if l.config.ToolHooks == nil {
		return
	}
	hookCtx := &hooks.ToolHookContext{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Input:      tc.Input,
		Output:     res.Content,
		Duration:   duration,
		SessionKey: session.Key,
		AgentID:    session.AgentID,
	}
	if res.IsError {
		hookCtx.ErrorMsg = res.Content
	}
	_ = l.config.ToolHooks.TriggerPostExecution(ctx, hookCtx)
}

// scanToolOutput implements spec §4.6.2 step 14: scan a successful tool's
// output for secrets and prompt-injection phrasing and stream a
// SecurityWarning chunk per hit, without altering the persisted result.
func (l *AgenticLoop) scanToolOutput(chunks chan<- *ResponseChunk, toolName, content string) {
	if content == "" {
		return
	}
	if secrets := DetectSecrets(content); len(secrets) > 0 {
		chunks <- &ResponseChunk{
			SecurityWarning: fmt.Sprintf("%s output matched likely secret pattern(s): %s", toolName, strings.Join(secrets, ", ")),
		}
	}
	if hits := DetectPromptInjection(content); len(hits) > 0 {
		chunks <- &ResponseChunk{
			SecurityWarning: fmt.Sprintf("%s output contains phrasing resembling a prompt-injection attempt", toolName),
		}
	}
}

func (l *AgenticLoop) persistToolCalls(ctx context.Context, session *models.Session, assistantMsgID string, toolCalls []models.ToolCall) {
	if session != nil {
		for i := range toolCalls {
			tc := toolCalls[i]
			l.appendEvent(ctx, session.ID, eventstore.ToolProposed(eventstore.ToolProposedPayload{
				InvocationID: tc.ID,
				ToolName:     tc.Name,
				Arguments:    tc.Input,
			}))
		}
	}
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		_ = l.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsgID, &tc)
	}
}

func (l *AgenticLoop) persistToolResult(ctx context.Context, session *models.Session, assistantMsgID string, tc models.ToolCall, res models.ToolResult, resolver *policy.Resolver) {
	if session != nil {
		output, _ := json.Marshal(res.Content)
		l.appendEvent(ctx, session.ID, eventstore.ToolResult(eventstore.ToolResultPayload{
			InvocationID: tc.ID,
			ToolCallID:   tc.ID,
			ToolName:     tc.Name,
			Success:      !res.IsError,
			Output:       output,
		}))
	}
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	guarded := guardToolResult(l.config.ToolResultGuard, tc.Name, res, resolver)
	_ = l.config.ToolEvents.AddToolResult(ctx, session.ID, assistantMsgID, &tc, &guarded)
}

// appendEvent is a best-effort EventStore.Append: the durable journal is an
// observability/replay surface layered on top of the loop's in-memory
// state, so a write failure there must not fail the turn itself.
func (l *AgenticLoop) appendEvent(ctx context.Context, sessionID string, kind eventstore.EventKind) {
	if l.config == nil || l.config.EventStore == nil || sessionID == "" {
		return
	}
	_, _ = l.config.EventStore.Append(ctx, eventstore.NewEnvelope(sessionID, kind))
}

// metrics returns the configured observability.Metrics, or nil. Every
// Record* method on *observability.Metrics tolerates a nil receiver, so
// callers never need their own nil check.
func (l *AgenticLoop) metrics() *observability.Metrics {
	if l.config == nil {
		return nil
	}
	return l.config.Metrics
}

// recordTimelineToolStart/recordTimelineToolEnd feed the loop's tool
// dispatch into the configured EventRecorder's debug timeline, if any.
func (l *AgenticLoop) recordTimelineToolStart(ctx context.Context, runID, toolName string, input interface{}) {
	if l.config == nil || l.config.EventRecorder == nil {
		return
	}
	ctx = observability.AddRunID(ctx, runID)
	_ = l.config.EventRecorder.RecordToolStart(ctx, toolName, input)
}

func (l *AgenticLoop) recordTimelineToolEnd(ctx context.Context, runID, toolName string, duration time.Duration, output interface{}, err error) {
	if l.config == nil || l.config.EventRecorder == nil {
		return
	}
	ctx = observability.AddRunID(ctx, runID)
	_ = l.config.EventRecorder.RecordToolEnd(ctx, toolName, duration, output, err)
}

// AgenticRuntime wraps the AgenticLoop to provide a Runtime-compatible interface.
// This allows the loop to be used interchangeably with the standard Runtime.
type AgenticRuntime struct {
	loop *AgenticLoop
}

// NewAgenticRuntime creates a new agentic runtime wrapping an AgenticLoop.
func NewAgenticRuntime(provider LLMProvider, sessions sessions.Store, config *LoopConfig) *AgenticRuntime {
	registry := NewToolRegistry()
	loop := NewAgenticLoop(provider, registry, sessions, config)

	return &AgenticRuntime{
		loop: loop,
	}
}

// SetDefaultModel configures the fallback model used when not specified in requests.
func (r *AgenticRuntime) SetDefaultModel(model string) {
	r.loop.SetDefaultModel(model)
}

// SetSystemPrompt configures the fallback system prompt used when not specified in requests.
func (r *AgenticRuntime) SetSystemPrompt(system string) {
	r.loop.SetDefaultSystem(system)
}

// RegisterTool adds a tool to the runtime's tool registry.
func (r *AgenticRuntime) RegisterTool(tool Tool) {
	r.loop.executor.registry.Register(tool)
}

// ConfigureTool sets per-tool configuration for timeout, retry, and priority.
func (r *AgenticRuntime) ConfigureTool(name string, config *ToolConfig) {
	r.loop.ConfigureTool(name, config)
}

// Process handles an incoming message using the agentic loop and streams results.
func (r *AgenticRuntime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	return r.loop.Run(ctx, session, msg)
}

// ExecutorMetrics returns a snapshot of metrics from the tool executor.
func (r *AgenticRuntime) ExecutorMetrics() *ExecutorMetricsSnapshot {
	return r.loop.executor.Metrics()
}
