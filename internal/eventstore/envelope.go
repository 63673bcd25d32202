// Package eventstore implements the durable, append-only event journal and
// its SQLite projections: the session store's source of truth. Every state
// transition the tool-use loop makes is appended here before it is acted on
// elsewhere, so a session can be rebuilt byte-for-byte from seq 0.
package eventstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventEnvelope wraps one projection-worthy event with the metadata the
// journal and the events table both need: a per-session monotonic sequence
// number, a timestamp, and the owning session.
type EventEnvelope struct {
	SeqNo     int64     `json:"seq_no"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
}

// EventKind is a tagged union: Type names the variant, Payload carries its
// fields. Concrete event constructors below produce envelopes with Payload
// already marshaled, mirroring models.AgentEvent's "one field populated"
// discipline but keeping the wire shape flat for the journal.
type EventKind struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Known event kind type tags. This is not an exhaustive enumeration of the
// spec's "~60 others for observability" — those are carried through the
// generic Other() constructor and land in the events table unprojected
// beyond the raw row; only the kinds a projection table actually needs a
// dedicated column shape for get a typed constructor here.
const (
	KindSessionStarted       = "session_started"
	KindSessionStateChanged  = "session_state_changed"
	KindTurnAdded            = "turn_added"
	KindChatTurn             = "chat_turn"
	KindPlanCreated          = "plan_created"
	KindToolProposed         = "tool_proposed"
	KindToolApproved         = "tool_approved"
	KindToolResult           = "tool_result"
	KindUsageUpdated         = "usage_updated"
	KindCostRecorded         = "cost_recorded"
	KindContextPruned        = "context_pruned"
	KindContextCompacted     = "context_compacted"
	KindCheckpointCreated    = "checkpoint_created"
	KindCircuitBreakerTripped = "circuit_breaker_tripped"
	KindDoomLoopTriggered    = "doom_loop_triggered"
	KindApprovalDecided      = "approval_decided"
	KindHookExecuted         = "hook_executed"
	KindSubagentStarted      = "subagent_started"
	KindSubagentFinished     = "subagent_finished"
	KindTaskQueued           = "task_queued"
	KindTaskUpdated          = "task_updated"
	KindVerificationRun      = "verification_run"
)

func marshal(kind string, payload any) EventKind {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return EventKind{Type: kind, Payload: raw}
}

// NewEnvelope builds an envelope; SeqNo is assigned by Store.Append.
func NewEnvelope(sessionID string, kind EventKind) EventEnvelope {
	return EventEnvelope{At: time.Now(), SessionID: sessionID, Kind: kind}
}

// SessionStarted payload.
type SessionStartedPayload struct {
	WorkspaceRoot  string `json:"workspace_root"`
	BaselineCommit string `json:"baseline_commit,omitempty"`
}

func SessionStarted(workspaceRoot, baselineCommit string) EventKind {
	return marshal(KindSessionStarted, SessionStartedPayload{workspaceRoot, baselineCommit})
}

// SessionStateChanged payload.
type SessionStateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func SessionStateChanged(from, to string) EventKind {
	return marshal(KindSessionStateChanged, SessionStateChangedPayload{from, to})
}

// ChatTurn payload — the structured message the projector replays into
// conversation history, preferred over legacy transcript lines.
type ChatTurnPayload struct {
	Role        string          `json:"role"`
	Content     string          `json:"content,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	ToolCalls   json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults json.RawMessage `json:"tool_results,omitempty"`
}

func ChatTurn(p ChatTurnPayload) EventKind { return marshal(KindChatTurn, p) }

// PlanCreated payload.
type PlanCreatedPayload struct {
	PlanID string          `json:"plan_id"`
	Title  string          `json:"title,omitempty"`
	Steps  json.RawMessage `json:"steps,omitempty"`
}

func PlanCreated(p PlanCreatedPayload) EventKind { return marshal(KindPlanCreated, p) }

// ToolProposed/ToolApproved/ToolResult payloads.
type ToolProposedPayload struct {
	InvocationID string          `json:"invocation_id"`
	ToolName     string          `json:"tool_name"`
	Arguments    json.RawMessage `json:"arguments"`
}

func ToolProposed(p ToolProposedPayload) EventKind { return marshal(KindToolProposed, p) }

type ToolApprovedPayload struct {
	InvocationID string `json:"invocation_id"`
	Approved     bool   `json:"approved"`
	DecidedBy    string `json:"decided_by,omitempty"`
}

func ToolApproved(p ToolApprovedPayload) EventKind { return marshal(KindToolApproved, p) }

type ToolResultPayload struct {
	InvocationID string          `json:"invocation_id"`
	ToolCallID   string          `json:"tool_call_id"`
	ToolName     string          `json:"tool_name"`
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output,omitempty"`
	ModifiedPaths []string       `json:"modified_paths,omitempty"`
}

func ToolResult(p ToolResultPayload) EventKind { return marshal(KindToolResult, p) }

// UsageUpdated / CostRecorded payloads.
type UsageUpdatedPayload struct {
	RunID               string `json:"run_id,omitempty"`
	Model               string `json:"model"`
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	PromptCacheHitTokens  int  `json:"prompt_cache_hit_tokens"`
	PromptCacheMissTokens int  `json:"prompt_cache_miss_tokens"`
	ReasoningTokens     int    `json:"reasoning_tokens"`
}

func UsageUpdated(p UsageUpdatedPayload) EventKind { return marshal(KindUsageUpdated, p) }

type CostRecordedPayload struct {
	USD        float64 `json:"usd"`
	OverBudget bool    `json:"over_budget"`
	Warned     bool    `json:"warned"`
}

func CostRecorded(p CostRecordedPayload) EventKind { return marshal(KindCostRecorded, p) }

// ContextPruned / ContextCompacted payloads.
type ContextPrunedPayload struct {
	PrunedCount int `json:"pruned_count"`
}

func ContextPruned(p ContextPrunedPayload) EventKind { return marshal(KindContextPruned, p) }

type ContextCompactedPayload struct {
	FromTurn           int    `json:"from_turn"`
	ToTurn              int   `json:"to_turn"`
	TokenDeltaEstimate  int   `json:"token_delta_estimate"`
	Summary             string `json:"summary,omitempty"`
}

func ContextCompacted(p ContextCompactedPayload) EventKind { return marshal(KindContextCompacted, p) }

// CheckpointCreated payload.
type CheckpointCreatedPayload struct {
	CheckpointID string   `json:"checkpoint_id"`
	Reason       string   `json:"reason"`
	Paths        []string `json:"paths,omitempty"`
	CommitRef    string   `json:"commit_ref,omitempty"`
}

func CheckpointCreated(p CheckpointCreatedPayload) EventKind { return marshal(KindCheckpointCreated, p) }

// CircuitBreakerTripped / DoomLoopTriggered payloads.
type CircuitBreakerTrippedPayload struct {
	ToolName         string `json:"tool_name"`
	CooldownRemaining int   `json:"cooldown_remaining"`
}

func CircuitBreakerTripped(p CircuitBreakerTrippedPayload) EventKind {
	return marshal(KindCircuitBreakerTripped, p)
}

type DoomLoopTriggeredPayload struct {
	ToolName string `json:"tool_name"`
	ArgsHash string `json:"args_hash"`
}

func DoomLoopTriggered(p DoomLoopTriggeredPayload) EventKind { return marshal(KindDoomLoopTriggered, p) }

// ApprovalDecided payload — the persistent-approvals projection.
type ApprovalDecidedPayload struct {
	ToolName  string `json:"tool_name"`
	RuleKey   string `json:"rule_key"`
	Decision  string `json:"decision"`
}

func ApprovalDecided(p ApprovalDecidedPayload) EventKind { return marshal(KindApprovalDecided, p) }

// HookExecuted payload.
type HookExecutedPayload struct {
	Event       string `json:"event"`
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

func HookExecuted(p HookExecutedPayload) EventKind { return marshal(KindHookExecuted, p) }

// SubagentStarted / SubagentFinished payloads.
type SubagentStartedPayload struct {
	RunID         string `json:"run_id"`
	TaskName      string `json:"task_name,omitempty"`
	SubagentType  string `json:"subagent_type,omitempty"`
	ModelOverride string `json:"model_override,omitempty"`
}

func SubagentStarted(p SubagentStartedPayload) EventKind { return marshal(KindSubagentStarted, p) }

type SubagentFinishedPayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func SubagentFinished(p SubagentFinishedPayload) EventKind { return marshal(KindSubagentFinished, p) }

// TaskQueued / TaskUpdated payloads — back the task_queue projection.
type TaskQueuedPayload struct {
	TaskID          string `json:"task_id"`
	TaskName        string `json:"task_name,omitempty"`
	Prompt          string `json:"prompt"`
	SubagentType    string `json:"subagent_type,omitempty"`
	RunInBackground bool   `json:"run_in_background"`
}

func TaskQueued(p TaskQueuedPayload) EventKind { return marshal(KindTaskQueued, p) }

type TaskUpdatedPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

func TaskUpdated(p TaskUpdatedPayload) EventKind { return marshal(KindTaskUpdated, p) }

// VerificationRun payload.
type VerificationRunPayload struct {
	RunID   string `json:"run_id"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

func VerificationRun(p VerificationRunPayload) EventKind { return marshal(KindVerificationRun, p) }

// Other wraps an event kind outside the dedicated set above. It still
// appends to the journal and the events table; it just has no bespoke
// projection beyond the raw row, matching the spec's "≈60 others for
// observability" that exist for replay/debugging, not for a specific
// relational view.
func Other(kind string, payload any) EventKind { return marshal(kind, payload) }

// NewInvocationID is a small helper so callers don't need a direct uuid
// import just to stamp a ToolProposedPayload.InvocationID.
func NewInvocationID() string { return uuid.NewString() }
