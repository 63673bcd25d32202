package agent

// Tunable constants shared by the tool-use loop, its safety monitors, and
// the turn router. Names follow the spec's own constant names so the
// values here can be cross-checked against the design doc directly.
const (
	// processBufferSize sizes the channel the loop streams ResponseChunks
	// through, large enough to hold a turn's worth of chunks without the
	// provider goroutine blocking on a slow consumer.
	processBufferSize = 64

	// MaxResponseTextSize bounds a single assistant response's accumulated
	// text, guarding against a runaway provider stream.
	MaxResponseTextSize = 1 << 20 // 1 MiB

	// MaxToolCallsPerIteration bounds how many tool calls a single LLM
	// response may request in one turn.
	MaxToolCallsPerIteration = 64

	// DefaultMaxTurns is the default cap on LLM completion calls per
	// invocation.
	DefaultMaxTurns = 50

	// PruneThresholdPct is the fraction of the context window at which
	// phase-1 pruning (stripping old tool outputs) triggers.
	PruneThresholdPct = 0.80

	// CompactionThresholdPct is the fraction of the context window at
	// which phase-2 compaction (structural summarization) triggers.
	CompactionThresholdPct = 0.95

	// CompactionTargetPct is the post-compaction target fraction of the
	// context window.
	CompactionTargetPct = 0.80

	// PruneAgeTurns is the number of trailing user turns considered
	// "recent" (not eligible for phase-1 pruning).
	PruneAgeTurns = 3

	// MidConversationReminderInterval is how many cumulative tool calls
	// elapse between mid-conversation reminder injections.
	MidConversationReminderInterval = 10

	// DefaultEscalatedThinkingBudget is the thinking-token budget used
	// once escalation signals indicate the task is in trouble, when the
	// caller hasn't configured one explicitly.
	DefaultEscalatedThinkingBudget = 32000
)

// MidConversationReminder is injected every MidConversationReminderInterval
// cumulative tool calls to keep a long-running turn anchored to the
// original request.
const MidConversationReminder = "Reminder: stay focused on the user's original request. " +
	"Re-read it if you've lost track of the goal, and avoid exploring tangents that don't serve it directly."

// ReadOnlyToolNames is the enumerated set of tools safe to auto-approve
// and execute in parallel (spec glossary: Read-only tool).
var ReadOnlyToolNames = map[string]bool{
	"fs_read":            true,
	"fs_glob":            true,
	"fs_grep":            true,
	"fs_list":            true,
	"git_status":         true,
	"git_diff":           true,
	"git_show":           true,
	"web_search":         true,
	"web_fetch":          true,
	"notebook_read":      true,
	"index_query":        true,
	"diagnostics_check":  true,
	"extended_thinking":  true,
	"think_deeply":       true,
	"user_question":      true,
	"spawn_task":         true,
	"task_output":        true,
	"task_list":          true,
	"task_get":           true,
}

// toolNameAliases maps the concrete tool names this codebase's tool
// implementations register under (internal/tools/files, internal/tools/exec
// — carried from the teacher's short "read"/"write"/"edit"/"exec" naming)
// to the spec's canonical coding-assistant tool names, so the
// classification tables above apply no matter which naming scheme a given
// tool was registered with.
var toolNameAliases = map[string]string{
	"read":        "fs_read",
	"glob":        "fs_glob",
	"grep":        "fs_grep",
	"list":        "fs_list",
	"write":       "fs_write",
	"edit":        "fs_edit",
	"apply_patch": "patch_apply",
	"exec":        "bash_run",
	"bash":        "bash_run",
	"websearch":   "web_search",
	"webfetch":    "web_fetch",
}

// canonicalToolName resolves a concrete registered tool name to the
// spec's canonical name via toolNameAliases, passing unknown names
// through unchanged.
func canonicalToolName(name string) string {
	if alias, ok := toolNameAliases[name]; ok {
		return alias
	}
	return name
}

// IsReadOnlyTool reports whether name is in the enumerated read-only set.
func IsReadOnlyTool(name string) bool {
	return ReadOnlyToolNames[canonicalToolName(name)]
}

// AgentLevelToolNames is the set of tools handled directly by the loop
// rather than dispatched to the tool host (spec glossary: Agent-level
// tool).
var AgentLevelToolNames = map[string]bool{
	"user_question":     true,
	"spawn_task":        true,
	"skill":             true,
	"extended_thinking": true,
	"think_deeply":      true,
	"enter_plan_mode":   true,
	"exit_plan_mode":    true,
	"task_create":       true,
	"task_list":         true,
	"task_get":          true,
	"task_output":       true,
}

// IsAgentLevelTool reports whether name is handled by the loop itself.
func IsAgentLevelTool(name string) bool {
	return AgentLevelToolNames[canonicalToolName(name)]
}

// IsWriteTool reports whether name is a write tool: any registered tool
// that is neither read-only nor agent-level is assumed to have side
// effects on the workspace (spec glossary: Write tool).
func IsWriteTool(name string) bool {
	return !IsReadOnlyTool(name) && !IsAgentLevelTool(name)
}

// CacheableToolNames is the enumerated set of tools whose results may be
// stored in the result cache (spec §4.2).
var CacheableToolNames = map[string]bool{
	"read":        true,
	"glob":        true,
	"grep":        true,
	"list":        true,
	"index_query": true,
}
