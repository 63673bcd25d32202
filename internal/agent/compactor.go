package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aloundoye/convcore/internal/hooks"
	"github.com/aloundoye/convcore/pkg/models"
)

// charsPerToken is the same char-count heuristic internal/compaction uses
// for cheap token estimation without a tokenizer dependency.
const charsPerToken = 4

// prunedOutputMarker is appended to a tool output truncated by phase-1
// pruning.
const prunedOutputMarker = " [output pruned]"

// EstimateTokens approximates the token footprint of a message vector using
// a character-count heuristic, matching the ratio internal/compaction uses
// elsewhere in this codebase.
func EstimateTokens(messages []CompletionMessage) int {
	chars := 0
	for _, m := range messages {
		chars += estimateMessageChars(m)
	}
	return chars / charsPerToken
}

func estimateMessageChars(m CompletionMessage) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return chars
}

// ShouldPrune reports whether the history has crossed the phase-1 prune
// threshold relative to contextWindow tokens.
func ShouldPrune(messages []CompletionMessage, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(EstimateTokens(messages))/float64(contextWindow) >= PruneThresholdPct
}

// ShouldCompact reports whether the history has crossed the phase-2 compact
// threshold relative to contextWindow tokens. Callers should call this only
// after pruning has already run.
func ShouldCompact(messages []CompletionMessage, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(EstimateTokens(messages))/float64(contextWindow) >= CompactionThresholdPct
}

// PruneOldToolOutputs implements phase 1 of the compactor: messages before
// the "recent" boundary (the last PruneAgeTurns user turns) have their tool
// outputs truncated, unless the output references a path also touched in
// the recent region.
func PruneOldToolOutputs(messages []CompletionMessage) ([]CompletionMessage, *models.RuntimeEvent) {
	boundary := recentBoundary(messages, PruneAgeTurns)
	if boundary <= 0 {
		return messages, nil
	}

	pathByCallID := buildToolCallPaths(messages)
	recentPaths := collectToolPaths(messages[boundary:], pathByCallID)

	out := make([]CompletionMessage, len(messages))
	copy(out, messages)

	pruned := 0
	for i := 0; i < boundary; i++ {
		msg := out[i]
		if msg.Role != "tool" || len(msg.ToolResults) == 0 {
			continue
		}
		changed := false
		results := append([]models.ToolResult(nil), msg.ToolResults...)
		for j, tr := range results {
			path := pathByCallID[tr.ToolCallID]
			if path != "" && recentPaths[path] {
				continue
			}
			if truncated, didTruncate := truncatePreservingUTF8(tr.Content, 200); didTruncate {
				results[j].Content = truncated + prunedOutputMarker
				changed = true
			}
		}
		if changed {
			msg.ToolResults = results
			out[i] = msg
			pruned++
		}
	}

	if pruned == 0 {
		return messages, nil
	}

	event := models.NewToolEvent(models.EventContextPruned, "", "").
		WithMeta("pruned_messages", pruned).
		WithMeta("recent_boundary", boundary)
	return out, event
}

// recentBoundary walks back from the end of messages counting User messages
// until ageTurns have been seen, returning the index of the oldest message
// considered "recent". Messages before this index are eligible for pruning.
func recentBoundary(messages []CompletionMessage, ageTurns int) int {
	if ageTurns <= 0 {
		return len(messages)
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			seen++
			if seen == ageTurns {
				return i
			}
		}
	}
	return 0
}

// buildToolCallPaths maps each tool_call_id to the path argument extracted
// from the Assistant message that proposed it, so that a later Tool result
// message (which carries only the id, not the original arguments) can be
// matched back to the path it touched.
func buildToolCallPaths(messages []CompletionMessage) map[string]string {
	paths := make(map[string]string)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == "" {
				continue
			}
			if p := extractPathArg(tc.Input); p != "" {
				paths[tc.ID] = p
			}
		}
	}
	return paths
}

// collectToolPaths returns the set of paths referenced by tool calls or
// tool results within the given messages.
func collectToolPaths(messages []CompletionMessage, pathByCallID map[string]string) map[string]bool {
	paths := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if p := extractPathArg(tc.Input); p != "" {
				paths[p] = true
			}
		}
		for _, tr := range m.ToolResults {
			if p := pathByCallID[tr.ToolCallID]; p != "" {
				paths[p] = true
			}
		}
	}
	return paths
}

var pathArgKeys = []string{"path", "file_path", "filepath", "file"}

func extractPathArg(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	for _, key := range pathArgKeys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func truncatePreservingUTF8(s string, maxLen int) (string, bool) {
	if len(s) <= maxLen {
		return s, false
	}
	runes := []rune(s)
	total := 0
	cut := len(runes)
	for i, r := range runes {
		total += len(string(r))
		if total > maxLen {
			cut = i
			break
		}
	}
	return string(runes[:cut]), true
}

// directivePattern matches user-authored imperatives worth pinning across
// compaction: "always ...", "never ...", "make sure to ...", "don't ...".
var directivePattern = regexp.MustCompile(`(?i)\b(always|never|make sure (?:to|you)|don't|do not|please remember to)\b[^.!?\n]{3,200}`)

// ExtractDirectives scans User messages for imperative statements that
// should survive compaction, per the pinned-directives invariant.
func ExtractDirectives(messages []CompletionMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		for _, match := range directivePattern.FindAllString(m.Content, -1) {
			clean := strings.TrimSpace(match)
			if clean == "" || seen[strings.ToLower(clean)] {
				continue
			}
			seen[strings.ToLower(clean)] = true
			out = append(out, clean)
		}
	}
	return out
}

// CompactionResult carries the outcome of CompactMessages for callers that
// need to emit events or persist the summary.
type CompactionResult struct {
	Messages         []CompletionMessage
	FromTurn         int
	ToTurn           int
	TokenDelta       int
	PinnedDirectives []string
}

// Summarizer produces a structured compaction summary from the messages
// being dropped. Implementations should use the Goal/Completed/In
// Progress/Key Facts/Key Findings/Modified Files template; SummarizeFallback
// is used when it returns an error.
type Summarizer interface {
	Summarize(dropped []CompletionMessage) (string, error)
}

// CompactMessages implements phase 2 of the compactor: walk backward from
// the end in groups (a group starts at a User message), retaining groups
// until keeping one more would exceed contextWindow*CompactionTargetPct,
// then replace the dropped prefix with a summary message and, if any
// directives were pinned, a System message re-asserting them.
func CompactMessages(sessionKey string, messages []CompletionMessage, contextWindow int, summarizer Summarizer) (CompactionResult, *models.RuntimeEvent) {
	if len(messages) == 0 {
		return CompactionResult{Messages: messages}, nil
	}

	// messages[0] is always System (invariant 2); never a candidate for the
	// dropped prefix.
	groupStarts := []int{}
	for i := 1; i < len(messages); i++ {
		if messages[i].Role == "user" {
			groupStarts = append(groupStarts, i)
		}
	}
	if len(groupStarts) == 0 {
		return CompactionResult{Messages: messages}, nil
	}

	target := float64(contextWindow) * CompactionTargetPct
	// Always retain at least the last group, even if it alone exceeds
	// target; there is nothing more recent to fall back to.
	lastGroup := groupStarts[len(groupStarts)-1]
	keepFrom := lastGroup
	kept := EstimateTokens(messages[lastGroup:]) + EstimateTokens(messages[:1])

	for i := len(groupStarts) - 2; i >= 0; i-- {
		start := groupStarts[i]
		end := groupStarts[i+1]
		candidateTokens := kept + EstimateTokens(messages[start:end])
		if float64(candidateTokens) > target {
			break
		}
		kept = candidateTokens
		keepFrom = start
	}

	if keepFrom <= 1 {
		// Nothing left to drop; phase 2 would replace the entire history.
		return CompactionResult{Messages: messages}, nil
	}

	dropped := messages[1:keepFrom]
	directives := ExtractDirectives(dropped)

	firePreCompact(sessionKey, 1, keepFrom)

	summaryText, err := summarizeDropped(dropped, summarizer)
	if err != nil {
		summaryText = fallbackSummary(dropped)
	}

	replacement := []CompletionMessage{
		messages[0],
		{
			Role:    "user",
			Content: fmt.Sprintf("CONVERSATION_HISTORY (compacted from %d messages): %s", len(dropped), summaryText),
		},
	}
	if len(directives) > 0 {
		replacement = append(replacement, CompletionMessage{
			Role:    "system",
			Content: "USER DIRECTIVES (must follow):\n- " + strings.Join(directives, "\n- "),
		})
	}
	out := append(replacement, messages[keepFrom:]...)

	beforeTokens := EstimateTokens(messages)
	afterTokens := EstimateTokens(out)

	result := CompactionResult{
		Messages:         out,
		FromTurn:         1,
		ToTurn:           keepFrom,
		TokenDelta:       beforeTokens - afterTokens,
		PinnedDirectives: directives,
	}

	event := models.NewToolEvent(models.EventContextCompacted, "", "").
		WithMeta("from_turn", result.FromTurn).
		WithMeta("to_turn", result.ToTurn).
		WithMeta("token_delta_estimate", result.TokenDelta)

	return result, event
}

func summarizeDropped(dropped []CompletionMessage, summarizer Summarizer) (string, error) {
	if summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	return summarizer.Summarize(dropped)
}

// fallbackSummary is the code-based extraction used when the structured LLM
// summarization call fails: files touched, errors seen, and tool-call
// counts pulled directly from the dropped messages.
func fallbackSummary(dropped []CompletionMessage) string {
	files := make(map[string]bool)
	errorsSeen := 0
	toolCalls := 0
	paths := buildToolCallPaths(dropped)
	for _, m := range dropped {
		for _, tc := range m.ToolCalls {
			toolCalls++
			if p := extractPathArg(tc.Input); p != "" {
				files[p] = true
			}
		}
		for _, tr := range m.ToolResults {
			if tr.IsError {
				errorsSeen++
			}
			if p := paths[tr.ToolCallID]; p != "" {
				files[p] = true
			}
		}
	}

	fileList := make([]string, 0, len(files))
	for f := range files {
		fileList = append(fileList, f)
	}

	return fmt.Sprintf(
		"Goal: (unavailable, code-based fallback). Completed: %d tool calls across %d messages. "+
			"In Progress: unknown. Key Facts: %d tool errors encountered. Key Findings: none extracted. "+
			"Modified Files: %s",
		toolCalls, len(dropped), errorsSeen, strings.Join(fileList, ", "),
	)
}

// SanitizeChatHistory implements §4.4.3: drop any Tool message not preceded
// by an Assistant carrying its tool_call id, and strip tool_calls entries
// from Assistant messages whose Tool response never arrived. Safe to call
// before every LLM request, including ones that never compacted.
func SanitizeChatHistory(messages []CompletionMessage) ([]CompletionMessage, int, int) {
	answered := make(map[string]bool)
	for _, m := range messages {
		for _, tr := range m.ToolResults {
			answered[tr.ToolCallID] = true
		}
	}

	out := make([]CompletionMessage, 0, len(messages))
	droppedTool := 0
	strippedCalls := 0

	pending := make(map[string]bool)
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			if len(m.ToolCalls) > 0 {
				kept := make([]models.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if answered[tc.ID] {
						kept = append(kept, tc)
						pending[tc.ID] = true
					} else {
						strippedCalls++
					}
				}
				m.ToolCalls = kept
			}
			out = append(out, m)
		case "tool":
			kept := make([]models.ToolResult, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				if pending[tr.ToolCallID] {
					kept = append(kept, tr)
					delete(pending, tr.ToolCallID)
				} else {
					droppedTool++
				}
			}
			if len(kept) == 0 {
				continue
			}
			m.ToolResults = kept
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}

	return out, droppedTool, strippedCalls
}

// StripStaleReasoning implements invariant 3: reasoning survives only on
// Assistant messages belonging to the current (most recent) user turn.
func StripStaleReasoning(messages []CompletionMessage) []CompletionMessage {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return messages
	}
	out := make([]CompletionMessage, len(messages))
	copy(out, messages)
	for i := 0; i < lastUser; i++ {
		if out[i].Role == "assistant" {
			out[i].Reasoning = ""
		}
	}
	return out
}

// firePreCompact fires the PreCompact hook before a compaction summary
// replaces history, matching the hook point named in §4.4.2.
func firePreCompact(sessionKey string, fromTurn, toTurn int) {
	event := hooks.NewEvent(hooks.EventPreCompact, "").
		WithSession(sessionKey).
		WithContext("from_turn", fromTurn).
		WithContext("to_turn", toTurn)
	hooks.TriggerAsync(context.Background(), event)
}
