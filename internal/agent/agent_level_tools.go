package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aloundoye/convcore/pkg/models"
)

// handleAgentLevelTool implements spec §4.6.2 step 1 / §4.6.4: a tool call
// the loop answers itself rather than handing to the tool host. It never
// touches the circuit breaker, result cache, policy resolver, or approval
// checker — those gates apply only to tools the tool host executes.
func (l *AgenticLoop) handleAgentLevelTool(ctx context.Context, state *LoopState, tc models.ToolCall) models.ToolResult {
	switch canonicalToolName(tc.Name) {
	case "extended_thinking", "think_deeply":
		state.Safety.escalation.ForceEscalate()
		return models.ToolResult{
			ToolCallID: tc.ID,
			Content:    "extended thinking engaged: the next turns route to the reasoning model with an enlarged thinking budget",
		}

	case "user_question":
		question := toolArgString(tc.Input, "question")
		if question == "" {
			question = toolArgString(tc.Input, "prompt")
		}
		if queue := SteeringQueueFromContext(ctx); queue != nil && question != "" {
			queue.FollowUpText(question)
		}
		return models.ToolResult{
			ToolCallID: tc.ID,
			Content:    "question recorded; the loop will surface it and wait for the user's next message",
		}

	case "spawn_task":
		// spawn_task is the spec's name for handing work to a background
		// task; this codebase's concrete task host answers to task_create.
		if tool, ok := l.executor.registry.Get("task_create"); ok {
			return l.runAgentLevelTool(ctx, tool, tc)
		}
		return models.ToolResult{ToolCallID: tc.ID, Content: "no task host configured; spawn_task is a no-op", IsError: true}

	case "task_create", "task_list", "task_get", "task_output":
		if tool, ok := l.executor.registry.Get(canonicalToolName(tc.Name)); ok {
			return l.runAgentLevelTool(ctx, tool, tc)
		}
		return models.ToolResult{ToolCallID: tc.ID, Content: fmt.Sprintf("no task host configured for %s", tc.Name), IsError: true}

	case "skill":
		return models.ToolResult{
			ToolCallID: tc.ID,
			Content:    "no skill runner is configured for this agent",
			IsError:    true,
		}

	case "enter_plan_mode":
		state.PlanMode = true
		return models.ToolResult{
			ToolCallID: tc.ID,
			Content:    "plan mode engaged: write tools are held for approval until exit_plan_mode is called",
		}

	case "exit_plan_mode":
		state.PlanMode = false
		return models.ToolResult{ToolCallID: tc.ID, Content: "plan mode ended"}

	default:
		return models.ToolResult{ToolCallID: tc.ID, Content: "unrecognized agent-level tool: " + tc.Name, IsError: true}
	}
}

// runAgentLevelTool executes a registered tool directly through the
// executor's single-call path, bypassing the circuit breaker/cache/policy/
// approval gates that only apply to tool-host dispatch.
func (l *AgenticLoop) runAgentLevelTool(ctx context.Context, tool Tool, tc models.ToolCall) models.ToolResult {
	res := l.executor.Execute(ctx, tc)
	if res == nil {
		return models.ToolResult{ToolCallID: tc.ID, Content: "tool execution failed", IsError: true}
	}
	if res.Error != nil {
		return models.ToolResult{ToolCallID: tc.ID, Content: res.Error.Error(), IsError: true}
	}
	if res.Result == nil {
		return models.ToolResult{ToolCallID: tc.ID, Content: "", IsError: false}
	}
	return models.ToolResult{
		ToolCallID: tc.ID,
		Content:    res.Result.Content,
		IsError:    res.Result.IsError,
	}
}

// toolArgString extracts a single string field from a tool call's raw
// JSON input, returning "" on any decode failure or missing key.
func toolArgString(input json.RawMessage, key string) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	v, ok := args[key].(string)
	if !ok {
		return ""
	}
	return v
}
