// Package tasks implements the task_create/task_list/task_get/task_output
// agent-level tools backing the task_queue event-store projection.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aloundoye/convcore/internal/agent"
	"github.com/aloundoye/convcore/internal/eventstore"
	"github.com/google/uuid"
)

// Store is the subset of *eventstore.Store these tools need; defined as an
// interface so tests can substitute a fake without standing up SQLite.
type Store interface {
	Append(ctx context.Context, env eventstore.EventEnvelope) (eventstore.EventEnvelope, error)
	TaskList(ctx context.Context, sessionID string) ([]eventstore.TaskRecord, error)
	TaskGet(ctx context.Context, sessionID, taskID string) (eventstore.TaskRecord, error)
}

func toolError(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}

// CreateTool implements task_create: queue a task for a subagent worker.
type CreateTool struct {
	store Store
}

func NewCreateTool(store Store) *CreateTool { return &CreateTool{store: store} }

func (t *CreateTool) Name() string { return "task_create" }

func (t *CreateTool) Description() string {
	return "Queue a task for a subagent worker to pick up, optionally in the background."
}

func (t *CreateTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_name": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the task (3-5 words).",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to work on.",
			},
			"subagent_type": map[string]interface{}{
				"type":        "string",
				"description": "explore | plan | bash | general-purpose",
			},
			"run_in_background": map[string]interface{}{
				"type":        "boolean",
				"description": "If true, returns immediately with a task_id to poll.",
			},
		},
		"required": []string{"prompt"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *CreateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		TaskName        string `json:"task_name"`
		Prompt          string `json:"prompt"`
		SubagentType    string `json:"subagent_type"`
		RunInBackground bool   `json:"run_in_background"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	session := agent.SessionFromContext(ctx)
	if session == nil {
		return toolError("no session context"), nil
	}

	taskID := uuid.NewString()
	_, err := t.store.Append(ctx, eventstore.NewEnvelope(session.ID, eventstore.TaskQueued(eventstore.TaskQueuedPayload{
		TaskID:          taskID,
		TaskName:        input.TaskName,
		Prompt:          input.Prompt,
		SubagentType:    input.SubagentType,
		RunInBackground: input.RunInBackground,
	})))
	if err != nil {
		return toolError(fmt.Sprintf("queue task: %v", err)), nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"task_id": taskID,
		"status":  "queued",
	})
	return &agent.ToolResult{Content: string(payload)}, nil
}

// ListTool implements task_list: enumerate tasks queued in this session.
type ListTool struct {
	store Store
}

func NewListTool(store Store) *ListTool { return &ListTool{store: store} }

func (t *ListTool) Name() string { return "task_list" }

func (t *ListTool) Description() string { return "List tasks queued in the current session." }

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	session := agent.SessionFromContext(ctx)
	if session == nil {
		return toolError("no session context"), nil
	}
	records, err := t.store.TaskList(ctx, session.ID)
	if err != nil {
		return toolError(fmt.Sprintf("list tasks: %v", err)), nil
	}

	items := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		items = append(items, map[string]interface{}{
			"task_id":       r.TaskID,
			"task_name":     r.TaskName,
			"status":        r.Status,
			"subagent_type": r.SubagentType,
		})
	}
	payload, _ := json.Marshal(map[string]interface{}{"tasks": items})
	return &agent.ToolResult{Content: string(payload)}, nil
}

// GetTool implements task_get: look up a single task's status and output.
type GetTool struct {
	store Store
}

func NewGetTool(store Store) *GetTool { return &GetTool{store: store} }

func (t *GetTool) Name() string { return "task_get" }

func (t *GetTool) Description() string { return "Get a task's current status and output by id." }

func (t *GetTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{"type": "string"},
		},
		"required": []string{"task_id"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *GetTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.TaskID == "" {
		return toolError("task_id is required"), nil
	}

	session := agent.SessionFromContext(ctx)
	if session == nil {
		return toolError("no session context"), nil
	}
	record, err := t.store.TaskGet(ctx, session.ID, input.TaskID)
	if err != nil {
		return toolError(fmt.Sprintf("task not found: %s", input.TaskID)), nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"task_id":       record.TaskID,
		"task_name":     record.TaskName,
		"status":        record.Status,
		"subagent_type": record.SubagentType,
		"output":        record.Output,
	})
	return &agent.ToolResult{Content: string(payload)}, nil
}

// OutputTool implements task_output: fetch only a completed task's output,
// distinct from task_get's full status payload for a caller that only
// wants to read back what a background task produced.
type OutputTool struct {
	store Store
}

func NewOutputTool(store Store) *OutputTool { return &OutputTool{store: store} }

func (t *OutputTool) Name() string { return "task_output" }

func (t *OutputTool) Description() string {
	return "Fetch the output a completed background task produced."
}

func (t *OutputTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{"type": "string"},
		},
		"required": []string{"task_id"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *OutputTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.TaskID == "" {
		return toolError("task_id is required"), nil
	}

	session := agent.SessionFromContext(ctx)
	if session == nil {
		return toolError("no session context"), nil
	}
	record, err := t.store.TaskGet(ctx, session.ID, input.TaskID)
	if err != nil {
		return toolError(fmt.Sprintf("task not found: %s", input.TaskID)), nil
	}
	if record.Status != "completed" && record.Status != "failed" {
		return toolError(fmt.Sprintf("task %s is still %s", input.TaskID, record.Status)), nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"task_id": record.TaskID,
		"status":  record.Status,
		"output":  record.Output,
	})
	return &agent.ToolResult{Content: string(payload)}, nil
}
