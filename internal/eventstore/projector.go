package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
)

// project applies one envelope's effect to the relational projections.
// Every statement is an upsert keyed by the event's natural id (or, absent
// one, by session_id+seq_no) so re-applying the same envelope during a
// recovery replay is a no-op rather than a duplicate row (§4.1 "idempotent
// per seq_no").
func project(ctx context.Context, tx *sql.Tx, env EventEnvelope) error {
	switch env.Kind.Type {
	case KindSessionStarted:
		var p SessionStartedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, workspace_root, baseline_commit, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'idle', $4, $4)
			ON CONFLICT (session_id) DO UPDATE SET
				workspace_root = EXCLUDED.workspace_root,
				baseline_commit = EXCLUDED.baseline_commit,
				updated_at = EXCLUDED.updated_at
		`, env.SessionID, p.WorkspaceRoot, p.BaselineCommit, env.At)
		return err

	case KindSessionStateChanged:
		var p SessionStateChangedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, workspace_root, status, created_at, updated_at)
			VALUES ($1, '', $2, $3, $3)
			ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		`, env.SessionID, p.To, env.At); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO permission_mode_log (session_id, from_mode, to_mode, reason, changed_at)
			VALUES ($1, $2, $3, '', $4)
		`, env.SessionID, p.From, p.To, env.At)
		return err

	case KindPlanCreated:
		var p PlanCreatedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		steps := p.Steps
		if len(steps) == 0 {
			steps = json.RawMessage(`[]`)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plans (plan_id, session_id, title, steps_json, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'active', $5, $5)
			ON CONFLICT (plan_id) DO UPDATE SET
				title = EXCLUDED.title, steps_json = EXCLUDED.steps_json, updated_at = EXCLUDED.updated_at
		`, p.PlanID, env.SessionID, p.Title, string(steps), env.At)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE sessions SET active_plan_id = $1, updated_at = $2 WHERE session_id = $3
			`, p.PlanID, env.At, env.SessionID)
		}
		return err

	case KindToolProposed:
		var p ToolProposedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, session_id, tool_name, input_json, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, p.InvocationID, env.SessionID, p.ToolName, string(p.Arguments), env.At)
		return err

	case KindToolApproved:
		var p ToolApprovedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals_ledger (id, session_id, tool_name, args_json, approved, decided_by, decided_at)
			VALUES ($1, $2, '', '{}', $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET approved = EXCLUDED.approved, decided_by = EXCLUDED.decided_by
		`, p.InvocationID, env.SessionID, p.Approved, p.DecidedBy, env.At)
		return err

	case KindToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		output := p.Output
		if len(output) == 0 {
			output = json.RawMessage(`null`)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_results (session_id, tool_call_id, is_error, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, env.SessionID, p.ToolCallID, !p.Success, string(output), env.At)
		return err

	case KindUsageUpdated:
		var p UsageUpdatedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_ledger (session_id, model, prompt_tokens, completion_tokens, cache_hit_tokens, cache_miss_tokens, reasoning_tokens, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, env.SessionID, p.Model, p.PromptTokens, p.CompletionTokens, p.PromptCacheHitTokens, p.PromptCacheMissTokens, p.ReasoningTokens, env.At)
		return err

	case KindCostRecorded:
		var p CostRecordedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cost_ledger (session_id, usd, over_budget, warned, recorded_at)
			VALUES ($1, $2, $3, $4, $5)
		`, env.SessionID, p.USD, p.OverBudget, p.Warned, env.At)
		return err

	case KindContextCompacted:
		var p ContextCompactedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO context_compactions (session_id, from_turn, to_turn, token_delta_estimate, summary, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, env.SessionID, p.FromTurn, p.ToTurn, p.TokenDeltaEstimate, p.Summary, env.At)
		return err

	case KindCheckpointCreated:
		var p CheckpointCreatedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		paths, _ := json.Marshal(p.Paths)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, session_id, reason, paths_json, commit_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, p.CheckpointID, env.SessionID, p.Reason, string(paths), p.CommitRef, env.At)
		return err

	case KindHookExecuted:
		var p HookExecutedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hook_executions (session_id, event, blocked, block_reason, duration_ms, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, env.SessionID, p.Event, p.Blocked, p.BlockReason, p.DurationMS, env.At)
		return err

	case KindSubagentStarted:
		var p SubagentStartedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO subagent_runs (id, session_id, task_name, subagent_type, model_override, status, started_at)
			VALUES ($1, $2, $3, $4, $5, 'running', $6)
			ON CONFLICT (id) DO NOTHING
		`, p.RunID, env.SessionID, p.TaskName, p.SubagentType, p.ModelOverride, env.At)
		return err

	case KindSubagentFinished:
		var p SubagentFinishedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE subagent_runs SET status = $1, finished_at = $2 WHERE id = $3
		`, p.Status, env.At, p.RunID)
		return err

	case KindTaskQueued:
		var p TaskQueuedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue (task_id, session_id, task_name, prompt, subagent_type, status, run_in_background, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $7)
			ON CONFLICT (task_id) DO NOTHING
		`, p.TaskID, env.SessionID, p.TaskName, p.Prompt, p.SubagentType, p.RunInBackground, env.At)
		return err

	case KindTaskUpdated:
		var p TaskUpdatedPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE task_queue SET status = $1, output = $2, updated_at = $3 WHERE task_id = $4
		`, p.Status, p.Output, env.At, p.TaskID)
		return err

	case KindVerificationRun:
		var p VerificationRunPayload
		if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verification_runs (id, session_id, command, success, output, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (id) DO UPDATE SET success = EXCLUDED.success, output = EXCLUDED.output, finished_at = EXCLUDED.finished_at
		`, p.RunID, env.SessionID, p.Command, p.Success, p.Output, env.At)
		return err

	case KindChatTurn, KindTurnAdded, KindApprovalDecided, KindCircuitBreakerTripped, KindDoomLoopTriggered:
		// These drive in-memory replay (Rebuild) only; they have no dedicated
		// relational projection beyond the raw events row already inserted
		// by Append. Returning nil here is intentional, not an omission.
		return nil

	default:
		// Unknown/forward-compatible kind: the raw row in `events` is the
		// only record, matching §6.5's "readers tolerate unknown kinds".
		return nil
	}
}
