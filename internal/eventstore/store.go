package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// appendMu is the one process-wide singleton mutex named in §5: every Store
// in the process serializes through it on the append critical section
// (journal write + DB insert), preserving seq_no ordering even if a caller
// somehow constructs more than one Store over the same journal/db pair.
var appendMu sync.Mutex

// Store is the event-sourced session store: an append-only Journal plus its
// SQLite projections (§4.1, §6.6).
type Store struct {
	db      *sql.DB
	journal *Journal

	seqMu sync.Mutex
	seq   map[string]int64
}

// NewStore wires a Store over an already-migrated *sql.DB and an open
// Journal. Callers own migration (see sessions.Migrator) and WAL-mode setup.
func NewStore(db *sql.DB, journal *Journal) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	return &Store{db: db, journal: journal, seq: map[string]int64{}}, nil
}

// NextSeqNo returns MAX(seq_no)+1 for the session, consulting the DB once
// per session and caching thereafter; Append keeps the cache current.
func (s *Store) NextSeqNo(ctx context.Context, sessionID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.nextSeqNoLocked(ctx, sessionID)
}

func (s *Store) nextSeqNoLocked(ctx context.Context, sessionID string) (int64, error) {
	if n, ok := s.seq[sessionID]; ok {
		return n, nil
	}
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq_no) FROM events WHERE session_id = $1`, sessionID).Scan(&maxSeq); err != nil {
		return 0, persistErr("next_seq_no", err)
	}
	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}
	s.seq[sessionID] = next
	return next, nil
}

// Append serializes env to the journal, assigns its SeqNo, inserts the
// events row, and folds it into the relational projections — all inside
// the process-wide append mutex so seq_no stays strictly increasing per
// session (invariant 4) even under concurrent callers.
func (s *Store) Append(ctx context.Context, env EventEnvelope) (EventEnvelope, error) {
	appendMu.Lock()
	defer appendMu.Unlock()

	s.seqMu.Lock()
	seq, err := s.nextSeqNoLocked(ctx, env.SessionID)
	if err != nil {
		s.seqMu.Unlock()
		return env, err
	}
	env.SeqNo = seq
	s.seq[env.SessionID] = seq + 1
	s.seqMu.Unlock()

	if err := s.journal.Append(env); err != nil {
		return env, persistErr("journal_append", err)
	}

	payload, err := json.Marshal(env.Kind)
	if err != nil {
		return env, persistErr("marshal_kind", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return env, persistErr("begin_tx", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (seq_no, session_id, at, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq_no) DO NOTHING
	`, env.SeqNo, env.SessionID, env.At, env.Kind.Type, string(payload)); err != nil {
		_ = tx.Rollback()
		return env, persistErr("insert_event", err)
	}
	if err := project(ctx, tx, env); err != nil {
		_ = tx.Rollback()
		return env, persistErr("project", err)
	}
	if err := tx.Commit(); err != nil {
		return env, persistErr("commit", err)
	}
	return env, nil
}

// Projection is the replayed view of a session produced by Rebuild.
type Projection struct {
	Messages             []ReplayMessage
	LatestPlanID         string
	UsageTotals          UsageUpdatedPayload
	AppliedPatches       []string
	ApprovedInvocations  []string
	PermissionMode       string
	TranscriptLines      []string
}

// ReplayMessage is the flattened chat-turn shape Rebuild produces; callers
// (the tool-use loop's resume path) convert this into their own message
// representation (agent.CompletionMessage in this codebase).
type ReplayMessage struct {
	Role        string
	Content     string
	Reasoning   string
	ToolCalls   json.RawMessage
	ToolResults json.RawMessage
}

// Rebuild streams the journal filtered by session and folds it through the
// same projection rules Append uses, in memory, producing the structure a
// resumed tool-use loop needs (§4.1 "rebuild").
func (s *Store) Rebuild(ctx context.Context, sessionID string) (Projection, error) {
	envelopes, err := s.journal.ReadAll()
	if err != nil {
		return Projection{}, persistErr("read_journal", err)
	}

	proj := Projection{PermissionMode: "default"}
	for _, env := range envelopes {
		if env.SessionID != sessionID {
			continue
		}
		switch env.Kind.Type {
		case KindChatTurn:
			var p ChatTurnPayload
			if err := json.Unmarshal(env.Kind.Payload, &p); err != nil {
				continue
			}
			proj.Messages = append(proj.Messages, ReplayMessage{
				Role: p.Role, Content: p.Content, Reasoning: p.Reasoning,
				ToolCalls: p.ToolCalls, ToolResults: p.ToolResults,
			})
			proj.TranscriptLines = append(proj.TranscriptLines, fmt.Sprintf("%s: %s", p.Role, p.Content))

		case KindPlanCreated:
			var p PlanCreatedPayload
			if err := json.Unmarshal(env.Kind.Payload, &p); err == nil {
				proj.LatestPlanID = p.PlanID
			}

		case KindUsageUpdated:
			var p UsageUpdatedPayload
			if err := json.Unmarshal(env.Kind.Payload, &p); err == nil {
				proj.UsageTotals.PromptTokens += p.PromptTokens
				proj.UsageTotals.CompletionTokens += p.CompletionTokens
				proj.UsageTotals.PromptCacheHitTokens += p.PromptCacheHitTokens
				proj.UsageTotals.PromptCacheMissTokens += p.PromptCacheMissTokens
				proj.UsageTotals.ReasoningTokens += p.ReasoningTokens
			}

		case KindToolResult:
			var p ToolResultPayload
			if err := json.Unmarshal(env.Kind.Payload, &p); err == nil && p.Success {
				proj.AppliedPatches = append(proj.AppliedPatches, p.ModifiedPaths...)
			}

		case KindToolApproved:
			var p ToolApprovedPayload
			if err := json.Unmarshal(env.Kind.Payload, &p); err == nil && p.Approved {
				proj.ApprovedInvocations = append(proj.ApprovedInvocations, p.InvocationID)
			}

		case KindSessionStateChanged:
			var p SessionStateChangedPayload
			if err := json.Unmarshal(env.Kind.Payload, &p); err == nil {
				proj.PermissionMode = p.To
			}
		}
	}
	return proj, nil
}

// CostTotal returns the session's cumulative recorded cost in USD.
func (s *Store) CostTotal(ctx context.Context, sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(usd) FROM cost_ledger WHERE session_id = $1`, sessionID).Scan(&total)
	if err != nil {
		return 0, persistErr("cost_total", err)
	}
	return total.Float64, nil
}

// UsageSummary returns per-model aggregated token usage for a session.
type UsageSummary struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

func (s *Store) UsageSummary(ctx context.Context, sessionID string) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, SUM(prompt_tokens), SUM(completion_tokens), SUM(reasoning_tokens)
		FROM usage_ledger WHERE session_id = $1 GROUP BY model
	`, sessionID)
	if err != nil {
		return nil, persistErr("usage_summary", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Model, &u.PromptTokens, &u.CompletionTokens, &u.ReasoningTokens); err != nil {
			return nil, persistErr("usage_summary_scan", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// VerificationHistory returns verification runs for a session, newest last.
func (s *Store) VerificationHistory(ctx context.Context, sessionID string) ([]VerificationRunPayload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, success, output FROM verification_runs
		WHERE session_id = $1 ORDER BY started_at ASC
	`, sessionID)
	if err != nil {
		return nil, persistErr("verification_history", err)
	}
	defer rows.Close()

	var out []VerificationRunPayload
	for rows.Next() {
		var v VerificationRunPayload
		var output sql.NullString
		if err := rows.Scan(&v.RunID, &v.Command, &v.Success, &output); err != nil {
			return nil, persistErr("verification_history_scan", err)
		}
		v.Output = output.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// CheckpointList returns checkpoints for a session, newest last.
func (s *Store) CheckpointList(ctx context.Context, sessionID string) ([]CheckpointCreatedPayload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reason, paths_json, commit_ref FROM checkpoints
		WHERE session_id = $1 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, persistErr("checkpoint_list", err)
	}
	defer rows.Close()

	var out []CheckpointCreatedPayload
	for rows.Next() {
		var c CheckpointCreatedPayload
		var paths string
		var commitRef sql.NullString
		if err := rows.Scan(&c.CheckpointID, &c.Reason, &paths, &commitRef); err != nil {
			return nil, persistErr("checkpoint_list_scan", err)
		}
		_ = json.Unmarshal([]byte(paths), &c.Paths)
		c.CommitRef = commitRef.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// SubagentRuns returns subagent runs started within a session.
func (s *Store) SubagentRuns(ctx context.Context, sessionID string) ([]SubagentStartedPayload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, subagent_type, model_override FROM subagent_runs
		WHERE session_id = $1 ORDER BY started_at ASC
	`, sessionID)
	if err != nil {
		return nil, persistErr("subagent_runs", err)
	}
	defer rows.Close()

	var out []SubagentStartedPayload
	for rows.Next() {
		var r SubagentStartedPayload
		var taskName, subagentType, modelOverride sql.NullString
		if err := rows.Scan(&r.RunID, &taskName, &subagentType, &modelOverride); err != nil {
			return nil, persistErr("subagent_runs_scan", err)
		}
		r.TaskName, r.SubagentType, r.ModelOverride = taskName.String, subagentType.String, modelOverride.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskRecord is a row of the task_queue projection, returned by TaskList
// and TaskGet to back the task_create/task_list/task_get/task_output tools.
type TaskRecord struct {
	TaskID          string
	TaskName        string
	Prompt          string
	SubagentType    string
	Status          string
	RunInBackground bool
	Output          string
	CreatedAt       string
	UpdatedAt       string
}

// TaskList returns every task queued within a session, oldest first.
func (s *Store) TaskList(ctx context.Context, sessionID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_name, prompt, subagent_type, status, run_in_background, output, created_at, updated_at
		FROM task_queue WHERE session_id = $1 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, persistErr("task_list", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var taskName, subagentType, output sql.NullString
		if err := rows.Scan(&t.TaskID, &taskName, &t.Prompt, &subagentType, &t.Status, &t.RunInBackground, &output, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, persistErr("task_list_scan", err)
		}
		t.TaskName, t.SubagentType, t.Output = taskName.String, subagentType.String, output.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskGet returns a single task by id, scoped to a session.
func (s *Store) TaskGet(ctx context.Context, sessionID, taskID string) (TaskRecord, error) {
	var t TaskRecord
	var taskName, subagentType, output sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, task_name, prompt, subagent_type, status, run_in_background, output, created_at, updated_at
		FROM task_queue WHERE session_id = $1 AND task_id = $2
	`, sessionID, taskID)
	if err := row.Scan(&t.TaskID, &taskName, &t.Prompt, &subagentType, &t.Status, &t.RunInBackground, &output, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return TaskRecord{}, persistErr("task_get", err)
	}
	t.TaskName, t.SubagentType, t.Output = taskName.String, subagentType.String, output.String
	return t, nil
}

// Close closes the underlying journal. The *sql.DB is owned by the caller.
func (s *Store) Close() error {
	return s.journal.Close()
}
