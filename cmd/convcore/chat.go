package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/aloundoye/convcore/internal/agent"
	"github.com/aloundoye/convcore/internal/agent/providers"
	"github.com/aloundoye/convcore/internal/config"
	"github.com/aloundoye/convcore/internal/eventstore"
	"github.com/aloundoye/convcore/internal/hooks"
	"github.com/aloundoye/convcore/internal/observability"
	"github.com/aloundoye/convcore/internal/sessions"
	"github.com/aloundoye/convcore/internal/tools/exec"
	"github.com/aloundoye/convcore/internal/tools/files"
	"github.com/aloundoye/convcore/internal/tools/tasks"
	"github.com/aloundoye/convcore/pkg/models"
)

// runChat starts a REPL: each line from stdin becomes a user message sent
// through the agentic loop, whose streamed response chunks print to stdout
// until the turn finishes or ctx is cancelled.
func runChat(ctx context.Context, cfg *config.Config) error {
	if err := cfg.EnsureEventStoreDirs(); err != nil {
		return err
	}

	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey,
		DefaultModel: cfg.Anthropic.DefaultModel,
		MaxRetries:   cfg.Anthropic.MaxRetries,
		RetryDelay:   cfg.Anthropic.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("create anthropic provider: %w", err)
	}

	db, err := openEventStoreDB(cfg.EventStore.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := newMigrator(ctx, db)
	if err != nil {
		return fmt.Errorf("prepare event store schema: %w", err)
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		return fmt.Errorf("apply event store migrations: %w", err)
	}

	journal, err := eventstore.OpenJournal(cfg.EventStore.JournalPath)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	eventStore, err := eventstore.NewStore(db, journal)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	metrics := observability.NewMetrics()
	toolHooks := hooks.NewToolHookManager(hooks.NewRegistry(slog.Default()), slog.Default())

	timelineStore := observability.NewMemoryEventStore(10000)
	timelineRecorder := observability.NewEventRecorder(timelineStore, nil)

	runtime := agent.NewAgenticRuntime(provider, sessions.NewMemoryStore(), &agent.LoopConfig{
		MaxIterations:       cfg.Loop.MaxIterations,
		MaxTokens:           cfg.Loop.MaxTokens,
		ContextWindowTokens: cfg.Loop.ContextWindowTokens,
		MaxBudgetUSD:        cfg.Loop.MaxBudgetUSD,
		CostWarnUSD:         cfg.Loop.CostWarnUSD,
		CostPricing:         cfg.Loop.CostPricing,
		EventStore:          eventStore,
		Metrics:             metrics,
		ToolHooks:           toolHooks,
		BranchStore:         sessions.NewMemoryBranchStore(),
		EventRecorder:       timelineRecorder,
		CheckpointCallback:  checkpointCallback(eventStore),
	})
	runtime.SetDefaultModel(cfg.Anthropic.DefaultModel)
	runtime.SetSystemPrompt("You are a careful coding assistant operating inside a local workspace.")

	registerTools(runtime, cfg, eventStore)

	session := &models.Session{
		ID:      uuid.NewString(),
		AgentID: "convcore",
		Key:     sessions.SessionKey("convcore", "cli:local"),
	}

	if _, err := eventStore.Append(ctx, eventstore.NewEnvelope(session.ID, eventstore.SessionStarted(cfg.Workspace.Path, ""))); err != nil {
		slog.Warn("failed to append session_started event", "error", err)
	}

	fmt.Println("convcore chat — type your message, :timeline to inspect this run, Ctrl+D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		line, ok := readLine(scanner)
		if !ok {
			fmt.Println()
			return nil
		}
		if line == "" {
			continue
		}
		if line == ":timeline" {
			printTimeline(timelineStore, session.ID)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   line,
		}

		chunks, err := runtime.Process(agent.WithSession(ctx, session), session, msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printChunks(chunks)
	}
}

// checkpointCallback records a checkpoint_created event before a write tool
// executes (spec §4.6.2 step 8), extracting the path the tool is about to
// modify from its "path" input field when present. A non-nil return denies
// the write, so an event-store append failure here blocks the tool call
// rather than letting an unrecorded write through.
func checkpointCallback(store *eventstore.Store) func(ctx context.Context, session *models.Session, tc models.ToolCall) error {
	return func(ctx context.Context, session *models.Session, tc models.ToolCall) error {
		var paths []string
		var input struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(tc.Input, &input); err == nil && input.Path != "" {
			paths = []string{input.Path}
		}
		_, err := store.Append(ctx, eventstore.NewEnvelope(session.ID, eventstore.CheckpointCreated(eventstore.CheckpointCreatedPayload{
			CheckpointID: uuid.NewString(),
			Reason:       "pre-write:" + tc.Name,
			Paths:        paths,
		})))
		return err
	}
}

// printTimeline renders the debug replay timeline recorded for this run so
// far: every run/tool start-end event the loop's EventRecorder has captured.
func printTimeline(store *observability.MemoryEventStore, runID string) {
	events, err := store.GetByRunID(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "timeline error: %v\n", err)
		return
	}
	fmt.Print(observability.FormatTimeline(observability.BuildTimeline(events)))
}

func printChunks(chunks <-chan *agent.ResponseChunk) {
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Thinking != "" {
			fmt.Print(chunk.Thinking)
		}
		if chunk.Text != "" {
			fmt.Print(chunk.Text)
		}
		if chunk.ToolEvent != nil {
			fmt.Printf("\n[tool:%s %s]\n", chunk.ToolEvent.ToolName, chunk.ToolEvent.Stage)
		}
		if chunk.SecurityWarning != "" {
			fmt.Printf("\n[warning] %s\n", chunk.SecurityWarning)
		}
		if chunk.Error != nil {
			fmt.Printf("\n[error] %v\n", chunk.Error)
		}
	}
	fmt.Println()
}

func registerTools(runtime *agent.AgenticRuntime, cfg *config.Config, store *eventstore.Store) {
	fileCfg := files.Config{Workspace: cfg.Workspace.Path}
	runtime.RegisterTool(files.NewReadTool(fileCfg))
	runtime.RegisterTool(files.NewWriteTool(fileCfg))
	runtime.RegisterTool(files.NewEditTool(fileCfg))
	runtime.RegisterTool(files.NewApplyPatchTool(fileCfg))

	execManager := exec.NewManager(cfg.Workspace.Path)
	runtime.RegisterTool(exec.NewExecTool("exec", execManager))
	runtime.RegisterTool(exec.NewProcessTool(execManager))

	runtime.RegisterTool(tasks.NewCreateTool(store))
	runtime.RegisterTool(tasks.NewListTool(store))
	runtime.RegisterTool(tasks.NewGetTool(store))
	runtime.RegisterTool(tasks.NewOutputTool(store))
}
