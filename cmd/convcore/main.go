// Package main provides the CLI entry point for the convcore coding-assistant
// tool-use loop.
//
// convcore drives a single-agent conversation against an LLM provider with
// tool execution (filesystem edits, shell exec, task queueing), backed by an
// event-sourced session journal with SQLite projections.
//
// # Basic Usage
//
// Start an interactive chat session in the current directory:
//
//	convcore chat
//
// Apply event-store database migrations:
//
//	convcore migrate up
//
// Fetch this month's provider usage and cost:
//
//	convcore usage
//
// # Environment Variables
//
//   - CONVCORE_CONFIG: Path to configuration file (default: ~/.convcore/config.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
package main

import (
	"bufio"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"

	"github.com/aloundoye/convcore/internal/config"
)

var (
	version    = "dev"
	commit     = "none"
	configPath string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "convcore",
		Short:        "convcore - a tool-use agentic loop with an event-sourced session store",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to YAML configuration file")
	rootCmd.AddCommand(buildChatCmd(), buildMigrateCmd(), buildUsageCmd())
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" {
		if env := os.Getenv("CONVCORE_CONFIG"); env != "" {
			return env
		}
		return config.DefaultConfigPath()
	}
	return path
}

func buildChatCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session against the configured LLM provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runChat(ctx, cfg)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage event-store database migrations",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureEventStoreDirs(); err != nil {
				return err
			}
			db, err := openEventStoreDB(cfg.EventStore.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := newMigrator(cmd.Context(), db)
			if err != nil {
				return err
			}
			applied, err := migrator.Up(cmd.Context(), 0)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "No pending migrations.")
				return nil
			}
			fmt.Fprintln(out, "Applied:")
			for _, id := range applied {
				fmt.Fprintf(out, "  - %s\n", id)
			}
			return nil
		},
	}
}

func buildMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := openEventStoreDB(cfg.EventStore.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := newMigrator(cmd.Context(), db)
			if err != nil {
				return err
			}
			applied, all, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			appliedIDs := make(map[string]bool, len(applied))
			for _, a := range applied {
				appliedIDs[a.ID] = true
			}
			out := cmd.OutOrStdout()
			for _, m := range all {
				state := "pending"
				if appliedIDs[m.ID] {
					state = "applied"
				}
				fmt.Fprintf(out, "  %s  %s\n", state, m.ID)
			}
			return nil
		},
	}
}

func openEventStoreDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping event store db: %w", err)
	}
	return db, nil
}

func readLine(scanner *bufio.Scanner) (string, bool) {
	if !scanner.Scan() {
		return "", false
	}
	return scanner.Text(), true
}
