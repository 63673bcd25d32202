// Package config loads the YAML configuration for the convcore binary:
// workspace location, the LLM provider, the safety-monitor budget knobs,
// and the event-store/journal paths the tool-use loop persists through.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aloundoye/convcore/internal/usage"
)

// Config is the top-level configuration for a convcore run.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Loop       LoopConfig       `yaml:"loop"`
	EventStore EventStoreConfig `yaml:"event_store"`
	Server     ServerConfig     `yaml:"server"`
}

// WorkspaceConfig points at the directory the filesystem/exec tools operate in.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// AnthropicConfig configures the LLM provider backing the loop.
type AnthropicConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// LoopConfig configures the tool-use loop's iteration, budget, and context
// window knobs (spec §4.3.5, §4.5).
type LoopConfig struct {
	MaxIterations       int                      `yaml:"max_iterations"`
	MaxTokens           int                      `yaml:"max_tokens"`
	ContextWindowTokens int                      `yaml:"context_window_tokens"`
	MaxBudgetUSD        *float64                 `yaml:"max_budget_usd"`
	CostWarnUSD         float64                  `yaml:"cost_warn_usd"`
	CostPricing         usage.CostTrackerPricing `yaml:"cost_pricing"`
}

// EventStoreConfig locates the durable journal and its SQLite projections.
type EventStoreConfig struct {
	JournalPath  string `yaml:"journal_path"`
	DatabasePath string `yaml:"database_path"`
}

// ServerConfig configures the metrics/health HTTP endpoint.
type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Default returns a Config with workable defaults for a local run.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Path: "."},
		Anthropic: AnthropicConfig{
			DefaultModel: "claude-sonnet-4-20250514",
			MaxRetries:   3,
			RetryDelay:   time.Second,
		},
		Loop: LoopConfig{
			MaxIterations:       10,
			MaxTokens:           4096,
			ContextWindowTokens: 180000,
			CostWarnUSD:         1.0,
			CostPricing: usage.CostTrackerPricing{
				PricePerMillionInput:  3.0,
				PricePerMillionOutput: 15.0,
				CacheDiscount:         0.1,
			},
		},
		EventStore: EventStoreConfig{
			JournalPath:  ".convcore/journal.ndjson",
			DatabasePath: ".convcore/convcore.db",
		},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			MetricsPort: 0,
		},
	}
}

// Load reads a YAML config file at path, merging it over Default(). A
// missing file is not an error — the caller gets the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return cfg, nil
}

// EnsureEventStoreDirs creates the parent directories for the journal and
// database paths so a fresh workspace doesn't fail on first run.
func (c *Config) EnsureEventStoreDirs() error {
	for _, p := range []string{c.EventStore.JournalPath, c.EventStore.DatabasePath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", p, err)
		}
	}
	return nil
}

// DefaultConfigPath returns ~/.convcore/config.yaml, matching the
// profile-relative layout the rest of the tree expects.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "convcore.yaml"
	}
	return filepath.Join(home, ".convcore", "config.yaml")
}
