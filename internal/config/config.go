// Package config provides configuration loading for adwd.
//
// Configuration is loaded once at process start from an optional YAML file
// overridden by environment variables, then passed explicitly into each
// component constructor. No component reads the environment on its own.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete adwd configuration.
type Config struct {
	Paths   PathsConfig   `koanf:"paths"`
	Agent   AgentConfig   `koanf:"agent"`
	Ports   PortsConfig   `koanf:"ports"`
	GitHub  GitHubConfig  `koanf:"github"`
	Webhook WebhookConfig `koanf:"webhook"`
	Cleanup CleanupConfig `koanf:"cleanup"`
	Logging LoggingConfig `koanf:"logging"`
}

// PathsConfig locates the per-run artifact directories. AgentsDir holds
// state files and agent transcripts keyed by run id; TreesDir holds the
// isolated worktrees. Relative paths are resolved against RepoRoot.
type PathsConfig struct {
	RepoRoot  string `koanf:"repo_root"`
	AgentsDir string `koanf:"agents_dir"`
	TreesDir  string `koanf:"trees_dir"`
}

// AgentConfig configures the coding-agent CLI invocation.
type AgentConfig struct {
	// CLIPath is the agent binary, overridable via CLAUDE_CODE_PATH.
	CLIPath string `koanf:"cli_path"`
	// APIKey authenticates the agent CLI (ANTHROPIC_API_KEY).
	APIKey Secret `koanf:"api_key"`
	// Timeout bounds a single agent invocation.
	Timeout Duration `koanf:"timeout"`
	// MaxRetries caps retry attempts for retryable failure classes.
	MaxRetries int `koanf:"max_retries"`
	// ModelSet selects the model tier ("base" or "heavy").
	ModelSet string `koanf:"model_set"`
}

// PortsConfig describes the fixed port pool shared by concurrent runs.
// Each pool slot corresponds to one concurrently running isolated
// workflow, so PoolSize should exceed expected concurrency.
type PortsConfig struct {
	Base     int `koanf:"base"`
	PoolSize int `koanf:"pool_size"`
}

// GitHubConfig configures the issue-tracker collaborator.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
	// BotIdentifier prefixes every posted comment so the webhook can
	// filter our own traffic and avoid trigger loops.
	BotIdentifier string `koanf:"bot_identifier"`
}

// WebhookConfig configures the trigger server.
type WebhookConfig struct {
	Port int `koanf:"port"`
}

// CleanupConfig gates the out-of-band worktree/state deletion policy.
type CleanupConfig struct {
	MaxAgeDays int `koanf:"max_age_days"`
	// ActiveWindow is how recently a state file must have been touched
	// for its run to count as still active.
	ActiveWindow Duration `koanf:"active_window"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default port pool values. The pool is deliberately small and hash
// addressed; see internal/ports.
const (
	DefaultPortBase = 9100
	DefaultPoolSize = 15
)

func applyDefaults(cfg *Config) {
	if cfg.Paths.AgentsDir == "" {
		cfg.Paths.AgentsDir = "agents"
	}
	if cfg.Paths.TreesDir == "" {
		cfg.Paths.TreesDir = "trees"
	}
	if cfg.Agent.CLIPath == "" {
		cfg.Agent.CLIPath = "claude"
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Agent.MaxRetries == 0 {
		cfg.Agent.MaxRetries = 3
	}
	if cfg.Agent.ModelSet == "" {
		cfg.Agent.ModelSet = "base"
	}
	if cfg.Ports.Base == 0 {
		cfg.Ports.Base = DefaultPortBase
	}
	if cfg.Ports.PoolSize == 0 {
		cfg.Ports.PoolSize = DefaultPoolSize
	}
	if cfg.GitHub.BotIdentifier == "" {
		cfg.GitHub.BotIdentifier = "[ADW-AGENTS]"
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8001
	}
	if cfg.Cleanup.MaxAgeDays == 0 {
		cfg.Cleanup.MaxAgeDays = 7
	}
	if cfg.Cleanup.ActiveWindow == 0 {
		cfg.Cleanup.ActiveWindow = Duration(24 * time.Hour)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate checks the configuration for values that would break a
// pipeline at runtime.
func (c *Config) Validate() error {
	if c.Paths.RepoRoot == "" {
		return errors.New("paths.repo_root is required")
	}
	if c.Ports.Base < 1024 || c.Ports.Base > 65535 {
		return fmt.Errorf("invalid ports.base: %d (must be 1024-65535)", c.Ports.Base)
	}
	if c.Ports.PoolSize < 1 {
		return fmt.Errorf("invalid ports.pool_size: %d (must be >= 1)", c.Ports.PoolSize)
	}
	if c.Ports.Base+c.Ports.PoolSize > 65536 {
		return fmt.Errorf("port pool [%d, %d) exceeds the valid port range",
			c.Ports.Base, c.Ports.Base+c.Ports.PoolSize)
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("invalid agent.max_retries: %d", c.Agent.MaxRetries)
	}
	if c.Agent.Timeout.Duration() <= 0 {
		return errors.New("agent.timeout must be positive")
	}
	if c.Agent.ModelSet != "base" && c.Agent.ModelSet != "heavy" {
		return fmt.Errorf("invalid agent.model_set: %q (must be base or heavy)", c.Agent.ModelSet)
	}
	if c.Webhook.Port < 1 || c.Webhook.Port > 65535 {
		return fmt.Errorf("invalid webhook.port: %d", c.Webhook.Port)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format: %q (must be console or json)", c.Logging.Format)
	}
	return nil
}

// AgentsRoot returns the absolute path of the per-run artifact root.
func (c *Config) AgentsRoot() string {
	return c.resolve(c.Paths.AgentsDir)
}

// TreesRoot returns the absolute path of the worktree root.
func (c *Config) TreesRoot() string {
	return c.resolve(c.Paths.TreesDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.RepoRoot, p)
}
