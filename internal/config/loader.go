package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "ADW_"
)

// Load builds the configuration for a pipeline process.
//
// Precedence (highest to lowest):
//  1. Well-known environment variables (ANTHROPIC_API_KEY, GITHUB_PAT,
//     CLAUDE_CODE_PATH)
//  2. ADW_-prefixed environment variables (ADW_PORTS_BASE -> ports.base)
//  3. YAML config file (<repoRoot>/adw.yaml by default)
//  4. Hardcoded defaults
//
// repoRoot anchors every relative path in the configuration; it must be
// the root of the repository the pipelines operate on.
func Load(repoRoot, configPath string) (*Config, error) {
	if repoRoot == "" {
		return nil, fmt.Errorf("repo root is required")
	}
	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving repo root: %w", err)
	}

	k := koanf.New(".")

	if configPath == "" {
		configPath = filepath.Join(absRoot, "adw.yaml")
	}
	if info, err := os.Stat(configPath); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	// ADW_-prefixed variables map section_field to section.field on the
	// first underscore: ADW_PORTS_POOL_SIZE -> ports.pool_size.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Paths.RepoRoot = absRoot
	applyWellKnownEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyWellKnownEnv honors the un-prefixed variables the surrounding
// tooling (agent CLI, gh) already standardizes on.
func applyWellKnownEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Agent.APIKey = Secret(v)
	}
	if v := os.Getenv("CLAUDE_CODE_PATH"); v != "" {
		cfg.Agent.CLIPath = v
	}
	if v := os.Getenv("GITHUB_PAT"); v != "" {
		cfg.GitHub.Token = Secret(v)
	}
}
