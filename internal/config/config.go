// Package config loads and validates the gateway configuration from YAML or
// JSON5 files, with ${ENV} expansion and $include support.
package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for clawgate.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionsConfig `yaml:"sessions"`
	Tools    ToolsConfig    `yaml:"tools"`
	Jobs     []JobConfig    `yaml:"jobs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig configures the HTTP/WebSocket API surface.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthToken protects all /v1 routes. Empty disables auth (local use).
	AuthToken string `yaml:"auth_token"`
}

// ProviderConfig configures the upstream model provider.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	// SystemPrompt is pinned at the head of every session.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxRetries bounds pre-content retry attempts per turn.
	MaxRetries int `yaml:"max_retries"`
	// TurnTimeout is the overall deadline for one provider exchange.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// MaxRounds bounds tool-resolution rounds per turn.
	MaxRounds int `yaml:"max_rounds"`
}

// SessionsConfig configures the in-memory session store.
type SessionsConfig struct {
	// Capacity is the maximum number of live sessions; the LRU session is
	// evicted when an insert would exceed it.
	Capacity int `yaml:"capacity"`
	// ContextBudget is the byte budget for the trimmed history sent upstream.
	ContextBudget int `yaml:"context_budget"`
	// KeepRecent messages always survive trimming.
	KeepRecent int `yaml:"keep_recent"`
}

// ToolsConfig configures builtin tool execution.
type ToolsConfig struct {
	// Workspace is the root path that file and exec tools are confined to.
	Workspace string   `yaml:"workspace"`
	Allow     []string `yaml:"allow"`
	Deny      []string `yaml:"deny"`
	// ExecTimeout is the per-invocation deadline.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// MaxConcurrent bounds parallel tool executions.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// JobConfig declares a scheduled job that injects a synthetic turn.
type JobConfig struct {
	ID string `yaml:"id"`
	// Schedule is either "every <duration>" (e.g. "every 30m") or a cron
	// expression (e.g. "0 9 * * *").
	Schedule   string `yaml:"schedule"`
	SessionKey string `yaml:"session_key"`
	// Message is a text/template body; {{.date}} and {{.time}} are available.
	Message  string `yaml:"message"`
	Timezone string `yaml:"timezone"`
	Enabled  *bool  `yaml:"enabled"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8089
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Provider.MaxTokens == 0 {
		cfg.Provider.MaxTokens = 4096
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Provider.TurnTimeout == 0 {
		cfg.Provider.TurnTimeout = 5 * time.Minute
	}
	if cfg.Provider.MaxRounds == 0 {
		cfg.Provider.MaxRounds = 5
	}
	if cfg.Sessions.Capacity == 0 {
		cfg.Sessions.Capacity = 256
	}
	if cfg.Sessions.ContextBudget == 0 {
		cfg.Sessions.ContextBudget = 200_000
	}
	if cfg.Sessions.KeepRecent == 0 {
		cfg.Sessions.KeepRecent = 10
	}
	if cfg.Tools.ExecTimeout == 0 {
		cfg.Tools.ExecTimeout = 60 * time.Second
	}
	if cfg.Tools.MaxConcurrent == 0 {
		cfg.Tools.MaxConcurrent = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Sessions.Capacity < 1 {
		return fmt.Errorf("sessions.capacity must be positive")
	}
	if c.Provider.MaxRounds < 1 {
		return fmt.Errorf("provider.max_rounds must be positive")
	}
	seen := map[string]bool{}
	for i, job := range c.Jobs {
		if job.ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if seen[job.ID] {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, job.ID)
		}
		seen[job.ID] = true
		if job.Schedule == "" {
			return fmt.Errorf("job %q: schedule is required", job.ID)
		}
		if job.SessionKey == "" {
			return fmt.Errorf("job %q: session_key is required", job.ID)
		}
	}
	return nil
}

// JobEnabled reports whether a job config is enabled (default true).
func (j JobConfig) JobEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}
