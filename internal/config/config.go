// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable for the host process. Defaults are chosen so
// that an empty environment yields a working single-machine setup.
type Config struct {
	// ListenAddr is the bind address for the WebSocket control plane.
	ListenAddr string `env:"PUNIE_LISTEN_ADDR,default=127.0.0.1:8700"`

	// SingleClient enables the unowned-session carve-out for a lone stdio
	// client. It is a startup decision, never inferred at runtime.
	SingleClient bool `env:"PUNIE_SINGLE_CLIENT,default=false"`

	// Stdio serves a legacy client over stdin/stdout in addition to the
	// WebSocket listener.
	Stdio bool `env:"PUNIE_STDIO,default=false"`

	// Workspace is the directory tree file and command capabilities operate in.
	Workspace string `env:"PUNIE_WORKSPACE,default=."`

	IdleTimeout    time.Duration `env:"PUNIE_IDLE_TIMEOUT,default=5m"`
	RequestTimeout time.Duration `env:"PUNIE_REQUEST_TIMEOUT,default=30s"`
	PromptTimeout  time.Duration `env:"PUNIE_PROMPT_TIMEOUT,default=5m"`

	SandboxTimeout    time.Duration `env:"PUNIE_SANDBOX_TIMEOUT,default=60s"`
	BridgeCallTimeout time.Duration `env:"PUNIE_BRIDGE_CALL_TIMEOUT,default=30s"`
	SandboxWorkers    int           `env:"PUNIE_SANDBOX_WORKERS,default=4"`

	LogLevel string `env:"PUNIE_LOG_LEVEL,default=info"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SandboxWorkers < 1 {
		return fmt.Errorf("PUNIE_SANDBOX_WORKERS must be at least 1, got %d", c.SandboxWorkers)
	}
	if c.RequestTimeout <= 0 || c.PromptTimeout <= 0 || c.SandboxTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel into a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}
