package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8700" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.SingleClient {
		t.Fatal("SingleClient defaults to true")
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.PromptTimeout != 5*time.Minute {
		t.Fatalf("PromptTimeout = %v", cfg.PromptTimeout)
	}
	if cfg.SandboxWorkers != 4 {
		t.Fatalf("SandboxWorkers = %d", cfg.SandboxWorkers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PUNIE_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("PUNIE_SINGLE_CLIENT", "true")
	t.Setenv("PUNIE_SANDBOX_TIMEOUT", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if !cfg.SingleClient {
		t.Fatal("SingleClient override ignored")
	}
	if cfg.SandboxTimeout != 10*time.Second {
		t.Fatalf("SandboxTimeout = %v", cfg.SandboxTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PUNIE_SANDBOX_WORKERS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("zero workers accepted")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		c := Config{LogLevel: in}
		got, err := c.SlogLevel()
		if err != nil || got != want {
			t.Fatalf("SlogLevel(%q) = %v, %v", in, got, err)
		}
	}
	c := Config{LogLevel: "shout"}
	if _, err := c.SlogLevel(); err == nil {
		t.Fatal("unknown level accepted")
	}
}
