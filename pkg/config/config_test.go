package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Workers != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.MaxRetries != 2 {
		t.Fatalf("expected default max retries 2, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Memory.Provider != "inmemory" {
		t.Fatalf("expected default memory provider inmemory, got %q", cfg.Memory.Provider)
	}
	if cfg.Dialogue.RecentTurns != 20 {
		t.Fatalf("expected default recent turns 20, got %d", cfg.Dialogue.RecentTurns)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otto.yaml")
	payload := []byte(`
log:
  level: debug
telemetry:
  sample_ratio: 0.25
engine:
  workers: 8
guardrails:
  blocklist:
    - shell_exec
    - rm_rf
tools:
  mcp_command: /usr/local/bin/weather-mcp
  mcp_args: ["--stdio"]
`)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Engine.Workers != 8 {
		t.Fatalf("expected workers 8, got %d", cfg.Engine.Workers)
	}
	if len(cfg.Guardrails.Blocklist) != 2 || cfg.Guardrails.Blocklist[0] != "shell_exec" {
		t.Fatalf("unexpected blocklist: %v", cfg.Guardrails.Blocklist)
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Tools.MCPCommand != "/usr/local/bin/weather-mcp" || len(cfg.Tools.MCPArgs) != 1 {
		t.Fatalf("unexpected tools config: %+v", cfg.Tools)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OTTO_LOG_LEVEL", "warn")
	t.Setenv("OTTO_MEMORY_PROVIDER", "qdrant")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected env override warn, got %q", cfg.Log.Level)
	}
	if cfg.Memory.Provider != "qdrant" {
		t.Fatalf("expected env override qdrant, got %q", cfg.Memory.Provider)
	}
}
