// Package config loads otto configuration from YAML files and OTTO_
// environment variables, with sensible defaults for local development.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Memory     MemoryConfig     `koanf:"memory"`
	Dialogue   DialogueConfig   `koanf:"dialogue"`
	Engine     EngineConfig     `koanf:"engine"`
	Guardrails GuardrailsConfig `koanf:"guardrails"`
	Tools      ToolsConfig      `koanf:"tools"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string  `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SampleRatio  float64 `koanf:"sample_ratio"` // fraction of root traces sampled
}

type MemoryConfig struct {
	Provider        string `koanf:"provider"` // qdrant, inmemory
	QdrantAddr      string `koanf:"qdrant_addr"`
	Collection      string `koanf:"collection"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderModel   string `koanf:"embedder_model"`
}

type DialogueConfig struct {
	RecentTurns   int `koanf:"recent_turns"`
	RetrievalTopK int `koanf:"retrieval_top_k"`
}

type EngineConfig struct {
	Workers        int    `koanf:"workers"`
	MaxRetries     int    `koanf:"max_retries"`
	InitialBackoff string `koanf:"initial_backoff"` // duration string
	StepTimeout    string `koanf:"step_timeout"`    // duration string
}

type ToolsConfig struct {
	// MCPCommand launches a stdio MCP server whose tools are registered at
	// startup alongside the built-ins. Empty disables MCP.
	MCPCommand string   `koanf:"mcp_command"`
	MCPArgs    []string `koanf:"mcp_args"`
}

type GuardrailsConfig struct {
	RatePerMinute   int      `koanf:"rate_per_minute"`
	Blocklist       []string `koanf:"blocklist"`
	ConfirmationDB  string   `koanf:"confirmation_db"` // path to sqlite file, empty = in-memory
	ConfirmationTTL string   `koanf:"confirmation_ttl"`
	AuditDB         string   `koanf:"audit_db"` // path to sqlite plan audit, empty = disabled
}

// Load reads configuration from the optional YAML file at path, then applies
// OTTO_ environment overrides (OTTO_ENGINE_WORKERS -> engine.workers).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.sample_ratio", 1.0)

	k.Set("memory.provider", "inmemory")
	k.Set("memory.qdrant_addr", "localhost:6334")
	k.Set("memory.collection", "otto_memory")
	k.Set("memory.embedder_base_url", "http://localhost:11434")
	k.Set("memory.embedder_model", "nomic-embed-text")

	k.Set("dialogue.recent_turns", 20)
	k.Set("dialogue.retrieval_top_k", 5)

	k.Set("engine.workers", 4)
	k.Set("engine.max_retries", 2)
	k.Set("engine.initial_backoff", "250ms")
	k.Set("engine.step_timeout", "60s")

	k.Set("guardrails.rate_per_minute", 10)
	k.Set("guardrails.confirmation_ttl", "10m")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("OTTO_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTTO_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
