package config

import (
	"testing"
	"time"
)

func TestLoadAppliesProviderDefaults(t *testing.T) {
	t.Setenv("GEMINI_PRIORITY", "")
	t.Setenv("OPENAI_DAILY_QUOTA", "42")
	t.Setenv("OLLAMA_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gemini.Priority != 1 {
		t.Fatalf("expected gemini priority 1, got %d", cfg.Gemini.Priority)
	}
	if cfg.OpenAI.DailyQuota != 42 {
		t.Fatalf("expected openai quota 42, got %d", cfg.OpenAI.DailyQuota)
	}
	if cfg.Ollama.Timeout != 5*time.Second {
		t.Fatalf("expected ollama timeout 5s, got %s", cfg.Ollama.Timeout)
	}
	if cfg.Router.FailureThreshold != 3 {
		t.Fatalf("expected failure threshold 3, got %d", cfg.Router.FailureThreshold)
	}
}

func TestLoadRejectsFallbackConfidenceAboveLive(t *testing.T) {
	t.Setenv("ROUTER_LIVE_CONFIDENCE", "0.5")
	t.Setenv("ROUTER_FALLBACK_CONFIDENCE", "0.6")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for fallback confidence >= live confidence")
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			HTTP:     HTTPConfig{Port: 8080},
			Router:   RouterConfig{FailureThreshold: 3, ResetInterval: time.Hour, LiveConfidence: 0.9, FallbackConfidence: 0.6},
			Workflow: WorkflowConfig{MaxLogEntries: 10},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.HTTP.Port = 0 }, wantErr: true},
		{name: "zero threshold", mutate: func(c *Config) { c.Router.FailureThreshold = 0 }, wantErr: true},
		{name: "zero reset interval", mutate: func(c *Config) { c.Router.ResetInterval = 0 }, wantErr: true},
		{name: "negative quota", mutate: func(c *Config) { c.Ollama.DailyQuota = -1 }, wantErr: true},
		{name: "negative rate", mutate: func(c *Config) { c.Gemini.RateLimit = -2 }, wantErr: true},
		{name: "empty log", mutate: func(c *Config) { c.Workflow.MaxLogEntries = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := validateConfig(c)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
