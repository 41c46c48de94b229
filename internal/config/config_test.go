package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected 3 retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Workflow.MinConfidence != 0.5 {
		t.Fatalf("expected min confidence 0.5, got %v", cfg.Workflow.MinConfidence)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-dictate.yaml")
	body := `
runtime_name: desk
llm:
  mode: ollama
  endpoint: http://gpu:11434
  model: qwen2.5:7b
context:
  rules:
    - pattern: jira
      context: document
  prompts:
    document: Write it as a ticket comment.
retry:
  max_attempts: 5
  base_delay_ms: 100
cache:
  capacity: 32
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "desk" || cfg.LLM.Endpoint != "http://gpu:11434" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.Context.Rules) != 1 || cfg.Context.Rules[0].Context != "document" {
		t.Fatalf("expected context rule, got %+v", cfg.Context.Rules)
	}
	if cfg.Context.Prompts["document"] == "" {
		t.Fatal("expected document prompt")
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelayMS != 100 {
		t.Fatalf("retry not applied: %+v", cfg.Retry)
	}
	if cfg.Retry.Multiplier != 2 {
		t.Fatalf("expected default multiplier kept, got %v", cfg.Retry.Multiplier)
	}
	if cfg.Cache.Capacity != 32 {
		t.Fatalf("expected cache capacity 32, got %d", cfg.Cache.Capacity)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_CAPTURE_MODE", "bus")
	t.Setenv("LOQA_STT_VOCABULARY", "Loqa, NATS ,kubectl")
	t.Setenv("LOQA_WORKFLOW_MIN_CONFIDENCE", "0.75")
	t.Setenv("LOQA_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("LOQA_CACHE_STORE_AFTER_CANCEL", "true")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_AGENTS_REQUIRED_ROLES", "hotkey,window")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Capture.Mode != "bus" {
		t.Fatalf("expected capture mode override")
	}
	if len(cfg.STT.Vocabulary) != 3 || cfg.STT.Vocabulary[1] != "NATS" {
		t.Fatalf("unexpected vocabulary: %v", cfg.STT.Vocabulary)
	}
	if cfg.Workflow.MinConfidence != 0.75 {
		t.Fatalf("expected min confidence override")
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Fatalf("expected retry override")
	}
	if !cfg.Cache.StoreAfterCancel {
		t.Fatalf("expected store_after_cancel override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if len(cfg.Agents.RequiredRoles) != 2 || cfg.Agents.RequiredRoles[0] != "hotkey" {
		t.Fatalf("unexpected required roles: %v", cfg.Agents.RequiredRoles)
	}
}

func TestWorkflowRetryAndCacheEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_WORKFLOW_CAPTURE_TIMEOUT_MS", "750")
	t.Setenv("LOQA_WORKFLOW_EVENT_QUEUE_SIZE", "4")
	t.Setenv("LOQA_WORKFLOW_HISTORY_SIZE", "12")
	t.Setenv("LOQA_RETRY_RATE_LIMIT_FACTOR", "2.5")
	t.Setenv("LOQA_CACHE_SWEEP_INTERVAL_S", "15")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Workflow.CaptureTimeoutMS != 750 || cfg.Workflow.EventQueueSize != 4 || cfg.Workflow.HistorySize != 12 {
		t.Fatalf("unexpected workflow overrides: %+v", cfg.Workflow)
	}
	if cfg.Retry.RateLimitFactor != 2.5 {
		t.Fatalf("expected rate limit factor 2.5, got %v", cfg.Retry.RateLimitFactor)
	}
	if cfg.Cache.SweepIntervalS != 15 {
		t.Fatalf("expected sweep interval 15, got %d", cfg.Cache.SweepIntervalS)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bus capture without bus", func(c *Config) { c.Capture.Mode = "bus" }},
		{"exec stt without command", func(c *Config) { c.STT.Mode = "exec" }},
		{"openai llm without key", func(c *Config) { c.LLM.Mode = "openai" }},
		{"bad confidence", func(c *Config) { c.Workflow.MinConfidence = 1.5 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"jitter too large", func(c *Config) { c.Retry.Jitter = 1 }},
		{"empty rule", func(c *Config) { c.Context.Rules = []ContextRule{{Pattern: "x"}} }},
		{"unknown insertion", func(c *Config) { c.Insertion.Primary = "telepathy" }},
		{"unknown agent role", func(c *Config) { c.Agents.RequiredRoles = []string{"speaker"} }},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }},
		{"bus without heartbeat timeout", func(c *Config) {
			c.Bus.Enabled = true
			c.Agents.HeartbeatTimeout = 0
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
