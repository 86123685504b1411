package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawl:
  concurrency: 6
  user_agent: partassist-test
  delay_ms: 100
  max_pages: 500
  max_run_seconds: 120
  seed_urls: ["https://www.partselect.com/Dishwasher-Parts.htm"]
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
  promotion_threshold: 70
storage:
  gcs_bucket: bucket
  prefix: raw
redis:
  addr: cache:6379
  ttl_seconds: 60
openai:
  api_key: sk-test
  chat_model: gpt-4o
agent:
  step_limit: 4
  stall_threshold: 2
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawl.Concurrency != 6 || cfg.Crawl.MaxPages != 500 {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if len(cfg.Crawl.SeedURLs) != 1 || !strings.Contains(cfg.Crawl.SeedURLs[0], "Dishwasher-Parts") {
		t.Fatalf("expected seed urls to be loaded: %+v", cfg.Crawl.SeedURLs)
	}
	if cfg.OpenAI.ChatModel != "gpt-4o" {
		t.Fatalf("expected chat model override, got %s", cfg.OpenAI.ChatModel)
	}
	if cfg.OpenAI.EmbedModel != "text-embedding-3-small" {
		t.Fatalf("expected embed model default, got %s", cfg.OpenAI.EmbedModel)
	}
	if cfg.Agent.StepLimit != 4 {
		t.Fatalf("expected agent step limit 4, got %d", cfg.Agent.StepLimit)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.CacheTTL(); got != 60*time.Second {
		t.Fatalf("expected cache ttl 60s, got %v", got)
	}
	if got := cfg.CrawlBudget(); got != 2*time.Minute {
		t.Fatalf("expected crawl budget 2m, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Crawl:     CrawlConfig{Concurrency: 1},
		HTTP:      HTTPConfig{TimeoutSeconds: 10},
		Agent:     AgentConfig{StepLimit: 6, StallThreshold: 2},
		Retrieval: RetrievalConfig{SufficiencyFloor: 0.35},
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
		{
			name:   "invalid concurrency",
			mutate: func(c *Config) { c.Crawl.Concurrency = 0 },
			want:   "crawl.concurrency",
		},
		{
			name:   "invalid timeout",
			mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 },
			want:   "http.timeout_seconds",
		},
		{
			name:   "auth without key",
			mutate: func(c *Config) { c.Auth = AuthConfig{Enabled: true} },
			want:   "auth.api_key",
		},
		{
			name:   "headless without parallel",
			mutate: func(c *Config) { c.Headless = HeadlessConfig{Enabled: true} },
			want:   "headless.max_parallel",
		},
		{
			name:   "invalid step limit",
			mutate: func(c *Config) { c.Agent.StepLimit = 0 },
			want:   "agent.step_limit",
		},
		{
			name:   "sufficiency floor out of range",
			mutate: func(c *Config) { c.Retrieval.SufficiencyFloor = 1.5 },
			want:   "retrieval.sufficiency_floor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Agent.StepLimit != 6 || cfg.Agent.StallThreshold != 2 {
		t.Fatalf("expected agent defaults, got %+v", cfg.Agent)
	}
	if cfg.Retrieval.VectorLimit != 8 {
		t.Fatalf("expected default vector limit 8, got %d", cfg.Retrieval.VectorLimit)
	}
	if cfg.Headless.PromotionThresh != 2048 {
		t.Fatalf("expected default promotion threshold 2048, got %d", cfg.Headless.PromotionThresh)
	}
	if cfg.Crawl.MaxRunSeconds != 0 {
		t.Fatalf("expected unbounded crawl budget by default, got %d", cfg.Crawl.MaxRunSeconds)
	}
}
