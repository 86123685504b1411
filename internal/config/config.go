// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs the ingestion pipeline.
type CrawlConfig struct {
	Concurrency      int      `mapstructure:"concurrency"`
	UserAgent        string   `mapstructure:"user_agent"`
	DelayMs          int      `mapstructure:"delay_ms"`
	MaxPages         int      `mapstructure:"max_pages"`
	MaxRunSeconds    int      `mapstructure:"max_run_seconds"`
	SeedURLs         []string `mapstructure:"seed_urls"`
	LeaseTimeoutSec  int      `mapstructure:"lease_timeout_seconds"`
	ReclaimEverySec  int      `mapstructure:"reclaim_every_seconds"`
	MaxAttempts      int      `mapstructure:"max_attempts"`
	ChunkTokenTarget int      `mapstructure:"chunk_token_target"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// StorageConfig sets paths and content types for raw page archival.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig controls the query answer cache.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	TTLSec    int    `mapstructure:"ttl_seconds"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// OpenAIConfig names the models used for chat and embeddings.
type OpenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	ChatModel  string `mapstructure:"chat_model"`
	EmbedModel string `mapstructure:"embed_model"`
	EmbedDims  int    `mapstructure:"embed_dims"`
}

// AgentConfig bounds the tool loop.
type AgentConfig struct {
	StepLimit          int `mapstructure:"step_limit"`
	StallThreshold     int `mapstructure:"stall_threshold"`
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds"`
	RunBudgetSeconds   int `mapstructure:"run_budget_seconds"`
}

// RetrievalConfig tunes the answer ladder.
type RetrievalConfig struct {
	VectorLimit       int     `mapstructure:"vector_limit"`
	SufficiencyFloor  float64 `mapstructure:"sufficiency_floor"`
	LiveCrawlMaxPages int     `mapstructure:"live_crawl_max_pages"`
}

// PubSubConfig holds metadata for ingestion event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PARTASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.user_agent", "partassist-bot/0.1")
	v.SetDefault("crawl.delay_ms", 500)
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.max_run_seconds", 0)
	v.SetDefault("crawl.lease_timeout_seconds", 120)
	v.SetDefault("crawl.reclaim_every_seconds", 60)
	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.chunk_token_target", 400)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl_seconds", 1800)
	v.SetDefault("redis.key_prefix", "partassist")
	v.SetDefault("openai.chat_model", "gpt-4o-mini")
	v.SetDefault("openai.embed_model", "text-embedding-3-small")
	v.SetDefault("openai.embed_dims", 1536)
	v.SetDefault("agent.step_limit", 6)
	v.SetDefault("agent.stall_threshold", 2)
	v.SetDefault("agent.step_timeout_seconds", 30)
	v.SetDefault("agent.run_budget_seconds", 90)
	v.SetDefault("retrieval.vector_limit", 8)
	v.SetDefault("retrieval.sufficiency_floor", 0.35)
	v.SetDefault("retrieval.live_crawl_max_pages", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Agent.StepLimit <= 0 {
		return fmt.Errorf("agent.step_limit must be > 0")
	}
	if c.Agent.StallThreshold <= 0 {
		return fmt.Errorf("agent.stall_threshold must be > 0")
	}
	if c.Retrieval.SufficiencyFloor < 0 || c.Retrieval.SufficiencyFloor > 1 {
		return fmt.Errorf("retrieval.sufficiency_floor must be in [0,1]")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// CacheTTL converts the Redis TTL config into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.TTLSec) * time.Second
}

// RunBudget converts the agent run budget config into a duration.
func (c Config) RunBudget() time.Duration {
	return time.Duration(c.Agent.RunBudgetSeconds) * time.Second
}

// CrawlBudget converts the crawl time budget config into a duration.
// Zero means unbounded, matching crawl.max_pages.
func (c Config) CrawlBudget() time.Duration {
	return time.Duration(c.Crawl.MaxRunSeconds) * time.Second
}
