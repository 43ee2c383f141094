// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
// Values here are process-static; operator-tunable knobs live in the
// runtime settings table and are patched through the admin API.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	NVD     NVDConfig     `mapstructure:"nvd"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Events  EventsConfig  `mapstructure:"events"`
	Publish PublishConfig `mapstructure:"publish"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines admin API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// QueueConfig governs job claiming, leasing, and retry behavior.
type QueueConfig struct {
	LeaseTTLSeconds  int `mapstructure:"lease_ttl_seconds"`
	PollIntervalMs   int `mapstructure:"poll_interval_ms"`
	BackoffBaseSec   int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSec    int `mapstructure:"backoff_max_seconds"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	DebounceSeconds  int `mapstructure:"debounce_seconds"`
	SchedulerTickSec int `mapstructure:"scheduler_tick_seconds"`
}

// LeaseTTL returns the job lease duration.
func (q QueueConfig) LeaseTTL() time.Duration {
	return time.Duration(q.LeaseTTLSeconds) * time.Second
}

// PollInterval returns the idle claim-loop sleep.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// WorkerConfig sizes the worker pool per class.
type WorkerConfig struct {
	FetchSlots int            `mapstructure:"fetch_slots"`
	LLMSlots   int            `mapstructure:"llm_slots"`
	TypeCaps   map[string]int `mapstructure:"type_caps"`
}

// HTTPConfig configures outbound HTTP client behavior.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	UserAgent        string `mapstructure:"user_agent"`
}

// Timeout returns the outbound request budget.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// IngestConfig holds feed polling defaults; per-source overrides win.
type IngestConfig struct {
	DefaultIntervalMinutes int     `mapstructure:"default_interval_minutes"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
	ErrorStreakPause       int     `mapstructure:"error_streak_pause"`
	ZeroStreakPause        int     `mapstructure:"zero_streak_pause"`
	AutoPauseMinutes       int     `mapstructure:"auto_pause_minutes"`
	MaxItemsPerPoll        int     `mapstructure:"max_items_per_poll"`
}

// NVDConfig configures the CVE synchronization client.
type NVDConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	PageSize         int    `mapstructure:"page_size"`
	SyncIntervalMin  int    `mapstructure:"sync_interval_minutes"`
	OverlapMinutes   int    `mapstructure:"overlap_minutes"`
	MaxWindowDays    int    `mapstructure:"max_window_days"`
	PreferV4Severity bool   `mapstructure:"prefer_v4_severity"`
}

// LLMConfig configures the summarization client.
type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	FallbackModel  string `mapstructure:"fallback_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxInputChars  int    `mapstructure:"max_input_chars"`
	FailOpen       bool   `mapstructure:"fail_open"`
	SecretKey      string `mapstructure:"secret_key"`
}

// Timeout returns the per-call provider budget.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// EventsConfig tunes correlation and lifecycle thresholds.
type EventsConfig struct {
	ClusterWindowDays int `mapstructure:"cluster_window_days"`
	MinSharedProducts int `mapstructure:"min_shared_products"`
	DormantAfterDays  int `mapstructure:"dormant_after_days"`
	CloseAfterDays    int `mapstructure:"close_after_days"`
}

// PublishConfig sets output locations and site build behavior.
type PublishConfig struct {
	ContentDir      string `mapstructure:"content_dir"`
	IndexDir        string `mapstructure:"index_dir"`
	HugoPath        string `mapstructure:"hugo_path"`
	SiteDir         string `mapstructure:"site_dir"`
	OutputDir       string `mapstructure:"output_dir"`
	CacheDir        string `mapstructure:"cache_dir"`
	DebounceSeconds int    `mapstructure:"debounce_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEMPERVIGIL")
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
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("queue.lease_ttl_seconds", 60)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("queue.backoff_base_seconds", 5)
	v.SetDefault("queue.backoff_max_seconds", 3600)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.debounce_seconds", 30)
	v.SetDefault("queue.scheduler_tick_seconds", 30)
	v.SetDefault("worker.fetch_slots", 4)
	v.SetDefault("worker.llm_slots", 1)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.user_agent", "sempervigil/0.1 (+https://github.com/sempervigil/sempervigil)")
	v.SetDefault("ingest.default_interval_minutes", 30)
	v.SetDefault("ingest.requests_per_second", 1.0)
	v.SetDefault("ingest.error_streak_pause", 5)
	v.SetDefault("ingest.zero_streak_pause", 5)
	v.SetDefault("ingest.auto_pause_minutes", 1440)
	v.SetDefault("ingest.max_items_per_poll", 200)
	v.SetDefault("nvd.base_url", "https://services.nvd.nist.gov/rest/json/cves/2.0")
	v.SetDefault("nvd.page_size", 2000)
	v.SetDefault("nvd.sync_interval_minutes", 120)
	v.SetDefault("nvd.overlap_minutes", 10)
	v.SetDefault("nvd.max_window_days", 110)
	v.SetDefault("nvd.prefer_v4_severity", false)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.max_input_chars", 24000)
	v.SetDefault("llm.fail_open", true)
	v.SetDefault("events.cluster_window_days", 14)
	v.SetDefault("events.min_shared_products", 1)
	v.SetDefault("events.dormant_after_days", 30)
	v.SetDefault("events.close_after_days", 120)
	v.SetDefault("publish.content_dir", "site/content/articles")
	v.SetDefault("publish.index_dir", "site/data")
	v.SetDefault("publish.hugo_path", "hugo")
	v.SetDefault("publish.site_dir", "site")
	v.SetDefault("publish.output_dir", "site/public")
	v.SetDefault("publish.debounce_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("queue.lease_ttl_seconds must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Worker.FetchSlots <= 0 {
		return fmt.Errorf("worker.fetch_slots must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.NVD.PageSize <= 0 || c.NVD.PageSize > 2000 {
		return fmt.Errorf("nvd.page_size must be in 1..2000")
	}
	return nil
}
