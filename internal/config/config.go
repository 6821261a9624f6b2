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
	Retry     RetryConfig     `mapstructure:"retry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Resolve   ResolveConfig   `mapstructure:"resolve"`
	DB        DBConfig        `mapstructure:"db"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
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

// CrawlConfig governs the pagination engine and fetch source.
type CrawlConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	UserAgent         string `mapstructure:"user_agent"`
	PageSize          int    `mapstructure:"page_size"`
	MaxPages          int    `mapstructure:"max_pages"`
	RunPageBudget     int    `mapstructure:"run_page_budget"`
	InterPageDelayMs  int    `mapstructure:"inter_page_delay_ms"`
	InterProfileDelay int    `mapstructure:"inter_profile_delay_ms"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// RetryConfig controls the in-process fetch retry loop.
type RetryConfig struct {
	MaxNetworkAttempts    int `mapstructure:"max_network_attempts"`
	MaxRateLimitAttempts  int `mapstructure:"max_rate_limit_attempts"`
	NetworkBackoffBaseSec int `mapstructure:"network_backoff_base_seconds"`
	RateLimitBackoffSec   int `mapstructure:"rate_limit_backoff_seconds"`
}

// QueueConfig controls the continuation queue.
type QueueConfig struct {
	InitialDelayMin int `mapstructure:"initial_delay_minutes"`
	BackoffBaseMin  int `mapstructure:"backoff_base_minutes"`
	BackoffCapHours int `mapstructure:"backoff_cap_hours"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	DrainBatch      int `mapstructure:"drain_batch"`
}

// SafetyConfig controls the per-user circuit breaker.
type SafetyConfig struct {
	BlockedThreshold     int `mapstructure:"blocked_threshold"`
	NetworkThreshold     int `mapstructure:"network_threshold"`
	BlockedCooldownHours int `mapstructure:"blocked_cooldown_hours"`
	NetworkCooldownMin   int `mapstructure:"network_cooldown_minutes"`
	AlertAfterRejections int `mapstructure:"alert_after_rejections"`
}

// ResolveConfig controls the PDF/identifier resolution phase.
type ResolveConfig struct {
	ContactEmail        string `mapstructure:"contact_email"`
	BatchLimit          int    `mapstructure:"batch_limit"`
	TimeoutMinutes      int    `mapstructure:"timeout_minutes"`
	MaxJobAttempts      int    `mapstructure:"max_job_attempts"`
	JobCooldownHours    int    `mapstructure:"job_cooldown_hours"`
	ArxivIntervalSec    int    `mapstructure:"arxiv_interval_seconds"`
	ArxivCooldownMin    int    `mapstructure:"arxiv_cooldown_minutes"`
	LandingMaxDepth     int    `mapstructure:"landing_max_depth"`
	LandingMaxLinks     int    `mapstructure:"landing_max_links"`
	StuckResolvingHours int    `mapstructure:"stuck_resolving_hours"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SchedulerConfig holds the cron expressions for background work.
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RunSpec       string `mapstructure:"run_spec"`
	QueueSpec     string `mapstructure:"queue_spec"`
	PdfSweepSpec  string `mapstructure:"pdf_sweep_spec"`
	RecoverySpec  string `mapstructure:"recovery_spec"`
	ScheduledUser string `mapstructure:"scheduled_user"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHOLARWATCH")
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
	v.SetDefault("crawl.user_agent", "scholarwatch-bot/0.1")
	v.SetDefault("crawl.page_size", 100)
	v.SetDefault("crawl.max_pages", 10)
	v.SetDefault("crawl.run_page_budget", 60)
	v.SetDefault("crawl.inter_page_delay_ms", 1500)
	v.SetDefault("crawl.inter_profile_delay_ms", 2000)
	v.SetDefault("crawl.timeout_seconds", 20)
	v.SetDefault("retry.max_network_attempts", 3)
	v.SetDefault("retry.max_rate_limit_attempts", 2)
	v.SetDefault("retry.network_backoff_base_seconds", 2)
	v.SetDefault("retry.rate_limit_backoff_seconds", 30)
	v.SetDefault("queue.initial_delay_minutes", 15)
	v.SetDefault("queue.backoff_base_minutes", 10)
	v.SetDefault("queue.backoff_cap_hours", 6)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.drain_batch", 10)
	v.SetDefault("safety.blocked_threshold", 2)
	v.SetDefault("safety.network_threshold", 5)
	v.SetDefault("safety.blocked_cooldown_hours", 24)
	v.SetDefault("safety.network_cooldown_minutes", 120)
	v.SetDefault("safety.alert_after_rejections", 3)
	v.SetDefault("resolve.batch_limit", 50)
	v.SetDefault("resolve.timeout_minutes", 30)
	v.SetDefault("resolve.max_job_attempts", 5)
	v.SetDefault("resolve.job_cooldown_hours", 12)
	v.SetDefault("resolve.arxiv_interval_seconds", 3)
	v.SetDefault("resolve.arxiv_cooldown_minutes", 10)
	v.SetDefault("resolve.landing_max_depth", 2)
	v.SetDefault("resolve.landing_max_links", 3)
	v.SetDefault("resolve.stuck_resolving_hours", 1)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.run_spec", "0 */6 * * *")
	v.SetDefault("scheduler.queue_spec", "*/10 * * * *")
	v.SetDefault("scheduler.pdf_sweep_spec", "30 * * * *")
	v.SetDefault("scheduler.recovery_spec", "*/15 * * * *")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.PageSize <= 0 || c.Crawl.PageSize > 100 {
		return fmt.Errorf("crawl.page_size must be in 1..100")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Crawl.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.timeout_seconds must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// InterPageDelay returns the delay between page fetches.
func (c CrawlConfig) InterPageDelay() time.Duration {
	return time.Duration(c.InterPageDelayMs) * time.Millisecond
}

// Timeout returns the fetch timeout.
func (c CrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
