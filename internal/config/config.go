// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Board    BoardConfig    `mapstructure:"board"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Headless HeadlessConfig `mapstructure:"headless"`
	DB       DBConfig       `mapstructure:"db"`
	ACP      ACPConfig      `mapstructure:"acp"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Quotes   QuotesConfig   `mapstructure:"quotes"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BoardConfig identifies the forum and the crawl identity.
type BoardConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	UserAgent string `mapstructure:"user_agent"`

	CompleteForumID   string   `mapstructure:"complete_forum_id"`
	IncompleteForumID string   `mapstructure:"incomplete_forum_id"`
	CommsForumID      string   `mapstructure:"comms_forum_id"`
	ExcludedForumIDs  []string `mapstructure:"excluded_forum_ids"`
	ExcludedMembers   []string `mapstructure:"excluded_members"`
}

// HTTPConfig configures the fetch client's pacing and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds    int `mapstructure:"timeout_seconds"`
	MaxRetries        int `mapstructure:"max_retries"`
	MaxConcurrency    int `mapstructure:"max_concurrency"`
	RequestIntervalMs int `mapstructure:"request_interval_ms"`
	CooldownWaitSec   int `mapstructure:"cooldown_wait_seconds"`
	CooldownRetries   int `mapstructure:"cooldown_retries"`
}

// HeadlessConfig configures the headless rendering subsystem used for
// profile pages whose fields are filled in by board-side scripts.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// DBConfig controls access to the Postgres cache.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ACPConfig holds admin panel credentials for the database-dump export.
// Empty credentials disable dump sync; they can also be bootstrapped from
// the crawl_state table.
type ACPConfig struct {
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	PartWaitSec int    `mapstructure:"part_wait_seconds"`
	PartRetries int    `mapstructure:"part_retries"`
}

// ScheduleConfig holds cron specs per operation. Empty specs disable the
// corresponding job.
type ScheduleConfig struct {
	ProfileSpec   string `mapstructure:"profiles"`
	ThreadSpec    string `mapstructure:"threads"`
	QuoteSpec     string `mapstructure:"quotes"`
	DiscoverySpec string `mapstructure:"discovery"`
	DumpSyncSpec  string `mapstructure:"dump_sync"`
	EventSettleMs int    `mapstructure:"event_settle_ms"`
}

// QuotesConfig tunes quote extraction.
type QuotesConfig struct {
	MinWords  int `mapstructure:"min_words"`
	BatchSize int `mapstructure:"batch_size"`
}

// SinkConfig sets where unparseable pages are saved for inspection.
type SinkConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("THREADWATCH")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("board.user_agent", "threadwatch/1.0")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.max_concurrency", 2)
	v.SetDefault("http.request_interval_ms", 1500)
	v.SetDefault("http.cooldown_wait_seconds", 35)
	v.SetDefault("http.cooldown_retries", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("acp.part_wait_seconds", 5)
	v.SetDefault("acp.part_retries", 12)
	v.SetDefault("schedule.event_settle_ms", 5000)
	v.SetDefault("quotes.min_words", 3)
	v.SetDefault("quotes.batch_size", 10)
	v.SetDefault("sink.dir", "data/failures")
	v.SetDefault("sink.max_bytes", 4*1024*1024)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Board.BaseURL == "" {
		return fmt.Errorf("board.base_url must be set")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxConcurrency <= 0 {
		return fmt.Errorf("http.max_concurrency must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if (c.Board.Username == "") != (c.Board.Password == "") {
		return fmt.Errorf("board.username and board.password must be set together")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// EventSettleDelay converts the webhook settle config into a duration.
func (c Config) EventSettleDelay() time.Duration {
	return time.Duration(c.Schedule.EventSettleMs) * time.Millisecond
}
