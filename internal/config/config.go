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
	Server     ServerConfig     `mapstructure:"server"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	DB         DBConfig         `mapstructure:"db"`
	Thumbnails ThumbnailsConfig `mapstructure:"thumbnails"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// IdentityConfig points at the external user service that validates tokens.
type IdentityConfig struct {
	ValidateURL    string `mapstructure:"validate_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BrowserConfig governs the shared headless browser session.
type BrowserConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	ViewportWidth    int64   `mapstructure:"viewport_width"`
	ViewportHeight   int64   `mapstructure:"viewport_height"`
	NavTimeoutSec    int     `mapstructure:"nav_timeout_seconds"`
	ScriptTimeoutSec int     `mapstructure:"script_timeout_seconds"`
	SettleSeconds    int     `mapstructure:"settle_seconds"`
	DomainQPS        float64 `mapstructure:"domain_qps"`
	FetchTimeoutSec  int     `mapstructure:"fetch_timeout_seconds"`
}

// WorkerConfig sizes the scrape worker pool and queue.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ThumbnailsConfig selects and configures the thumbnail blob backend.
type ThumbnailsConfig struct {
	Backend       string `mapstructure:"backend"`
	BaseDir       string `mapstructure:"base_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// PubSubConfig holds metadata for scrape-completed notifications. Publishing is
// disabled when the topic is empty.
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
	v.SetEnvPrefix("MANGAMARK")
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
	v.SetDefault("identity.timeout_seconds", 5)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.script_timeout_seconds", 20)
	v.SetDefault("browser.settle_seconds", 10)
	v.SetDefault("browser.domain_qps", 1)
	v.SetDefault("browser.fetch_timeout_seconds", 30)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("thumbnails.backend", "local")
	v.SetDefault("thumbnails.base_dir", "data/thumbnails")
	v.SetDefault("thumbnails.public_base_url", "/media/bookmark_thumbnails")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	switch c.Thumbnails.Backend {
	case "local":
		if c.Thumbnails.BaseDir == "" {
			return fmt.Errorf("thumbnails.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Thumbnails.GCSBucket == "" {
			return fmt.Errorf("thumbnails.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("thumbnails.backend must be local or gcs")
	}
	return nil
}

// NavTimeout converts the configured navigation timeout to a duration.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// ScriptTimeout converts the configured script timeout to a duration.
func (c BrowserConfig) ScriptTimeout() time.Duration {
	return time.Duration(c.ScriptTimeoutSec) * time.Second
}

// Settle converts the configured settle delay to a duration.
func (c BrowserConfig) Settle() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// FetchTimeout bounds direct thumbnail downloads.
func (c BrowserConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// Timeout bounds identity service calls.
func (c IdentityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
