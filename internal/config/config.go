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
	Automated   bool              `mapstructure:"automated"`
	DownloadDir string            `mapstructure:"download_dir"`
	Store       StoreConfig       `mapstructure:"store"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Solver      SolverConfig      `mapstructure:"solver"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Session     SessionConfig     `mapstructure:"session"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Host        HostConfig        `mapstructure:"host"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StoreConfig controls access to the relational store.
type StoreConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

// DeliveryConfig controls the optional messaging upload endpoint. Delivery
// is enabled only when Token, ChatID, and BaseURL are all set.
type DeliveryConfig struct {
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
	BaseURL string `mapstructure:"base_url"`
}

// Enabled reports whether every field required to reach the delivery
// endpoint has been configured.
func (d DeliveryConfig) Enabled() bool {
	return d.Token != "" && d.ChatID != "" && d.BaseURL != ""
}

// SolverConfig points at the local challenge-solver service.
type SolverConfig struct {
	URL string `mapstructure:"url"`
}

// ConcurrencyConfig bounds the worker pools of the download and upload stages.
type ConcurrencyConfig struct {
	Downloads int `mapstructure:"downloads"`
	Uploads   int `mapstructure:"uploads"`
}

// SessionConfig controls solver session lifetime.
type SessionConfig struct {
	TTLMinutes int `mapstructure:"ttl_minutes"`
}

// TTL returns the session time-to-live as a Duration.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// ScheduleConfig controls how often channels are rechecked by default.
type ScheduleConfig struct {
	DefaultIntervalMinutes int `mapstructure:"default_interval_minutes"`
}

// HostConfig describes how post links and media requests on the protected
// host are recognized.
type HostConfig struct {
	PostMarker     string `mapstructure:"post_marker"`
	MediaExtension string `mapstructure:"media_extension"`
	MediaCDNSuffix string `mapstructure:"media_cdn_suffix"`
}

// ArchiveConfig configures the optional Cloud Storage mirror of downloaded media.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig configures the optional Pub/Sub upload-completion notification.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status/health HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional config file plus environment
// overrides (prefix INGEST_, with "." replaced by "_").
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("automated", false)
	v.SetDefault("download_dir", "./downloads")
	v.SetDefault("concurrency.downloads", 3)
	v.SetDefault("concurrency.uploads", 2)
	v.SetDefault("session.ttl_minutes", 30)
	v.SetDefault("schedule.default_interval_minutes", 60)
	v.SetDefault("host.post_marker", "/post/")
	v.SetDefault("host.media_extension", ".mp4")
	v.SetDefault("host.media_cdn_suffix", "")
	v.SetDefault("archive.prefix", "media")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Store.ConnectionString == "" {
		return fmt.Errorf("store.connection_string is required")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download_dir is required")
	}
	if c.Solver.URL == "" {
		return fmt.Errorf("solver.url is required")
	}
	if c.Concurrency.Downloads <= 0 {
		return fmt.Errorf("concurrency.downloads must be > 0")
	}
	if c.Concurrency.Uploads < 0 {
		return fmt.Errorf("concurrency.uploads must be >= 0")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be > 0")
	}
	if c.Schedule.DefaultIntervalMinutes <= 0 {
		return fmt.Errorf("schedule.default_interval_minutes must be > 0")
	}
	if c.Host.PostMarker == "" {
		return fmt.Errorf("host.post_marker is required")
	}
	if c.Host.MediaExtension == "" {
		return fmt.Errorf("host.media_extension is required")
	}
	partial := c.Delivery.Token != "" || c.Delivery.ChatID != "" || c.Delivery.BaseURL != ""
	if partial && !c.Delivery.Enabled() {
		return fmt.Errorf("delivery.token, delivery.chat_id, and delivery.base_url must all be set together")
	}
	if c.Archive.Enabled && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive is enabled")
	}
	if c.Notify.Enabled && (c.Notify.ProjectID == "" || c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set when notify is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}
