// Package config loads relay settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Priya8975/posting-relay/internal/alerting"
	"github.com/Priya8975/posting-relay/internal/outbox"
	"github.com/Priya8975/posting-relay/internal/worker"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server and relayctl.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    string
	ServiceName string

	Ingest  Ingest
	Outbox  Outbox
	Alerts  Alerts
	Monitor Monitor
}

// Ingest configures both ends of the intake endpoint: the token the server
// requires and where the producer sends envelopes.
type Ingest struct {
	Token         string
	URL           string
	Timeout       time.Duration
	SigningSecret string
}

type Outbox struct {
	Path            string
	DeadPath        string
	FlushInterval   time.Duration
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BacklogWarn     int64
	BacklogCritical int64
}

type Alerts struct {
	Enabled     bool
	WebhookURL  string
	MinInterval time.Duration
}

type Monitor struct {
	Interval        time.Duration
	FailureWarn     int64
	FailureCritical int64
	ValidationWarn  int64
}

var stringDefaults = map[string]string{
	"port":                  "8080",
	"database_url":          "",
	"redis_url":             "",
	"log_level":             "info",
	"service_name":          "posting-relay",
	"ingest_token":          "",
	"ingest_url":            "",
	"ingest_signing_secret": "",
	"outbox_path":           "storage/ingest-outbox.ndjson",
	"outbox_dead_path":      "storage/ingest-outbox.dead.ndjson",
	"alerts_webhook_url":    "",
}

var intDefaults = map[string]int64{
	"outbox_max_attempts":          10,
	"outbox_backlog_warn":          25,
	"outbox_backlog_critical":      100,
	"ingest_failure_warn":          10,
	"ingest_failure_critical":      50,
	"intake_validation_error_warn": 20,
}

var durationDefaults = map[string]time.Duration{
	"ingest_timeout":        5 * time.Second,
	"outbox_flush_interval": 15 * time.Second,
	"outbox_base_delay":     time.Second,
	"outbox_max_delay":      15 * time.Minute,
	"alerts_min_interval":   15 * time.Minute,
	"monitor_interval":      time.Minute,
}

// Load reads configuration from environment variables and, when cfgFile is
// set, from that file. Environment variables win. Non-positive numbers and
// durations fall back to their defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	for key, val := range stringDefaults {
		v.SetDefault(key, val)
	}
	for key, val := range intDefaults {
		v.SetDefault(key, val)
	}
	for key, val := range durationDefaults {
		v.SetDefault(key, val)
	}
	v.SetDefault("alerts_enabled", true)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		Port:        v.GetString("port"),
		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),
		LogLevel:    v.GetString("log_level"),
		ServiceName: v.GetString("service_name"),
		Ingest: Ingest{
			Token:         v.GetString("ingest_token"),
			URL:           v.GetString("ingest_url"),
			Timeout:       duration(v, "ingest_timeout"),
			SigningSecret: v.GetString("ingest_signing_secret"),
		},
		Outbox: Outbox{
			Path:            v.GetString("outbox_path"),
			DeadPath:        v.GetString("outbox_dead_path"),
			FlushInterval:   duration(v, "outbox_flush_interval"),
			MaxAttempts:     int(positive(v, "outbox_max_attempts")),
			BaseDelay:       duration(v, "outbox_base_delay"),
			MaxDelay:        duration(v, "outbox_max_delay"),
			BacklogWarn:     positive(v, "outbox_backlog_warn"),
			BacklogCritical: positive(v, "outbox_backlog_critical"),
		},
		Alerts: Alerts{
			Enabled:     v.GetBool("alerts_enabled"),
			WebhookURL:  v.GetString("alerts_webhook_url"),
			MinInterval: duration(v, "alerts_min_interval"),
		},
		Monitor: Monitor{
			Interval:        duration(v, "monitor_interval"),
			FailureWarn:     positive(v, "ingest_failure_warn"),
			FailureCritical: positive(v, "ingest_failure_critical"),
			ValidationWarn:  positive(v, "intake_validation_error_warn"),
		},
	}
	return cfg, nil
}

// RequireStores reports an error when the server's backing stores are not
// configured.
func (c *Config) RequireStores() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) OutboxConfig() outbox.Config {
	return outbox.Config{
		MaxAttempts:   c.Outbox.MaxAttempts,
		BaseDelay:     c.Outbox.BaseDelay,
		MaxDelay:      c.Outbox.MaxDelay,
		Jitter:        outbox.DefaultConfig().Jitter,
		FlushInterval: c.Outbox.FlushInterval,
	}
}

func (c *Config) DelivererConfig() worker.DelivererConfig {
	return worker.DelivererConfig{
		URL:           c.Ingest.URL,
		Token:         c.Ingest.Token,
		SigningSecret: c.Ingest.SigningSecret,
		Timeout:       c.Ingest.Timeout,
	}
}

func (c *Config) DispatcherConfig() alerting.DispatcherConfig {
	return alerting.DispatcherConfig{
		Service:     c.ServiceName,
		Enabled:     c.Alerts.Enabled,
		WebhookURL:  c.Alerts.WebhookURL,
		MinInterval: c.Alerts.MinInterval,
	}
}

func (c *Config) MonitorConfig() alerting.MonitorConfig {
	cfg := alerting.DefaultMonitorConfig()
	cfg.MinInterval = c.Alerts.MinInterval
	cfg.FailureWarn = c.Monitor.FailureWarn
	cfg.FailureCritical = c.Monitor.FailureCritical
	cfg.ValidationWarn = c.Monitor.ValidationWarn
	cfg.BacklogWarn = c.Outbox.BacklogWarn
	cfg.BacklogCritical = c.Outbox.BacklogCritical
	return cfg
}

func positive(v *viper.Viper, key string) int64 {
	if n := v.GetInt64(key); n > 0 {
		return n
	}
	return intDefaults[key]
}

func duration(v *viper.Viper, key string) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return durationDefaults[key]
}
