// Package config loads runtime settings from flags, environment variables
// (LABGOAT_ prefix) and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LABGOAT"

type Config struct {
	Server  Server
	Store   Store
	Stats   Stats
	Builder Builder
	Monitor Monitor
	Events  Events
	Log     Log
}

type Server struct {
	Addr            string
	APIToken        string
	PublicURL       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Store struct {
	Driver         string
	Path           string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

type Stats struct {
	ConfidenceLevel         float64
	Power                   float64
	MinimumDetectableEffect float64
	DailyTraffic            int64
}

type Builder struct {
	MinTrafficPerVariation int64
	MaxTreatments          int
}

type Monitor struct {
	Enabled               bool
	Interval              time.Duration
	MinVisitors           int64
	UnderperformThreshold float64
	LeaseTTL              time.Duration
}

type Events struct {
	NATSURL string
	Subject string
	History int
}

type Log struct {
	Level       string
	Development bool
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./labgoat.db")
	v.SetDefault("store.timeout", 2*time.Second)
	v.SetDefault("store.max_attempts", 3)
	v.SetDefault("store.retry_base_delay", 50*time.Millisecond)

	v.SetDefault("stats.confidence_level", 95.0)
	v.SetDefault("stats.power", 80.0)
	v.SetDefault("stats.minimum_detectable_effect", 0.1)
	v.SetDefault("stats.daily_traffic", 1000)

	v.SetDefault("builder.min_traffic_per_variation", 1000)
	v.SetDefault("builder.max_treatments", 3)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.min_visitors", 100)
	v.SetDefault("monitor.underperform_threshold", 0.1)
	v.SetDefault("monitor.lease_ttl", 2*time.Minute)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "labgoat.events")
	v.SetDefault("events.history", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// ReadFile merges a YAML, JSON or TOML file into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: Server{
			Addr:            v.GetString("server.addr"),
			APIToken:        v.GetString("server.api_token"),
			PublicURL:       v.GetString("server.public_url"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Store: Store{
			Driver:         v.GetString("store.driver"),
			Path:           v.GetString("store.path"),
			Timeout:        v.GetDuration("store.timeout"),
			MaxAttempts:    v.GetInt("store.max_attempts"),
			RetryBaseDelay: v.GetDuration("store.retry_base_delay"),
		},
		Stats: Stats{
			ConfidenceLevel:         v.GetFloat64("stats.confidence_level"),
			Power:                   v.GetFloat64("stats.power"),
			MinimumDetectableEffect: v.GetFloat64("stats.minimum_detectable_effect"),
			DailyTraffic:            v.GetInt64("stats.daily_traffic"),
		},
		Builder: Builder{
			MinTrafficPerVariation: v.GetInt64("builder.min_traffic_per_variation"),
			MaxTreatments:          v.GetInt("builder.max_treatments"),
		},
		Monitor: Monitor{
			Enabled:               v.GetBool("monitor.enabled"),
			Interval:              v.GetDuration("monitor.interval"),
			MinVisitors:           v.GetInt64("monitor.min_visitors"),
			UnderperformThreshold: v.GetFloat64("monitor.underperform_threshold"),
			LeaseTTL:              v.GetDuration("monitor.lease_ttl"),
		},
		Events: Events{
			NATSURL: v.GetString("events.nats_url"),
			Subject: v.GetString("events.subject"),
			History: v.GetInt("events.history"),
		},
		Log: Log{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Store.Driver != "sqlite" && c.Store.Driver != "badger" {
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or badger, got %q", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.MaxAttempts < 1 {
		errs = append(errs, errors.New("store.max_attempts must be at least 1"))
	}
	if c.Stats.ConfidenceLevel < 80 || c.Stats.ConfidenceLevel > 99 {
		errs = append(errs, errors.New("stats.confidence_level must be between 80 and 99"))
	}
	if c.Stats.Power < 50 || c.Stats.Power > 95 {
		errs = append(errs, errors.New("stats.power must be between 50 and 95"))
	}
	if c.Stats.MinimumDetectableEffect <= 0 {
		errs = append(errs, errors.New("stats.minimum_detectable_effect must be positive"))
	}
	if c.Builder.MinTrafficPerVariation < 1 {
		errs = append(errs, errors.New("builder.min_traffic_per_variation must be positive"))
	}
	if c.Builder.MaxTreatments < 1 {
		errs = append(errs, errors.New("builder.max_treatments must be at least 1"))
	}
	if c.Monitor.UnderperformThreshold <= 0 || c.Monitor.UnderperformThreshold >= 1 {
		errs = append(errs, errors.New("monitor.underperform_threshold must be between 0 and 1"))
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"store.timeout":           c.Store.Timeout,
		"store.retry_base_delay":  c.Store.RetryBaseDelay,
		"monitor.interval":        c.Monitor.Interval,
		"monitor.lease_ttl":       c.Monitor.LeaseTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}
