// Package config loads service configuration from three layers in rising
// precedence: built-in defaults, an optional yaml file, and PHASEGATE_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	Database  Database  `mapstructure:"database"`
	Redis     Redis     `mapstructure:"redis"`
	NATS      NATS      `mapstructure:"nats"`
	SLA       SLA       `mapstructure:"sla"`
	Guards    Guards    `mapstructure:"guards"`
	Audit     Audit     `mapstructure:"audit"`
	Authz     Authz     `mapstructure:"authz"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// NewLogger builds a slog.Logger writing to w per the configured level and
// format.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func (l Log) slogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Database selects the storage backend. An empty URL selects lite mode:
// a local SQLite file instead of postgres.
type Database struct {
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LiteMode reports whether the service runs on the embedded SQLite store.
func (d Database) LiteMode() bool {
	return d.URL == ""
}

// Redis configures the optional distributed rate limiter backend. Empty URL
// keeps rate limiting in-process.
type Redis struct {
	URL string `mapstructure:"url"`
}

// NATS configures the optional notification broker. Empty URL keeps
// notifications on the structured log.
type NATS struct {
	URL string `mapstructure:"url"`
}

// SLA configures the policy file and the escalation scanner.
type SLA struct {
	PolicyFile   string        `mapstructure:"policy_file"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// Guards points at the optional completion guard rule file.
type Guards struct {
	File string `mapstructure:"file"`
}

// Audit mirrors audit entries to a JSON-lines file in addition to the
// database chain. Empty path keeps the chain as the only sink.
type Audit struct {
	File string `mapstructure:"file"`
}

// Authz seeds the in-process permission source at startup. Overriders are
// also granted advance. Deployments with an external permission service
// leave both lists empty and gate the API upstream.
type Authz struct {
	Advancers  []string `mapstructure:"advancers"`
	Overriders []string `mapstructure:"overriders"`
}

// Telemetry configures the OpenTelemetry provider.
type Telemetry struct {
	Enabled          bool    `mapstructure:"enabled"`
	OTLPEndpoint     string  `mapstructure:"otlp_endpoint"`
	SampleRate       float64 `mapstructure:"sample_rate"`
	Insecure         bool    `mapstructure:"insecure"`
	EnablePrometheus bool    `mapstructure:"enable_prometheus"`
	Environment      string  `mapstructure:"environment"`
}

// RateLimit configures per-client request limits at the HTTP boundary.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load reads configuration. With file set that exact file must exist and
// parse; otherwise phasegate.yaml is searched in ., ./configs and
// /etc/phasegate, and a missing file is fine. DATABASE_URL is honored with
// and without the PHASEGATE_ prefix.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PHASEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "PHASEGATE_DATABASE_URL", "DATABASE_URL")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	} else {
		v.SetConfigName("phasegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/phasegate")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "data/phasegate.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("nats.url", "")

	v.SetDefault("sla.policy_file", "configs/sla.yaml")
	v.SetDefault("sla.scan_interval", 15*time.Minute)

	v.SetDefault("guards.file", "")

	v.SetDefault("audit.file", "")
	v.SetDefault("authz.advancers", []string{})
	v.SetDefault("authz.overriders", []string{})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.enable_prometheus", true)
	v.SetDefault("telemetry.environment", "development")

	v.SetDefault("rate_limit.rps", 20.0)
	v.SetDefault("rate_limit.burst", 40)
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config: telemetry.sample_rate %v outside [0,1]", c.Telemetry.SampleRate)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("config: rate_limit.rps must be positive, got %v", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("config: rate_limit.burst must be at least 1, got %d", c.RateLimit.Burst)
	}
	if c.SLA.ScanInterval <= 0 {
		return fmt.Errorf("config: sla.scan_interval must be positive, got %v", c.SLA.ScanInterval)
	}
	if c.Database.LiteMode() && c.Database.SQLitePath == "" {
		return errors.New("config: database.sqlite_path must not be empty in lite mode")
	}
	return nil
}
