// Package config loads service configuration from an optional file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carepath/medtrack/pkg/circuitbreaker"
	"github.com/carepath/medtrack/pkg/workerpool"
)

// EnvPrefix prefixes every environment override, e.g. MEDTRACK_CLINIC_TIMEZONE
// overrides clinic.timezone.
const EnvPrefix = "MEDTRACK"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Clinic   ClinicConfig   `mapstructure:"clinic"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the store. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// KafkaConfig enables the Redpanda event stream when Brokers is set. With
// Outbox on a Postgres store, the tracker writes events to the outbox table
// and outbox-relay publishes them.
type KafkaConfig struct {
	Brokers            []string      `mapstructure:"brokers"`
	Outbox             bool          `mapstructure:"outbox"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxRetention    time.Duration `mapstructure:"outbox_retention"`
}

type ClinicConfig struct {
	// Timezone is the IANA zone every schedule is anchored to.
	Timezone string `mapstructure:"timezone"`
}

type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	FailureRatio     float64       `mapstructure:"failure_ratio"`
	MinRequests      uint32        `mapstructure:"min_requests"`
}

type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Grace      time.Duration `mapstructure:"grace"`
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// plainEnv lists the unprefixed variables the deployment manifests already set.
var plainEnv = map[string]string{
	"server.port":      "PORT",
	"database.url":     "DATABASE_URL",
	"kafka.brokers":    "KAFKA_BROKERS",
	"auth.api_keys":    "API_KEYS",
	"tracing.endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"logging.level":    "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	cb := circuitbreaker.DefaultConfig("")
	pool := workerpool.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.outbox", false)
	v.SetDefault("kafka.outbox_poll_interval", 500*time.Millisecond)
	v.SetDefault("kafka.outbox_retention", 7*24*time.Hour)
	v.SetDefault("clinic.timezone", "UTC")
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("breaker.max_requests", cb.MaxRequests)
	v.SetDefault("breaker.interval", cb.Interval)
	v.SetDefault("breaker.timeout", cb.Timeout)
	v.SetDefault("breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("breaker.failure_ratio", cb.FailureRatio)
	v.SetDefault("breaker.min_requests", cb.MinRequests)
	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.grace", time.Duration(0))
	v.SetDefault("monitor.workers", pool.Workers)
	v.SetDefault("monitor.max_retries", pool.MaxRetries)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads path, if non-empty, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range plainEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Auth.APIKeys = splitList(cfg.Auth.APIKeys)
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1]")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Kafka.Outbox && c.Database.URL == "" {
		return fmt.Errorf("kafka.outbox needs database.url")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}
	return nil
}

// Location loads the clinic time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Clinic.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clinic.timezone %q: %w", c.Clinic.Timezone, err)
	}
	return loc, nil
}

// CircuitBreaker returns the template for the store breakers.
func (c *Config) CircuitBreaker(name string) circuitbreaker.Config {
	cb := circuitbreaker.DefaultConfig(name)
	cb.MaxRequests = c.Breaker.MaxRequests
	cb.Interval = c.Breaker.Interval
	cb.Timeout = c.Breaker.Timeout
	cb.FailureThreshold = c.Breaker.FailureThreshold
	cb.FailureRatio = c.Breaker.FailureRatio
	cb.MinRequests = c.Breaker.MinRequests
	return cb
}

// APIKeyClients maps each API key to the client id recorded with the
// actions it performs. Entries are "client:key"; a bare key is its own
// client id.
func (c *Config) APIKeyClients() map[string]string {
	out := make(map[string]string, len(c.Auth.APIKeys))
	for _, entry := range c.Auth.APIKeys {
		client, key, found := strings.Cut(entry, ":")
		if !found {
			key, client = entry, entry
		}
		if key = strings.TrimSpace(key); key != "" {
			out[key] = strings.TrimSpace(client)
		}
	}
	return out
}

// WorkerPool returns the dose monitor pool settings.
func (c *Config) WorkerPool() workerpool.Config {
	pool := workerpool.DefaultConfig()
	if c.Monitor.Workers > 0 {
		pool.Workers = c.Monitor.Workers
	}
	pool.MaxRetries = c.Monitor.MaxRetries
	return pool
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
