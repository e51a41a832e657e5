// Package config loads process configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file (VERITAS_CONFIG or --config), then environment
// variables. main applies explicit command-line flags last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	strutil "veritas/pkg/platform/strings"
)

// Token backends for the verification portal.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full process configuration.
type Config struct {
	Server    Server          `yaml:"server"`
	Envelope  EnvelopeConfig  `yaml:"envelope"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Portal    PortalConfig    `yaml:"portal"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string `yaml:"addr"`
	RegulatedMode bool   `yaml:"regulated_mode"`
	LogLevel      string `yaml:"log_level"`
	// CollapsePortalReasons reports every failed redemption to external
	// callers as invalid_token. Detailed reasons are still logged.
	CollapsePortalReasons bool          `yaml:"collapse_portal_reasons"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	// AdminToken guards operator routes (sealing, linking, token
	// administration). Empty leaves them open, which regulated mode forbids.
	AdminToken string `yaml:"admin_token"`
}

// CollapseReasons reports whether failed redemptions are reported to
// external callers as invalid_token. Regulated mode always collapses.
func (s Server) CollapseReasons() bool {
	return s.CollapsePortalReasons || s.RegulatedMode
}

// EnvelopeConfig configures signing.
type EnvelopeConfig struct {
	Issuer         string        `yaml:"issuer"`
	TrustedIssuer  string        `yaml:"trusted_issuer"`
	TTL            time.Duration `yaml:"ttl"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	PublicKeyPath  string        `yaml:"public_key_path"`
}

// DatabaseConfig configures the Postgres pool. An empty URL disables
// Postgres-backed stores.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the Redis client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PortalConfig configures disclosure tokens.
type PortalConfig struct {
	TokenBackend    string        `yaml:"token_backend"`
	DefaultTTLHours int           `yaml:"default_ttl_hours"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// RedisGrace keeps consumed or expired records in Redis past expiry so
	// status queries can still tell "used" from "unknown".
	RedisGrace time.Duration `yaml:"redis_grace"`
}

// KafkaConfig configures the audit outbox relay. No brokers disables it.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	RelayInterval time.Duration `yaml:"relay_interval"`
}

// AuditConfig configures the audit publisher.
type AuditConfig struct {
	AsyncBuffer int `yaml:"async_buffer"`
}

// RateLimitConfig limits public endpoints per client IP. A zero
// per-minute value leaves that endpoint unlimited.
type RateLimitConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Backend         string `yaml:"backend"`
	RedeemPerMinute int    `yaml:"redeem_per_minute"`
	VerifyPerMinute int    `yaml:"verify_per_minute"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Envelope: EnvelopeConfig{
			Issuer: "veritas",
			TTL:    time.Hour,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Portal: PortalConfig{
			TokenBackend:    BackendMemory,
			DefaultTTLHours: 24,
			CleanupInterval: 10 * time.Minute,
			RedisGrace:      24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic:         "veritas.audit",
			RelayInterval: time.Second,
		},
		Audit: AuditConfig{AsyncBuffer: 0},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Backend:         BackendMemory,
			RedeemPerMinute: 30,
			VerifyPerMinute: 120,
		},
	}
}

// FromEnv builds a Config from defaults and environment variables so main
// stays lean.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg, os.Getenv)
	return cfg
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	cfg.Kafka.Brokers = strutil.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PathFromEnv returns the config file named by VERITAS_CONFIG.
func PathFromEnv() string {
	return os.Getenv("VERITAS_CONFIG")
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Envelope.Issuer) == "" {
		return errors.New("config: envelope issuer is required")
	}
	if c.Envelope.TTL <= 0 {
		return errors.New("config: envelope ttl must be positive")
	}
	if c.Server.RegulatedMode && c.Server.AdminToken == "" {
		return errors.New("config: regulated mode requires an admin token")
	}
	if c.Portal.DefaultTTLHours <= 0 {
		return errors.New("config: portal default_ttl_hours must be positive")
	}
	switch c.Portal.TokenBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("config: token backend postgres requires database url")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("config: token backend redis requires redis url")
		}
	default:
		return fmt.Errorf("config: unknown token backend %q", c.Portal.TokenBackend)
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("config: rate limit backend redis requires redis url")
		}
	default:
		return fmt.Errorf("config: unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if len(c.Kafka.Brokers) > 0 && c.Database.URL == "" {
		return errors.New("config: kafka relay requires database url for the audit outbox")
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("VERITAS_ADDR", &cfg.Server.Addr)
	boolean("REGULATED_MODE", &cfg.Server.RegulatedMode)
	str("VERITAS_LOG_LEVEL", &cfg.Server.LogLevel)
	boolean("VERITAS_COLLAPSE_PORTAL_REASONS", &cfg.Server.CollapsePortalReasons)
	str("VERITAS_ADMIN_TOKEN", &cfg.Server.AdminToken)

	str("VERITAS_ISSUER", &cfg.Envelope.Issuer)
	str("VERITAS_TRUSTED_ISSUER", &cfg.Envelope.TrustedIssuer)
	duration("VERITAS_ENVELOPE_TTL", &cfg.Envelope.TTL)
	str("VERITAS_PRIVATE_KEY", &cfg.Envelope.PrivateKeyPath)
	str("VERITAS_PUBLIC_KEY", &cfg.Envelope.PublicKeyPath)

	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)

	str("VERITAS_TOKEN_BACKEND", &cfg.Portal.TokenBackend)
	integer("VERITAS_DEFAULT_TTL_HOURS", &cfg.Portal.DefaultTTLHours)
	duration("VERITAS_CLEANUP_INTERVAL", &cfg.Portal.CleanupInterval)

	if brokers := strutil.SplitList(getenv("KAFKA_BROKERS"), ","); brokers != nil {
		cfg.Kafka.Brokers = brokers
	}
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	integer("VERITAS_AUDIT_BUFFER", &cfg.Audit.AsyncBuffer)

	boolean("VERITAS_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	str("VERITAS_RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	integer("VERITAS_REDEEM_PER_MINUTE", &cfg.RateLimit.RedeemPerMinute)
	integer("VERITAS_VERIFY_PER_MINUTE", &cfg.RateLimit.VerifyPerMinute)
}
