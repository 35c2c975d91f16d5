// Package config loads the gate's configuration from YAML with environment
// variable overrides layered on top, the same two-stage pattern the teacher
// codebase uses (YAML defaults, then env vars win). Only the closed
// configuration set named in spec §6 is represented — there is no tenant
// or feature-flag layer here, unlike the teacher's multi-tenant config.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the gate's complete runtime configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Signing      SigningConfig      `yaml:"signing"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	CircuitBreak CircuitBreakConfig `yaml:"circuit_breaker"`
	Policy       PolicyConfig       `yaml:"policy"`
	Store        StoreConfig       `yaml:"store"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

// SigningConfig carries the decision-token signing material.
// SIGNING_KEY_MATERIAL in spec §6.
type SigningConfig struct {
	KeyMaterial     string `yaml:"key_material"`
	PreviousKey     string `yaml:"previous_key_material"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"` // TOKEN_TTL_SECONDS, default 300
}

// LedgerConfig controls the shadow ledger's expiry sweeper.
type LedgerConfig struct {
	HoldExpirySweepSeconds int `yaml:"hold_expiry_sweep_seconds"` // HOLD_EXPIRY_SWEEP_SECONDS, default 60
}

// IdempotencyConfig controls ingress deduplication retention.
type IdempotencyConfig struct {
	RetentionDays int `yaml:"retention_days"` // IDEMPOTENCY_RETENTION_DAYS, default 7
}

// CircuitBreakConfig holds the circuit-breaker settings loaded from YAML and
// the CIRCUIT_THRESHOLD/CIRCUIT_RESET overrides. The breakers built by
// circuitbreaker.NewGateCircuitBreakers do not read it; they use that
// package's fixed defaults.
type CircuitBreakConfig struct {
	FailureThreshold int `yaml:"threshold"`     // CIRCUIT_THRESHOLD, default 5 failures
	ThresholdWindowS int `yaml:"threshold_window_sec"` // default 30s
	ResetSeconds     int `yaml:"reset_sec"`     // CIRCUIT_RESET, default 60s
	ResetSuccesses   int `yaml:"reset_successes"`      // default 3 successes
}

// PolicyConfig points at the active policy bundle.
type PolicyConfig struct {
	BundlePath     string `yaml:"bundle_path"` // POLICY_BUNDLE_PATH
	RemoteAddr     string `yaml:"remote_addr"` // optional gRPC policy service
}

// StoreConfig carries connection settings for the three logical stores.
type StoreConfig struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Supabase  SupabaseConfig  `yaml:"supabase"`
	Spanner   SpannerConfig   `yaml:"spanner"`
	Redis     RedisConfig     `yaml:"redis"`
	Pubsub    PubsubConfig    `yaml:"pubsub"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubsubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// TokenTTL returns the decision-token lifetime as a Duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Signing.TokenTTLSeconds) * time.Second
}

// SweepInterval returns the shadow-ledger expiry sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Ledger.HoldExpirySweepSeconds) * time.Second
}

// IdempotencyRetention returns the idempotency-record retention window.
func (c *Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.Idempotency.RetentionDays) * 24 * time.Hour
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loaded once from
// CONFIG_PATH (default "config.yaml") with env overrides applied.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Warn("config: no .env file loaded", "error", err)
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyDefaults()
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads and parses the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in spec §6's documented defaults for any zero-valued
// field, so a minimal or missing config.yaml still produces a safe gate.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8443"
	}
	if c.Signing.TokenTTLSeconds == 0 {
		c.Signing.TokenTTLSeconds = 300
	}
	if c.Ledger.HoldExpirySweepSeconds == 0 {
		c.Ledger.HoldExpirySweepSeconds = 60
	}
	if c.Idempotency.RetentionDays == 0 {
		c.Idempotency.RetentionDays = 7
	}
	if c.CircuitBreak.FailureThreshold == 0 {
		c.CircuitBreak.FailureThreshold = 5
	}
	if c.CircuitBreak.ThresholdWindowS == 0 {
		c.CircuitBreak.ThresholdWindowS = 30
	}
	if c.CircuitBreak.ResetSeconds == 0 {
		c.CircuitBreak.ResetSeconds = 60
	}
	if c.CircuitBreak.ResetSuccesses == 0 {
		c.CircuitBreak.ResetSuccesses = 3
	}
	if c.Policy.BundlePath == "" {
		c.Policy.BundlePath = "policy.yaml"
	}
}

// applyEnvOverrides layers environment variables over the YAML-loaded
// values, using the exact names spec §6 lists as the closed config set.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("GATE_ENV", c.Server.Env)

	c.Signing.KeyMaterial = getEnv("SIGNING_KEY_MATERIAL", c.Signing.KeyMaterial)
	c.Signing.TokenTTLSeconds = getEnvInt("TOKEN_TTL_SECONDS", c.Signing.TokenTTLSeconds)

	c.Ledger.HoldExpirySweepSeconds = getEnvInt("HOLD_EXPIRY_SWEEP_SECONDS", c.Ledger.HoldExpirySweepSeconds)

	c.Idempotency.RetentionDays = getEnvInt("IDEMPOTENCY_RETENTION_DAYS", c.Idempotency.RetentionDays)

	c.CircuitBreak.FailureThreshold = getEnvInt("CIRCUIT_THRESHOLD", c.CircuitBreak.FailureThreshold)
	c.CircuitBreak.ResetSeconds = getEnvInt("CIRCUIT_RESET", c.CircuitBreak.ResetSeconds)

	c.Policy.BundlePath = getEnv("POLICY_BUNDLE_PATH", c.Policy.BundlePath)
	c.Policy.RemoteAddr = getEnv("POLICY_REMOTE_ADDR", c.Policy.RemoteAddr)

	c.Store.Postgres.DSN = getEnv("GATE_POSTGRES_DSN", c.Store.Postgres.DSN)
	c.Store.Supabase.URL = getEnv("SUPABASE_URL", c.Store.Supabase.URL)
	c.Store.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Store.Supabase.ServiceKey)
	c.Store.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Store.Spanner.ProjectID)
	c.Store.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Store.Spanner.InstanceID)
	c.Store.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Store.Spanner.DatabaseID)
	c.Store.Redis.Enabled = getEnvBool("GATE_REDIS_ENABLED", c.Store.Redis.Enabled)
	c.Store.Redis.Addr = getEnv("GATE_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Pubsub.Enabled = getEnvBool("GATE_PUBSUB_ENABLED", c.Store.Pubsub.Enabled)
	c.Store.Pubsub.ProjectID = getEnv("GATE_PUBSUB_PROJECT_ID", c.Store.Pubsub.ProjectID)
	c.Store.Pubsub.Topic = getEnv("GATE_PUBSUB_TOPIC", c.Store.Pubsub.Topic)
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
