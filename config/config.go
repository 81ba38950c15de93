// Package config loads the engine configuration from an optional YAML file
// merged with environment overrides. Defaults and bounds are applied in
// Finalize so every component sees a fully resolved value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root engine configuration.
	Config struct {
		// Postgres is the durable store DSN.
		Postgres string `yaml:"postgres"`
		// Redis is the ephemeral store address (host:port).
		Redis string `yaml:"redis"`
		// RedisPassword authenticates the ephemeral store connection.
		RedisPassword string `yaml:"redis_password"`
		// Environment is "production", "staging" or "development". Non-prod
		// relaxes a few guards (localhost webhooks, plain-hash dedupe).
		Environment string `yaml:"environment"`

		// QueueConcurrency is the per-stage handler parallelism.
		QueueConcurrency int `yaml:"queue_concurrency"`
		// MaxRetries bounds stage job attempts before DLQ placement.
		MaxRetries int `yaml:"max_retries"`
		// RetryBackoffMs is the base for exponential retry backoff.
		RetryBackoffMs int `yaml:"retry_backoff_ms"`
		// JobTimeoutMs bounds a single stage handler invocation.
		JobTimeoutMs int `yaml:"job_timeout_ms"`
		// ShutdownTimeout bounds graceful drain.
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		// EventRetentionDays and SoftDeleteRetentionDays feed the external
		// cleanup scheduler; the engine only records them.
		EventRetentionDays      int `yaml:"event_retention_days"`
		SoftDeleteRetentionDays int `yaml:"soft_delete_retention_days"`

		Dedupe    Dedupe            `yaml:"dedupe"`
		Trust     Trust             `yaml:"trust"`
		Rates     Rates             `yaml:"rate_limits"`
		InFlight  InFlight          `yaml:"in_flight"`
		Webhook   Webhook           `yaml:"webhook"`
		Sandbox   Sandbox           `yaml:"cognigate"`
		Breakers  map[string]Breaker `yaml:"breakers"`
		Redaction Redaction         `yaml:"redaction"`
	}

	// Dedupe configures fingerprinting and reservation.
	Dedupe struct {
		// Secret keys the fingerprint HMAC. Empty falls back to a plain hash
		// outside production (a warning is logged once).
		Secret string `yaml:"secret"`
		// TTLSeconds is the lifetime of the fast reservation marker.
		TTLSeconds int `yaml:"ttl_seconds"`
		// TimestampWindowSeconds buckets the fingerprint in time so replays
		// outside the window admit a fresh intent.
		TimestampWindowSeconds int `yaml:"timestamp_window_seconds"`
	}

	// Trust configures gate thresholds.
	Trust struct {
		// Gates maps intent type to the minimum trust level admitted.
		Gates map[string]int `yaml:"gates"`
		// DefaultMinLevel applies when Gates has no entry for a type.
		DefaultMinLevel int `yaml:"default_min_level"`
	}

	// Rate is one sliding-window limit.
	Rate struct {
		Limit         int `yaml:"limit"`
		WindowSeconds int `yaml:"window_seconds"`
	}

	// Rates holds the per-type limits plus tenant overrides.
	Rates struct {
		Default     Rate            `yaml:"default"`
		HighRisk    Rate            `yaml:"high_risk"`
		DataExport  Rate            `yaml:"data_export"`
		AdminAction Rate            `yaml:"admin_action"`
		Entity      Rate            `yaml:"entity"`
		Tenants     map[string]Rate `yaml:"tenants"`
	}

	// InFlight bounds concurrent live intents per tenant.
	InFlight struct {
		Default int            `yaml:"default"`
		Tenants map[string]int `yaml:"tenants"`
	}

	// Webhook configures outbound delivery.
	Webhook struct {
		TimeoutMs               int  `yaml:"timeout_ms"`
		RetryAttempts           int  `yaml:"retry_attempts"`
		RetryDelayMs            int  `yaml:"retry_delay_ms"`
		AllowDNSChange          bool `yaml:"allow_dns_change"`
		CircuitFailureThreshold int  `yaml:"circuit_failure_threshold"`
		CircuitResetTimeoutMs   int  `yaml:"circuit_reset_timeout_ms"`
		// MaxConcurrent bounds parallel deliveries per dispatch batch.
		MaxConcurrent int `yaml:"max_concurrent"`
		// GlobalRatePerSecond paces all outbound attempts process-wide.
		// Zero disables pacing.
		GlobalRatePerSecond float64 `yaml:"global_rate_per_second"`
	}

	// Sandbox carries the resource limits handed to the execution runtime.
	Sandbox struct {
		MaxMemoryMB   int           `yaml:"max_memory_mb"`
		MaxCPUPercent int           `yaml:"max_cpu_percent"`
		Timeout       time.Duration `yaml:"timeout"`
		MaxConcurrent int           `yaml:"max_concurrent"`
	}

	// Breaker configures one named circuit breaker.
	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		ResetTimeout     time.Duration `yaml:"reset_timeout"`
		HalfOpenProbes   int           `yaml:"half_open_probes"`
	}

	// Redaction configures sensitive-path scrubbing and optional context
	// encryption at rest.
	Redaction struct {
		// SensitivePaths are dot paths replaced by the redaction placeholder.
		SensitivePaths []string `yaml:"sensitive_paths"`
		// EncryptContext enables authenticated encryption of context and
		// metadata before persistence.
		EncryptContext bool `yaml:"encrypt_context"`
		// EncryptionKey is the hex-encoded 256-bit key used when
		// EncryptContext is set.
		EncryptionKey string `yaml:"encryption_key"`
	}
)

// Load reads the YAML file at path when it exists, applies environment
// overrides, then resolves defaults. A missing file is not an error: the
// engine can run from environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.Finalize()
	return cfg, nil
}

// applyEnv overlays recognized VORION_* environment variables.
func (c *Config) applyEnv() {
	envStr("VORION_POSTGRES", &c.Postgres)
	envStr("VORION_REDIS", &c.Redis)
	envStr("VORION_REDIS_PASSWORD", &c.RedisPassword)
	envStr("VORION_ENV", &c.Environment)
	envInt("VORION_QUEUE_CONCURRENCY", &c.QueueConcurrency)
	envInt("VORION_MAX_RETRIES", &c.MaxRetries)
	envInt("VORION_RETRY_BACKOFF_MS", &c.RetryBackoffMs)
	envInt("VORION_JOB_TIMEOUT_MS", &c.JobTimeoutMs)
	envInt("VORION_EVENT_RETENTION_DAYS", &c.EventRetentionDays)
	envInt("VORION_SOFT_DELETE_RETENTION_DAYS", &c.SoftDeleteRetentionDays)
	envStr("VORION_DEDUPE_SECRET", &c.Dedupe.Secret)
	envInt("VORION_DEDUPE_TTL_SECONDS", &c.Dedupe.TTLSeconds)
	envInt("VORION_DEDUPE_WINDOW_SECONDS", &c.Dedupe.TimestampWindowSeconds)
	envStr("VORION_ENCRYPTION_KEY", &c.Redaction.EncryptionKey)
	envBool("VORION_ENCRYPT_CONTEXT", &c.Redaction.EncryptContext)
	if v := os.Getenv("VORION_SENSITIVE_PATHS"); v != "" {
		c.Redaction.SensitivePaths = splitTrim(v)
	}
	envInt("VORION_WEBHOOK_TIMEOUT_MS", &c.Webhook.TimeoutMs)
	envInt("VORION_WEBHOOK_RETRY_ATTEMPTS", &c.Webhook.RetryAttempts)
	envInt("VORION_WEBHOOK_RETRY_DELAY_MS", &c.Webhook.RetryDelayMs)
	envBool("VORION_WEBHOOK_ALLOW_DNS_CHANGE", &c.Webhook.AllowDNSChange)
	envInt("VORION_WEBHOOK_CIRCUIT_FAILURE_THRESHOLD", &c.Webhook.CircuitFailureThreshold)
	envInt("VORION_WEBHOOK_CIRCUIT_RESET_TIMEOUT_MS", &c.Webhook.CircuitResetTimeoutMs)
}

// Finalize applies defaults and clamps. Safe to call more than once.
func (c *Config) Finalize() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.QueueConcurrency <= 0 {
		c.QueueConcurrency = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffMs <= 0 {
		c.RetryBackoffMs = 1000
	}
	if c.JobTimeoutMs <= 0 {
		c.JobTimeoutMs = 30000
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Dedupe.TTLSeconds <= 0 {
		c.Dedupe.TTLSeconds = 300
	}
	if c.Dedupe.TimestampWindowSeconds <= 0 {
		c.Dedupe.TimestampWindowSeconds = 60
	}
	if c.Trust.DefaultMinLevel < 0 {
		c.Trust.DefaultMinLevel = 0
	}
	if c.Trust.Gates == nil {
		c.Trust.Gates = map[string]int{
			"default":      1,
			"high-risk":    3,
			"data-export":  3,
			"admin-action": 4,
		}
	}
	defRate := func(r *Rate, limit, window int) {
		if r.Limit <= 0 {
			r.Limit = limit
		}
		if r.WindowSeconds <= 0 {
			r.WindowSeconds = window
		}
	}
	defRate(&c.Rates.Default, 100, 60)
	defRate(&c.Rates.HighRisk, 10, 60)
	defRate(&c.Rates.DataExport, 5, 300)
	defRate(&c.Rates.AdminAction, 20, 60)
	defRate(&c.Rates.Entity, 50, 60)
	if c.InFlight.Default <= 0 {
		c.InFlight.Default = 100
	}
	if c.Webhook.TimeoutMs <= 0 {
		c.Webhook.TimeoutMs = 10000
	}
	if c.Webhook.TimeoutMs < 1000 {
		c.Webhook.TimeoutMs = 1000
	}
	if c.Webhook.TimeoutMs > 60000 {
		c.Webhook.TimeoutMs = 60000
	}
	if c.Webhook.RetryAttempts <= 0 {
		c.Webhook.RetryAttempts = 3
	}
	if c.Webhook.RetryDelayMs <= 0 {
		c.Webhook.RetryDelayMs = 1000
	}
	if c.Webhook.CircuitFailureThreshold <= 0 {
		c.Webhook.CircuitFailureThreshold = 5
	}
	if c.Webhook.CircuitResetTimeoutMs <= 0 {
		c.Webhook.CircuitResetTimeoutMs = 300000
	}
	if c.Webhook.MaxConcurrent <= 0 {
		c.Webhook.MaxConcurrent = 10
	}
	if c.Sandbox.MaxMemoryMB <= 0 {
		c.Sandbox.MaxMemoryMB = 512
	}
	if c.Sandbox.MaxCPUPercent <= 0 {
		c.Sandbox.MaxCPUPercent = 50
	}
	if c.Sandbox.Timeout <= 0 {
		c.Sandbox.Timeout = 60 * time.Second
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		c.Sandbox.MaxConcurrent = 5
	}
	if c.Breakers == nil {
		c.Breakers = make(map[string]Breaker)
	}
	for _, name := range []string{"trustEngine", "policyEngine", "sandbox"} {
		b := c.Breakers[name]
		if b.FailureThreshold <= 0 {
			b.FailureThreshold = 5
		}
		if b.ResetTimeout <= 0 {
			b.ResetTimeout = 30 * time.Second
		}
		if b.HalfOpenProbes <= 0 {
			b.HalfOpenProbes = 1
		}
		c.Breakers[name] = b
	}
}

// Production reports whether the engine runs with production guards.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// RateFor resolves the limit for a tenant and intent type: tenant override,
// then the per-type limit, then the service default. Types outside the known
// set fall through to the default bucket.
func (c *Config) RateFor(tenant, intentType string) Rate {
	if r, ok := c.Rates.Tenants[tenant]; ok {
		return r
	}
	switch intentType {
	case "high-risk":
		return c.Rates.HighRisk
	case "data-export":
		return c.Rates.DataExport
	case "admin-action":
		return c.Rates.AdminAction
	default:
		return c.Rates.Default
	}
}

// MaxInFlight resolves the live-intent cap for a tenant.
func (c *Config) MaxInFlight(tenant string) int {
	if n, ok := c.InFlight.Tenants[tenant]; ok && n > 0 {
		return n
	}
	return c.InFlight.Default
}

// RequiredTrustLevel resolves the trust gate threshold for an intent type.
func (c *Config) RequiredTrustLevel(intentType string) int {
	if intentType == "" {
		intentType = "default"
	}
	if lvl, ok := c.Trust.Gates[intentType]; ok {
		return lvl
	}
	return c.Trust.DefaultMinLevel
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
