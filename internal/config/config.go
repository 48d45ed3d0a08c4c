// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// PlatformBaseURL is the Credential Platform API base URL (e.g. https://platform.example.com/v1).
	PlatformBaseURL string `mapstructure:"PLATFORM_BASE_URL"`
	// PlatformTokenURL is the OAuth token endpoint; defaults to <PLATFORM_BASE_URL>/oauth/token when empty.
	PlatformTokenURL string `mapstructure:"PLATFORM_TOKEN_URL"`
	// PlatformClientID is the client_credentials grant client id.
	PlatformClientID string `mapstructure:"PLATFORM_CLIENT_ID"`
	// PlatformClientSecret is the client_credentials grant client secret.
	PlatformClientSecret string `mapstructure:"PLATFORM_CLIENT_SECRET"`
	// PlatformOrgID is the organization id registered with the platform; used to resolve the agent before invitation creation.
	PlatformOrgID string `mapstructure:"PLATFORM_ORG_ID"`

	// WebhookSharedSecret guards the inbound webhook endpoint (X-Webhook-Secret header). Empty disables the check (dev only).
	WebhookSharedSecret string `mapstructure:"WEBHOOK_SHARED_SECRET"`

	// SessionTTLStr is the connection-session lifetime (e.g. "10m"); pending sessions past it are abandoned.
	SessionTTLStr string `mapstructure:"SESSION_TTL"`
	// ProofTTLStr is the proof-request lifetime (e.g. "10m").
	ProofTTLStr string `mapstructure:"PROOF_TTL"`
	// SweepIntervalStr is how often the worker abandons expired records (e.g. "30s").
	SweepIntervalStr string `mapstructure:"SWEEP_INTERVAL"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics/logs; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Audit pipeline (optional). When Kafka brokers are set, the reconciler emits audit events to Kafka.
	// AuditKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	AuditKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for webhook audit events (default credportal-audit).
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the audit worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the audit worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PLATFORM_BASE_URL", "")
	v.SetDefault("PLATFORM_TOKEN_URL", "")
	v.SetDefault("PLATFORM_CLIENT_ID", "")
	v.SetDefault("PLATFORM_CLIENT_SECRET", "")
	v.SetDefault("PLATFORM_ORG_ID", "")
	v.SetDefault("WEBHOOK_SHARED_SECRET", "")
	v.SetDefault("SESSION_TTL", "10m")
	v.SetDefault("PROOF_TTL", "10m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "credportal-audit")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "credportal-audit-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.Env == "production" && cfg.WebhookSharedSecret == "" {
		return nil, errors.New("config: WEBHOOK_SHARED_SECRET must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// TokenURL returns the OAuth token endpoint, deriving it from the base URL when unset.
func (c *Config) TokenURL() string {
	if c.PlatformTokenURL != "" {
		return c.PlatformTokenURL
	}
	if c.PlatformBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.PlatformBaseURL, "/") + "/oauth/token"
}

// SessionTTL parses SESSION_TTL as a time.Duration. Returns 10m if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	d, err := time.ParseDuration(c.SessionTTLStr)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ProofTTL parses PROOF_TTL as a time.Duration. Returns 10m if unset or invalid.
func (c *Config) ProofTTL() time.Duration {
	d, err := time.ParseDuration(c.ProofTTLStr)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// SweepInterval parses SWEEP_INTERVAL as a time.Duration. Returns 30s if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepIntervalStr)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the audit pipeline is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil || c.AuditKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AuditKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
