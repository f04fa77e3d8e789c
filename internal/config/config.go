// Package config loads process configuration from the environment.
// A .env file in the working directory (or the path in ENV_FILE) is read first;
// real environment variables always win over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fieldforce/internal/domain/merge"
)

// Sources of the merge admin check.
const (
	AuthzClaims   = "claims"
	AuthzDatabase = "database"
)

// Config holds all process configuration.
type Config struct {
	App      AppConfig
	Log      LogConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Merge    MergeConfig
	Kafka    KafkaConfig
	Worker   WorkerConfig
}

// AppConfig holds HTTP server settings.
type AppConfig struct {
	Env          string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	URL              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	StatementTimeout time.Duration
}

// JWTConfig holds bearer token validation settings.
type JWTConfig struct {
	Secret string
	Issuer string
}

// MergeConfig holds merge policy settings.
type MergeConfig struct {
	AuditPolicy merge.AuditPolicy
	// AuthzSource is "claims" (token roles) or "database" (user_roles table).
	AuthzSource string
}

// KafkaConfig holds the accounting sync producer settings.
type KafkaConfig struct {
	Brokers      []string
	SyncTopic    string
	WriteTimeout time.Duration
}

// WorkerConfig holds outbox relay settings.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds Config from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:          getEnv("APP_ENV", "development"),
			Port:         getEnv("APP_PORT", "8080"),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:              os.Getenv("DATABASE_URL"),
			MaxConns:         int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns:         int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnLifetime:  getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime:  getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			StatementTimeout: getEnvDuration("DB_STATEMENT_TIMEOUT", 30*time.Second),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: getEnv("JWT_ISSUER", "fieldforce"),
		},
		Merge: MergeConfig{
			AuditPolicy: merge.AuditPolicy(getEnv("MERGE_AUDIT_POLICY", string(merge.AuditStrict))),
			AuthzSource: getEnv("MERGE_AUTHZ_SOURCE", AuthzClaims),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(os.Getenv("KAFKA_BROKERS")),
			SyncTopic:    getEnv("ACCOUNTING_SYNC_TOPIC", "accounting.sync"),
			WriteTimeout: getEnvDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			PollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWT.Secret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.JWT.Secret == "" {
		c.JWT.Secret = "dev-secret-change-me"
	}
	switch c.Merge.AuditPolicy {
	case merge.AuditStrict, merge.AuditBestEffort:
	default:
		return fmt.Errorf("MERGE_AUDIT_POLICY must be %q or %q, got %q", merge.AuditStrict, merge.AuditBestEffort, c.Merge.AuditPolicy)
	}
	switch c.Merge.AuthzSource {
	case AuthzClaims, AuthzDatabase:
	default:
		return fmt.Errorf("MERGE_AUTHZ_SOURCE must be claims or database, got %q", c.Merge.AuthzSource)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
