/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	MetricsBind   string

	// Optional YAML file with additional sequence profiles beyond the
	// built-in ones.
	SequenceProfilesPath string

	// Redis cache configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event relay configuration. Empty URL disables the relay.
	NATSURL string

	// Leader election. When enabled only the elected instance relays
	// events to NATS and sends outbound notifications.
	LeaderElectionEnabled bool

	// SMTP settings for race alert emails. Empty host disables email.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("STARTLINE_ENV", "development"),
		HTTPBind:      getEnv("STARTLINE_HTTP_BIND", "0.0.0.0"),
		HTTPPort:      getEnvInt("STARTLINE_HTTP_PORT", 8080),
		DBBackend:     DatabaseBackend(getEnv("STARTLINE_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:         getEnv("STARTLINE_DB_DSN", ""),
		JWTSigningKey: getEnv("STARTLINE_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("STARTLINE_METRICS_BIND", "127.0.0.1:9000"),

		SequenceProfilesPath: getEnv("STARTLINE_SEQUENCE_PROFILES", ""),

		RedisAddr:     getEnv("STARTLINE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("STARTLINE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("STARTLINE_REDIS_DB", 0),

		NATSURL: getEnv("STARTLINE_NATS_URL", ""),

		LeaderElectionEnabled: getEnvBool("STARTLINE_LEADER_ELECTION", false),

		SMTPHost:     getEnv("STARTLINE_SMTP_HOST", ""),
		SMTPPort:     getEnvInt("STARTLINE_SMTP_PORT", 587),
		SMTPUsername: getEnv("STARTLINE_SMTP_USERNAME", ""),
		SMTPPassword: getEnv("STARTLINE_SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("STARTLINE_SMTP_FROM", "racecommittee@example.com"),
		SMTPFromName: getEnv("STARTLINE_SMTP_FROM_NAME", "Race Committee"),

		TracingEnabled:    getEnvBool("STARTLINE_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("STARTLINE_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("STARTLINE_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("STARTLINE_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("STARTLINE_JWT_SIGNING_KEY must be provided")
	}

	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 32 {
		return nil, fmt.Errorf("STARTLINE_JWT_SIGNING_KEY must be at least 32 bytes in production")
	}

	return cfg, nil
}

// HTTPAddr returns the bind address for the API listener.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
