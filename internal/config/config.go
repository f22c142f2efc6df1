// Package config provides centralized configuration management for the importer.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Session  SessionConfig
	Storage  StorageConfig
	Advisor  AdvisorConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing a response (default: 11m).
	// Executes are synchronous, so it must exceed IMPORT_EXECUTE_TIMEOUT plus
	// IMPORT_MAX_WAIT_TIME; 0 disables it.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"11m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds bulk-import processing settings.
type ImportConfig struct {
	// MaxFileSize is the maximum accepted upload size in bytes (default: 25MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"26214400"`

	// MaxDecompressedSize bounds a compressed upload after decompression (default: 256MB)
	MaxDecompressedSize int64 `env:"IMPORT_MAX_DECOMPRESSED_SIZE" default:"268435456"`

	// MaxRows is the maximum number of data rows held for one session (default: 50000)
	MaxRows int `env:"IMPORT_MAX_ROWS" default:"50000"`

	// PreviewRows is how many rows are echoed back for operator review (default: 5)
	PreviewRows int `env:"IMPORT_PREVIEW_ROWS" default:"5"`

	// Parallelism is the number of concurrent row writers per execute (default: 4)
	Parallelism int `env:"IMPORT_PARALLELISM" default:"4"`

	// ExecuteTimeout bounds a single execute once it has started (default: 10m)
	ExecuteTimeout time.Duration `env:"IMPORT_EXECUTE_TIMEOUT" default:"10m"`

	// MaxConcurrent is the maximum number of executes running at once (default: 3)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"3"`

	// MaxWaitTime is how long an execute waits for a free slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
}

// SessionConfig holds import session lifecycle settings.
type SessionConfig struct {
	// ScratchDir is where uploaded artifacts are kept for the fs backend (default: ./scratch/imports)
	ScratchDir string `env:"SESSION_SCRATCH_DIR" default:"scratch/imports"`

	// IdleTimeout is how long an untouched session survives before the sweep reclaims it (default: 2h)
	IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" default:"2h"`

	// SweepInterval is how often the sweep runs (default: 10m)
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" default:"10m"`
}

// StorageConfig selects where session artifacts are stored.
type StorageConfig struct {
	// Backend is "fs" or "s3" (default: fs)
	Backend string `env:"STORAGE_BACKEND" default:"fs"`

	// Bucket is the S3 bucket for the s3 backend
	Bucket string `env:"STORAGE_S3_BUCKET"`

	// Prefix is the key prefix inside the bucket (default: imports/)
	Prefix string `env:"STORAGE_S3_PREFIX" default:"imports/"`

	// Region is the AWS region (falls back to the SDK's default chain when empty)
	Region string `env:"STORAGE_S3_REGION" envAlt:"AWS_REGION"`

	// Endpoint overrides the S3 endpoint (e.g. LocalStack or MinIO)
	Endpoint string `env:"STORAGE_S3_ENDPOINT"`

	// AccessKeyID and SecretAccessKey pin static credentials, mostly for MinIO.
	// When empty the SDK's default credential chain is used.
	AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
}

// AdvisorConfig holds mapping advisor settings.
type AdvisorConfig struct {
	// Provider is "none", "heuristic" or "gemini" (default: heuristic)
	Provider string `env:"ADVISOR_PROVIDER" default:"heuristic"`

	// APIKey is the Gemini API key (required when Provider is gemini)
	APIKey string `env:"ADVISOR_API_KEY" envAlt:"GEMINI_API_KEY"`

	// Model is the Gemini model name (default: gemini-2.5-flash)
	Model string `env:"ADVISOR_MODEL" default:"gemini-2.5-flash"`

	// Timeout bounds a single advisor call (default: 20s)
	Timeout time.Duration `env:"ADVISOR_TIMEOUT" default:"20s"`

	// PreviewWait is how long an upload response waits for the advisor before
	// returning the default mapping (default: 3s)
	PreviewWait time.Duration `env:"ADVISOR_PREVIEW_WAIT" default:"3s"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// RateLimit is the number of API requests allowed per client IP per minute (default: 0, unlimited)
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
