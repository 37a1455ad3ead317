// Package config provides configuration management for the credential broker.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration to ensure the application starts
// safely.
//
// The package supports multiple database backends (SQLite and PostgreSQL),
// Redis for shared caching, JWT authentication for the management API, and
// encryption for token material at rest.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Database Configuration:
//   - DATABASE_TYPE: Database type - "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./credential_broker.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Cache Configuration:
//   - CACHE_TYPE: Cache backend - "local" or "redis" (default: local)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Security Configuration:
//   - JWT_SECRET: JWT signing secret (required, minimum 32 characters)
//   - TOKEN_ENCRYPTION_KEY: Encryption key for token material (32 characters if provided)
//
// Token Refresh:
//   - RELAY_URL: Token relay base URL; when empty the broker talks to
//     provider token endpoints directly
//   - REFRESH_TIMEOUT: Per-attempt refresh timeout (default: 30s)
//   - TOKEN_EXPIRY_BUFFER: Margin before expiry that forces a refresh (default: 5m)
//   - DEFAULT_TOKEN_TTL: Assumed lifetime when a provider omits expires_in (default: 1h)
//
// Background Jobs:
//   - RECONCILE_INTERVAL: Cache/store reconciliation interval (default: 5m)
//   - RECONCILE_BATCH: Max instances reconciled per pass (default: 100)
//   - AUDIT_RETENTION: Audit log retention window (default: 720h)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the credential broker. All string
// fields correspond to environment variables that can be set to override the
// default values.
//
// The configuration is loaded using the Load() function and should be
// validated using the Validate() method before use.
type Config struct {
	// Application settings
	Port     string // Server port number
	LogLevel string // Logging level (debug, info, warn, error)

	// Database configuration
	DatabaseType     string // Database type: "sqlite" or "postgres"
	DatabasePath     string // Path to SQLite database file
	PostgresHost     string // PostgreSQL host address
	PostgresPort     string // PostgreSQL port number
	PostgresDB       string // PostgreSQL database name
	PostgresUser     string // PostgreSQL username
	PostgresPassword string // PostgreSQL password
	PostgresSSLMode  string // PostgreSQL SSL mode (disable, require, etc.)

	// Cache configuration
	CacheType     string // Cache backend: "local" or "redis"
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       string // Redis database number (0-15)
	RedisPoolSize string // Redis connection pool size

	// Security
	JWTSecret     string // Secret key for JWT token signing (required)
	EncryptionKey string // Key for encrypting token material at rest

	// Token refresh behaviour
	RelayURL        string        // Token relay base URL ("" = direct only)
	RefreshTimeout  time.Duration // Per-attempt refresh timeout
	ExpiryBuffer    time.Duration // Refresh tokens this long before expiry
	DefaultTokenTTL time.Duration // Assumed lifetime when expires_in is absent

	// Background jobs
	ReconcileInterval time.Duration // Cache/store reconciliation interval
	ReconcileBatch    int           // Max instances reconciled per pass
	AuditRetention    time.Duration // Audit log retention window
}

// Load creates a new Config instance with values loaded from environment
// variables. If an environment variable is not set, the corresponding default
// value is used.
//
// This function does not validate the configuration - call Validate() on the
// returned Config to ensure all required values are properly set and valid.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./credential_broker.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "credential_broker"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		CacheType:     getEnv("CACHE_TYPE", "local"),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		RelayURL:        getEnv("RELAY_URL", ""),
		RefreshTimeout:  getDurationEnv("REFRESH_TIMEOUT", 30*time.Second),
		ExpiryBuffer:    getDurationEnv("TOKEN_EXPIRY_BUFFER", 5*time.Minute),
		DefaultTokenTTL: getDurationEnv("DEFAULT_TOKEN_TTL", time.Hour),

		ReconcileInterval: getDurationEnv("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileBatch:    getIntEnv("RECONCILE_BATCH", 100),
		AuditRetention:    getDurationEnv("AUDIT_RETENTION", 720*time.Hour),
	}
}

// getEnv retrieves an environment variable value or returns a default value
// if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable value or returns a
// default value if not set or unparseable.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable value or returns a
// default value if not set or unparseable.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate performs comprehensive validation on the configuration to ensure
// all required fields are present and all values are valid.
//
// This method checks:
//   - Required fields (JWT_SECRET)
//   - Field format validation (ports, durations, etc.)
//   - Cross-field dependencies (PostgreSQL configuration requirements)
//   - Security requirements (key lengths, valid ranges)
//
// The application should call this method after loading configuration and
// before starting to ensure safe operation.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long for security")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres":
		// Valid database types
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	switch c.CacheType {
	case "local", "redis":
		// Valid cache types
	default:
		return fmt.Errorf("CACHE_TYPE must be 'local' or 'redis'")
	}

	if c.CacheType == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when using the Redis cache")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 32 characters (256 bits) when provided")
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be a positive duration")
	}
	if c.ExpiryBuffer < 0 {
		return fmt.Errorf("TOKEN_EXPIRY_BUFFER must not be negative")
	}
	if c.DefaultTokenTTL <= 0 {
		return fmt.Errorf("DEFAULT_TOKEN_TTL must be a positive duration")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be a positive duration")
	}
	if c.ReconcileBatch < 1 {
		return fmt.Errorf("RECONCILE_BATCH must be a positive number")
	}
	if c.AuditRetention <= 0 {
		return fmt.Errorf("AUDIT_RETENTION must be a positive duration")
	}

	return nil
}
