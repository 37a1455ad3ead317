package postgres

import (
	"fmt"

	"credential-broker/internal/common/errors"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host          string `json:"host"`
	Port          string `json:"port"`
	Database      string `json:"database"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	SSLMode       string `json:"sslmode"`
	EncryptionKey string `json:"-"`
}

// Validate checks the configuration for required fields
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.ConfigError("postgres host is required")
	}
	if c.Database == "" {
		return errors.ConfigError("postgres database is required")
	}
	if c.Username == "" {
		return errors.ConfigError("postgres username is required")
	}
	return nil
}

// Type returns the storage backend type
func (c *Config) Type() string {
	return "postgres"
}

// DSN builds a pgx connection string from the configuration
func (c *Config) DSN() string {
	port := c.Port
	if port == "" {
		port = "5432"
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, port, c.Database, sslMode)
}
