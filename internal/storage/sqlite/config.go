package sqlite

import (
	"credential-broker/internal/common/errors"
)

// Config holds SQLite connection configuration
type Config struct {
	Path          string `json:"path"`
	EncryptionKey string `json:"-"`
}

// Validate checks the configuration for required fields
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.ConfigError("sqlite database path is required")
	}
	return nil
}

// Type returns the storage backend type
func (c *Config) Type() string {
	return "sqlite"
}
