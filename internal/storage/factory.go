package storage

import (
	"fmt"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/config"
)

// NewStore creates a connected store based on application configuration.
// The encryption key, when set, enables at-rest encryption of token material
// inside the backend adapters.
func NewStore(cfg *config.Config) (Store, error) {
	var storageConfig StorageConfig

	switch cfg.DatabaseType {
	case "sqlite":
		storageConfig = GenericConfig{
			"path":           cfg.DatabasePath,
			"encryption_key": cfg.EncryptionKey,
		}

	case "postgres":
		storageConfig = GenericConfig{
			"host":           cfg.PostgresHost,
			"port":           cfg.PostgresPort,
			"database":       cfg.PostgresDB,
			"username":       cfg.PostgresUser,
			"password":       cfg.PostgresPassword,
			"sslmode":        cfg.PostgresSSLMode,
			"encryption_key": cfg.EncryptionKey,
		}

	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported database type: %s", cfg.DatabaseType))
	}

	return Create(cfg.DatabaseType, storageConfig)
}
