package postgres

import (
	"credential-broker/internal/storage"
)

// Factory creates connected PostgreSQL storage adapters
type Factory struct{}

// Create builds and connects an adapter from configuration
func (f *Factory) Create(config storage.StorageConfig) (storage.Store, error) {
	adapter := NewAdapter()
	if err := adapter.Connect(config); err != nil {
		return nil, err
	}
	return adapter, nil
}

func init() {
	storage.Register("postgres", &Factory{})
}
