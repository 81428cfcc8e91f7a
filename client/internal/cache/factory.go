package cache

import (
	"fmt"

	"github.com/amurg-ai/permbridge/client/internal/config"
)

// OpenStorage creates a Storage based on the configured storage driver.
func OpenStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStorage(cfg.MaxBytes), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
