package repository

import (
	"context"
	"fmt"

	"github.com/layer-3/fortress/ports"
)

// Config contains configuration for creating a repository
type Config struct {
	// PostgresDSN is required for postgres repositories
	PostgresDSN string
	// SQLitePath is required for sqlite repositories
	SQLitePath string
}

// NewRepository creates a repository based on the persistence type
func NewRepository(ctx context.Context, persistenceType string, config Config) (ports.Repository, error) {
	switch persistenceType {
	case "memory", "":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("dsn required for postgres repository")
		}
		return OpenPostgres(ctx, config.PostgresDSN)
	case "sqlite":
		if config.SQLitePath == "" {
			return nil, fmt.Errorf("path required for sqlite repository")
		}
		return OpenSQLite(config.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s (supported: memory, postgres, sqlite)", persistenceType)
	}
}
