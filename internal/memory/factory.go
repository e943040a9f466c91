package memory

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a Store backend.
type Config struct {
	// Backend is one of auto, memory, file, sqlite or postgres.
	Backend     string
	DataDir     string
	SQLitePath  string
	DatabaseURL string
}

// NewStore creates the configured store. In auto mode a postgres store is used
// when a database URL is set, otherwise records are kept as files.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		backend = "file"
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			backend = "postgres"
		}
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.DataDir)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres context store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported context store backend %q", cfg.Backend)
	}
}
