package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/filerelay/filerelay/internal/config"
)

// Open builds the Backend selected by cfg.Backend. Backends that stage
// writes on disk have their leftovers from a previous crash removed.
func Open(ctx context.Context, cfg *config.StorageConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "memory":
		b = NewMemoryBackend(0)
	case "aws":
		b, err = NewAWSBackend(ctx, &cfg.AWS)
	case "gcp":
		b, err = NewGCPBackend(ctx, &cfg.GCP)
	case "azure":
		b, err = NewAzureBackend(ctx, &cfg.Azure)
	case "local", "":
		b, err = NewLocalBackend(cfg.Local.RootDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s storage backend: %w", cfg.Backend, err)
	}

	if tc, ok := b.(TempCleaner); ok {
		if err := tc.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
	}
	slog.Info("Storage backend initialized", "backend", cfg.Backend)
	return b, nil
}
