package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/filerelay/filerelay/internal/config"
)

// Open builds the Store selected by cfg.Engine.
func Open(ctx context.Context, cfg *config.MetadataConfig) (Store, error) {
	switch cfg.Engine {
	case "memory":
		slog.Info("Metadata store initialized", "engine", "memory")
		return NewMemoryStore(), nil
	case "dynamodb":
		s, err := NewDynamoDBStore(ctx, &cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "dynamodb", "table", cfg.DynamoDB.Table)
		return s, nil
	case "firestore":
		s, err := NewFirestoreStore(ctx, &cfg.Firestore)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "firestore", "collection", cfg.Firestore.Collection)
		return s, nil
	case "cosmos":
		s, err := NewCosmosStore(ctx, &cfg.Cosmos)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "cosmos", "database", cfg.Cosmos.Database)
		return s, nil
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		s, err := NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "sqlite", "path", cfg.SQLite.Path)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Engine)
	}
}
