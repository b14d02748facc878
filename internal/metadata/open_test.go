package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/filerelay/filerelay/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, &config.MetadataConfig{Engine: "memory"})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T, want *MemoryStore", s)
	}

	path := filepath.Join(t.TempDir(), "nested", "meta.db")
	s, err = Open(ctx, &config.MetadataConfig{Engine: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if _, err := Open(ctx, &config.MetadataConfig{Engine: "etcd"}); err == nil {
		t.Error("Open(etcd) succeeded, want error")
	}
}
