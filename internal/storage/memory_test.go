package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryBackendContract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend { return NewMemoryBackend(0) })
}

func TestMemoryBackendCapacity(t *testing.T) {
	b := NewMemoryBackend(10)
	ctx := context.Background()

	if _, err := b.Put(ctx, "a", strings.NewReader("123456")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	_, err := b.Put(ctx, "b", strings.NewReader("123456"))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Put b error = %v, want ErrCapacityExceeded", err)
	}
	if b.Size() != 6 {
		t.Errorf("Size = %d, want 6", b.Size())
	}

	b.Delete(ctx, "a")
	if b.Size() != 0 {
		t.Errorf("Size after delete = %d, want 0", b.Size())
	}
	if _, err := b.Put(ctx, "b", strings.NewReader("123456")); err != nil {
		t.Fatalf("Put b after delete: %v", err)
	}
}
