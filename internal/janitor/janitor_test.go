package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filerelay/filerelay/internal/keylock"
	"github.com/filerelay/filerelay/internal/lifecycle"
	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func TestRunOnceReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMemoryStore()
	blobs := storage.NewMemoryBackend(0)
	engine := lifecycle.NewEngine(meta, blobs, keylock.New(), lifecycle.WithLogger(quietLogger()))

	uploaded := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, rec := range []metadata.FileRecord{
		{Name: "stale.txt", UploadedAt: uploaded, TTLHours: 1},
		{Name: "keep.txt", UploadedAt: uploaded, TTLHours: 0},
	} {
		blobs.Put(ctx, rec.Name, strings.NewReader("x"))
		r := rec
		meta.Insert(ctx, &r)
	}

	now := func() time.Time { return uploaded.Add(2 * time.Hour) }
	j := New(engine, time.Hour, now, quietLogger())

	res := j.RunOnce(ctx)
	if res.Err != nil {
		t.Fatalf("RunOnce error: %v", res.Err)
	}
	if res.Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", res.Reclaimed)
	}
	if rec, _ := meta.Get(ctx, "stale.txt"); rec != nil {
		t.Error("stale.txt record survived")
	}
	if rec, _ := meta.Get(ctx, "keep.txt"); rec == nil {
		t.Error("keep.txt record removed")
	}
}

func TestRunOnceReportsError(t *testing.T) {
	s := &countingSweeper{err: errors.New("store offline")}
	j := New(s, time.Hour, nil, quietLogger())

	if res := j.RunOnce(context.Background()); res.Err == nil {
		t.Error("RunOnce should surface the sweep error")
	}
}

func TestStartStop(t *testing.T) {
	s := &countingSweeper{}
	j := New(s, 10*time.Millisecond, nil, quietLogger())

	j.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for s.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	j.Stop()

	if got := s.calls.Load(); got < 3 {
		t.Fatalf("sweeps = %d, want at least 3", got)
	}
	after := s.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := s.calls.Load(); got != after {
		t.Errorf("sweeps continued after Stop: %d -> %d", after, got)
	}

	// Stop twice is harmless.
	j.Stop()
}

func TestRunOnceSerialized(t *testing.T) {
	var inside, overlap atomic.Int32
	s := sweepFunc(func(ctx context.Context, now time.Time) (int, error) {
		if inside.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(time.Millisecond)
		inside.Add(-1)
		return 0, nil
	})
	j := New(s, time.Hour, nil, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	if overlap.Load() != 0 {
		t.Errorf("%d overlapping sweeps, want 0", overlap.Load())
	}
}

type sweepFunc func(ctx context.Context, now time.Time) (int, error)

func (f sweepFunc) Sweep(ctx context.Context, now time.Time) (int, error) { return f(ctx, now) }
