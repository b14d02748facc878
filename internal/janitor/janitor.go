// Package janitor runs the optional periodic sweep that reclaims expired
// files nobody has tried to download. Downloads still reclaim lazily on
// their own; the janitor only shortens how long dead bytes linger.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/filerelay/filerelay/internal/metrics"
)

// Sweeper reclaims everything expired at now and reports how many files it
// removed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Result is the outcome of one run.
type Result struct {
	Reclaimed int
	Err       error
	Duration  time.Duration
}

// Janitor calls a Sweeper on a fixed interval.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex // serializes RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Janitor. now may be nil to use time.Now.
func New(sweeper Sweeper, interval time.Duration, now func() time.Time, logger *slog.Logger) *Janitor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		sweeper:  sweeper,
		interval: interval,
		now:      now,
		logger:   logger.With("component", "janitor"),
	}
}

// Start launches the background loop. The first sweep runs immediately.
func (j *Janitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.run(runCtx)

	j.logger.Info("janitor started", "interval", j.interval.String())
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.logger.Info("janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)
	j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Concurrent calls are serialized.
func (j *Janitor) RunOnce(ctx context.Context) Result {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	n, err := j.sweeper.Sweep(ctx, j.now())
	res := Result{Reclaimed: n, Err: err, Duration: time.Since(start)}

	metrics.JanitorRunsTotal.Inc()
	metrics.JanitorDuration.Observe(res.Duration.Seconds())

	if err != nil && ctx.Err() == nil {
		j.logger.Error("sweep failed", "reclaimed", n, "error", err)
	} else {
		j.logger.Debug("sweep finished", "reclaimed", n, "duration", res.Duration)
	}
	return res
}
