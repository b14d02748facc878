// Package lifecycle decides, per download, whether a stored file is still
// alive and applies the expiry and download-budget transitions.
//
// Every evaluation of a name runs under that name's lock, so two concurrent
// downloads never both observe the last remaining download, and at most one
// of them performs the delete.
package lifecycle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/filerelay/filerelay/internal/keylock"
	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/metrics"
	"github.com/filerelay/filerelay/internal/storage"
)

var (
	// ErrNotFound means the name has no live record.
	ErrNotFound = errors.New("file not found")
	// ErrExpired means the record's TTL elapsed and the file was reclaimed by
	// this evaluation.
	ErrExpired = errors.New("file expired")
)

// State is the outcome of an evaluation.
type State int

const (
	NotFound State = iota
	Alive
	Expired
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Expired:
		return "expired"
	default:
		return "not_found"
	}
}

// HeadLen is how many leading bytes of a blob Evaluate reads before it
// charges a download.
const HeadLen = 3072

// Verdict is the result of Evaluate. For Alive, Body streams the whole blob
// and must be closed by the caller; Head holds its first bytes, at most
// HeadLen, without consuming them from Body.
type Verdict struct {
	State  State
	Record *metadata.FileRecord
	Body   io.ReadCloser
	Head   []byte
	Size   int64
	// Last is set when this download consumed the final permitted download.
	// The record is already gone and the blob is deleted when Body is closed.
	Last bool
}

// Err maps the verdict onto ErrNotFound or ErrExpired, or nil when alive.
func (v Verdict) Err() error {
	switch v.State {
	case Alive:
		return nil
	case Expired:
		return ErrExpired
	default:
		return ErrNotFound
	}
}

// Engine applies lifecycle transitions against a metadata store and a blob
// backend.
type Engine struct {
	meta   metadata.Store
	blobs  storage.Backend
	locks  *keylock.Map
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for transition events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine. locks must be shared with every other
// component that mutates the same names.
func NewEngine(meta metadata.Store, blobs storage.Backend, locks *keylock.Map, opts ...Option) *Engine {
	e := &Engine{
		meta:   meta,
		blobs:  blobs,
		locks:  locks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the download transition for name at time now. NotFound and
// Expired are reported through the verdict; the error is reserved for
// metadata or storage failures.
func (e *Engine) Evaluate(ctx context.Context, name string, now time.Time) (Verdict, error) {
	unlock := e.locks.Lock(name)
	defer unlock()

	v, err := e.evaluate(ctx, name, now)
	outcome := v.State.String()
	switch {
	case err != nil:
		outcome = "error"
	case v.Last:
		outcome = "last"
	}
	metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
	return v, err
}

func (e *Engine) evaluate(ctx context.Context, name string, now time.Time) (Verdict, error) {
	rec, err := e.meta.Get(ctx, name)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading record %q: %w", name, err)
	}
	if rec == nil {
		return Verdict{State: NotFound}, nil
	}

	if rec.Expired(now) {
		if err := e.reclaim(ctx, name); err != nil {
			return Verdict{}, err
		}
		metrics.FilesReclaimedTotal.WithLabelValues("expired").Inc()
		e.logger.Info("file expired", "name", name, "ttl_hours", rec.TTLHours, "uploaded_at", rec.UploadedAt)
		return Verdict{State: Expired, Record: rec}, nil
	}

	body, size, err := e.blobs.Open(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			// Record without bytes: drop the record so the name stops
			// looking half alive.
			if err := e.meta.Delete(ctx, name); err != nil {
				return Verdict{}, fmt.Errorf("deleting orphan record %q: %w", name, err)
			}
			metrics.FilesReclaimedTotal.WithLabelValues("orphan_record").Inc()
			e.logger.Warn("record had no blob, removed", "name", name)
			return Verdict{State: NotFound}, nil
		}
		return Verdict{}, fmt.Errorf("opening blob %q: %w", name, err)
	}

	// A blob that cannot be read leaves the budget untouched.
	br := bufio.NewReaderSize(body, HeadLen)
	head, err := br.Peek(HeadLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		body.Close()
		return Verdict{}, fmt.Errorf("reading blob %q: %w", name, err)
	}
	body = &bufferedBody{Reader: br, Closer: body}

	v := Verdict{State: Alive, Record: rec, Body: body, Head: head, Size: size}
	if !rec.Limited() {
		return v, nil
	}

	remaining := rec.RemainingDownloads - 1
	if remaining > 0 {
		if err := e.meta.UpdateRemainingDownloads(ctx, name, remaining); err != nil {
			body.Close()
			return Verdict{}, fmt.Errorf("updating remaining downloads for %q: %w", name, err)
		}
		updated := *rec
		updated.RemainingDownloads = remaining
		v.Record = &updated
		return v, nil
	}

	// Final download: the record goes now so no other request can claim it;
	// the bytes go once this stream is finished.
	if err := e.meta.Delete(ctx, name); err != nil {
		body.Close()
		return Verdict{}, fmt.Errorf("deleting exhausted record %q: %w", name, err)
	}
	updated := *rec
	updated.RemainingDownloads = 0
	v.Record = &updated
	v.Last = true
	v.Body = &reclaimOnClose{
		ReadCloser: body,
		reclaim: func() error {
			unlock := e.locks.Lock(name)
			defer unlock()
			return e.blobs.Delete(context.WithoutCancel(ctx), name)
		},
	}
	metrics.FilesReclaimedTotal.WithLabelValues("exhausted").Inc()
	e.logger.Info("download limit reached", "name", name)
	return v, nil
}

// reclaim deletes the blob and then the record. If the blob delete fails the
// record stays, so a later evaluation retries the whole transition.
func (e *Engine) reclaim(ctx context.Context, name string) error {
	if err := e.blobs.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting blob %q: %w", name, err)
	}
	if err := e.meta.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting record %q: %w", name, err)
	}
	return nil
}

// Sweep reclaims every record that is expired at now, using the same locked
// path as Evaluate. It returns the number of files reclaimed. A failure on
// one name is logged and the sweep continues.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	candidates, err := metadata.ListExpired(ctx, e.meta, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired records: %w", err)
	}

	reclaimed := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		ok, err := e.sweepOne(ctx, c.Name, now)
		if err != nil {
			e.logger.Error("sweep failed", "name", c.Name, "error", err)
			continue
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (e *Engine) sweepOne(ctx context.Context, name string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(name)
	defer unlock()

	// Re-read under the lock; a download may have raced us to it.
	rec, err := e.meta.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if rec == nil || !rec.Expired(now) {
		return false, nil
	}
	if err := e.reclaim(ctx, name); err != nil {
		return false, err
	}
	metrics.FilesReclaimedTotal.WithLabelValues("expired").Inc()
	e.logger.Info("file expired", "name", name, "ttl_hours", rec.TTLHours, "source", "sweep")
	return true, nil
}

type bufferedBody struct {
	io.Reader
	io.Closer
}

// reclaimOnClose deletes the blob once the final download has been streamed.
type reclaimOnClose struct {
	io.ReadCloser
	reclaim func() error
	once    sync.Once
}

func (r *reclaimOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(func() {
		if rerr := r.reclaim(); rerr != nil && err == nil {
			err = rerr
		}
	})
	return err
}
