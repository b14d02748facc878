// Package relay implements the file relay operations on top of the metadata
// store and the blob backend: upload, download and list.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/filerelay/filerelay/internal/keylock"
	"github.com/filerelay/filerelay/internal/lifecycle"
	"github.com/filerelay/filerelay/internal/listing"
	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/metrics"
	"github.com/filerelay/filerelay/internal/naming"
	"github.com/filerelay/filerelay/internal/storage"
)

// maxNameAttempts bounds how many candidate names an upload tries before
// giving up.
const maxNameAttempts = 16

var (
	// ErrOversize is returned when an upload exceeds the size limit.
	ErrOversize = errors.New("upload exceeds size limit")
	// ErrInvalidUpload is returned for malformed upload parameters.
	ErrInvalidUpload = errors.New("invalid upload")
	// ErrNameExhausted is returned when no free name was found.
	ErrNameExhausted = errors.New("no free file name available")
)

// UploadRequest describes one upload. Nil TTLHours and MaxDownloads take the
// service defaults.
type UploadRequest struct {
	// RequestedName overrides OriginalName when non-empty.
	RequestedName string
	// OriginalName is the client's filename; only its base name is used.
	OriginalName string
	TTLHours     *int
	MaxDownloads *int
	Password     string
	Body         io.Reader
}

// UploadResult reports where an upload ended up.
type UploadResult struct {
	Name string
	Size int64
	// Renamed is set when the preferred name was taken.
	Renamed bool
	Record  *metadata.FileRecord
}

// Service is the relay. It is safe for concurrent use.
type Service struct {
	meta       metadata.Store
	blobs      storage.Backend
	engine     *lifecycle.Engine
	reconciler *listing.Reconciler
	resolver   *naming.Resolver
	logger     *slog.Logger
	now        func() time.Time

	maxUploadSize       int64
	defaultTTLHours     int
	defaultMaxDownloads int

	mu       sync.Mutex
	reserved map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithMaxUploadSize caps upload bodies; 0 disables the cap.
func WithMaxUploadSize(n int64) Option {
	return func(s *Service) { s.maxUploadSize = n }
}

// WithDefaults sets the TTL and download limit used when a request leaves
// them unset.
func WithDefaults(ttlHours, maxDownloads int) Option {
	return func(s *Service) {
		s.defaultTTLHours = ttlHours
		s.defaultMaxDownloads = maxDownloads
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithResolver overrides the naming resolver.
func WithResolver(r *naming.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithReservedNames keeps uploads off names that the HTTP routes already
// answer, so every stored file stays downloadable.
func WithReservedNames(names ...string) Option {
	return func(s *Service) {
		for _, n := range names {
			s.reserved[n] = struct{}{}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires a relay over meta and blobs.
func NewService(meta metadata.Store, blobs storage.Backend, opts ...Option) *Service {
	s := &Service{
		meta:            meta,
		blobs:           blobs,
		resolver:        naming.NewResolver(),
		logger:          slog.Default(),
		now:             time.Now,
		defaultTTLHours: 24,
		reserved:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = lifecycle.NewEngine(meta, blobs, keylock.New(), lifecycle.WithLogger(s.logger))
	s.reconciler = listing.NewReconciler(meta, blobs)
	return s
}

// Engine returns the lifecycle engine, for the janitor.
func (s *Service) Engine() *lifecycle.Engine { return s.engine }

// MaxUploadSize returns the configured upload cap in bytes.
func (s *Service) MaxUploadSize() int64 { return s.maxUploadSize }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Checks pings the metadata store and the blob backend and reports the
// result of each, keyed "metadata" and "storage".
func (s *Service) Checks(ctx context.Context) map[string]error {
	return map[string]error{
		"metadata": s.meta.Ping(ctx),
		"storage":  s.blobs.HealthCheck(ctx),
	}
}

// Ping checks both the metadata store and the blob backend.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.meta.Ping(ctx); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if err := s.blobs.HealthCheck(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Upload stores the body under a free name and then records it. The name is
// reserved in-process for the duration of the write and the backend refuses
// to overwrite, so two uploads never share a name. If the record cannot be
// inserted the blob is removed again.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	res, err := s.upload(ctx, req)
	outcome := "success"
	switch {
	case errors.Is(err, ErrOversize):
		outcome = "oversize"
	case errors.Is(err, ErrInvalidUpload):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	case res.Renamed:
		outcome = "renamed"
	}
	metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (s *Service) upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Body == nil {
		return nil, fmt.Errorf("%w: missing file body", ErrInvalidUpload)
	}
	original := naming.Base(req.OriginalName)
	if err := naming.Validate(original); err != nil {
		return nil, fmt.Errorf("%w: original filename: %v", ErrInvalidUpload, err)
	}
	if req.RequestedName != "" {
		if err := naming.Validate(req.RequestedName); err != nil {
			return nil, fmt.Errorf("%w: filename: %v", ErrInvalidUpload, err)
		}
	}
	ttl := s.defaultTTLHours
	if req.TTLHours != nil {
		ttl = *req.TTLHours
	}
	downloads := s.defaultMaxDownloads
	if req.MaxDownloads != nil {
		downloads = *req.MaxDownloads
	}
	if ttl < 0 || downloads < 0 {
		return nil, fmt.Errorf("%w: ttl and delete must not be negative", ErrInvalidUpload)
	}

	var lookupErr error
	preferred := req.RequestedName
	if preferred == "" {
		preferred = original
	}
	name := s.resolver.Resolve(req.RequestedName, original, func(n string) bool {
		taken, err := s.taken(ctx, n)
		if err != nil {
			lookupErr = err
			return true
		}
		return taken
	})
	if lookupErr != nil {
		return nil, lookupErr
	}

	body := &cappedReader{r: req.Body, limit: s.maxUploadSize}
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		if attempt > 0 {
			name = s.resolver.Alternative(original)
		}
		if err := naming.Validate(name); err != nil {
			continue
		}
		if !s.reserve(name) {
			continue
		}

		taken, err := s.occupied(ctx, name)
		if err != nil {
			s.release(name)
			return nil, err
		}
		if taken {
			s.release(name)
			continue
		}

		size, err := s.blobs.Put(ctx, name, body)
		if errors.Is(err, storage.ErrExists) && body.read == 0 {
			// Written out of band since the check; the body is untouched so
			// another name can still be tried.
			s.release(name)
			continue
		}
		if err != nil {
			s.release(name)
			if errors.Is(err, ErrOversize) {
				return nil, fmt.Errorf("%w: limit is %d bytes", ErrOversize, s.maxUploadSize)
			}
			return nil, fmt.Errorf("storing %q: %w", name, err)
		}

		rec := &metadata.FileRecord{
			Name:               name,
			UploadedAt:         s.now().UTC(),
			TTLHours:           ttl,
			Password:           req.Password,
			RemainingDownloads: downloads,
		}
		if err := s.meta.Insert(ctx, rec); err != nil {
			if derr := s.blobs.Delete(context.WithoutCancel(ctx), name); derr != nil {
				s.logger.Error("removing blob after failed insert", "name", name, "error", derr)
			}
			s.release(name)
			return nil, fmt.Errorf("recording %q: %w", name, err)
		}
		s.release(name)

		metrics.BytesReceivedTotal.Add(float64(size))
		s.logger.Info("file uploaded", "name", name, "size", size, "ttl_hours", ttl, "max_downloads", downloads)
		return &UploadResult{Name: name, Size: size, Renamed: name != preferred, Record: rec}, nil
	}
	return nil, fmt.Errorf("%w: for %q after %d attempts", ErrNameExhausted, original, maxNameAttempts)
}

// Download evaluates name at the current time. On success the verdict's
// Body must be closed. lifecycle.ErrNotFound and lifecycle.ErrExpired are
// returned for terminal outcomes, any other error is an internal failure.
func (s *Service) Download(ctx context.Context, name string) (lifecycle.Verdict, error) {
	if naming.Validate(name) != nil {
		return lifecycle.Verdict{State: lifecycle.NotFound}, lifecycle.ErrNotFound
	}
	v, err := s.engine.Evaluate(ctx, name, s.now())
	if err != nil {
		return v, err
	}
	if err := v.Err(); err != nil {
		return v, err
	}
	return v, nil
}

// List returns the reconciled listing of dir.
func (s *Service) List(ctx context.Context, dir string) ([]listing.Entry, error) {
	return s.reconciler.List(ctx, dir)
}

// taken reports whether n is reserved by an upload in flight or already
// occupied in storage or metadata.
func (s *Service) taken(ctx context.Context, n string) (bool, error) {
	s.mu.Lock()
	_, busy := s.reserved[n]
	s.mu.Unlock()
	if busy {
		return true, nil
	}
	return s.occupied(ctx, n)
}

func (s *Service) occupied(ctx context.Context, n string) (bool, error) {
	exists, err := s.blobs.Exists(ctx, n)
	if err != nil {
		return false, fmt.Errorf("checking blob %q: %w", n, err)
	}
	if exists {
		return true, nil
	}
	rec, err := s.meta.Get(ctx, n)
	if err != nil {
		return false, fmt.Errorf("checking record %q: %w", n, err)
	}
	return rec != nil, nil
}

func (s *Service) reserve(n string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reserved[n]; ok {
		return false
	}
	s.reserved[n] = struct{}{}
	return true
}

func (s *Service) release(n string) {
	s.mu.Lock()
	delete(s.reserved, n)
	s.mu.Unlock()
}

// cappedReader fails with ErrOversize as soon as more than limit bytes have
// been read. A non-positive limit means no cap.
type cappedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.limit > 0 {
		// Allow one byte past the limit so overflow is detected before EOF.
		if left := c.limit - c.read; int64(len(p)) > left+1 {
			p = p[:left+1]
		}
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.limit > 0 && c.read > c.limit {
		return 0, ErrOversize
	}
	return n, err
}
