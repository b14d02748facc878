// Google Cloud Storage backend.
//
// Blobs are stored in a single upstream GCS bucket under an optional prefix:
//
//	{prefix}/{name}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server) unless a
// credentials file is configured.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/filerelay/filerelay/internal/config"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object. With ifNotExists the
	// upload only succeeds if no live object has that name; the conflict
	// surfaces from Close.
	NewWriter(ctx context.Context, bucket, object string, ifNotExists bool) GCSWriter
	// NewReader returns a reader for the given object and its size.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// Exists reports whether the given object exists.
	Exists(ctx context.Context, bucket, object string) (bool, error)
	// List lists objects and, with a delimiter, synthetic directory prefixes.
	List(ctx context.Context, bucket, prefix, delimiter string) ([]GCSListItem, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSListItem is either an object (Name set) or a directory prefix (Prefix
// set), mirroring gcs.ObjectAttrs in delimiter listings.
type GCSListItem struct {
	Name   string
	Prefix string
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, ifNotExists bool) GCSWriter {
	obj := c.client.Bucket(bucket).Object(object)
	if ifNotExists {
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	}
	return obj.NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Exists(ctx context.Context, bucket, object string) (bool, error) {
	_, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *realGCSClient) List(ctx context.Context, bucket, prefix, delimiter string) ([]GCSListItem, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: delimiter})
	var items []GCSListItem
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		items = append(items, GCSListItem{Name: attrs.Name, Prefix: attrs.Prefix})
	}
	return items, nil
}

// GCPBackend implements the Backend interface on top of Google Cloud Storage.
type GCPBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is the key prefix for all blobs in the upstream bucket.
	Prefix string
	client GCSAPI
}

// NewGCPBackend creates a GCPBackend from configuration and verifies the
// bucket is reachable.
func NewGCPBackend(ctx context.Context, cfg *config.GCPConfig) (*GCPBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcp bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(cfg.Bucket, cfg.Prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("GCP storage backend initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCPBackendWithClient(bucket, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{
		Bucket: bucket,
		Prefix: strings.Trim(prefix, "/"),
		client: client,
	}
}

func (b *GCPBackend) gcsKey(name string) string {
	return joinPrefix(b.Prefix, name)
}

// Put streams the reader into a DoesNotExist-conditioned writer. A read
// failure cancels the writer's context so GCS discards the upload.
func (b *GCPBackend) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.client.NewWriter(wctx, b.Bucket, b.gcsKey(name), true)
	n, err := io.Copy(w, r)
	if err != nil {
		cancel()
		_ = w.Close()
		return 0, fmt.Errorf("writing blob %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return 0, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return 0, fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return n, nil
}

func (b *GCPBackend) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	reader, size, err := b.client.NewReader(ctx, b.Bucket, b.gcsKey(name))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, 0, fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, size, nil
}

// Delete removes the blob. GCS errors on delete of non-existent objects
// unlike S3, so 404 is swallowed.
func (b *GCPBackend) Delete(ctx context.Context, name string) error {
	err := b.client.Delete(ctx, b.Bucket, b.gcsKey(name))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

func (b *GCPBackend) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := b.client.Exists(ctx, b.Bucket, b.gcsKey(name))
	if err != nil {
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return ok, nil
}

func (b *GCPBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	clean, err := CleanDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}
	prefix := ""
	if p := joinPrefix(b.Prefix, clean); p != "" {
		prefix = p + "/"
	}

	items, err := b.client.List(ctx, b.Bucket, prefix, "/")
	if err != nil {
		return nil, fmt.Errorf("listing GCS objects: %w", err)
	}
	if clean != "" && len(items) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}

	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		if it.Prefix != "" {
			name := strings.TrimSuffix(strings.TrimPrefix(it.Prefix, prefix), "/")
			if name == "" || (clean == "" && name == TempDirName) {
				continue
			}
			entries = append(entries, Entry{Name: name, IsDir: true})
			continue
		}
		name := strings.TrimPrefix(it.Name, prefix)
		if name == "" {
			continue
		}
		entries = append(entries, Entry{Name: name})
	}
	sortEntries(entries)
	return entries, nil
}

// HealthCheck lists a prefix that cannot exist, which fails only if the
// bucket is unreachable.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.List(ctx, b.Bucket, "\x00healthcheck\x00", "")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

func isGCSPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusPreconditionFailed
	}
	return false
}

// Ensure GCPBackend implements Backend at compile time.
var _ Backend = (*GCPBackend)(nil)
