// Azure Blob Storage backend.
//
// Blobs live in a single upstream container under an optional prefix:
//
//	{prefix}/{name}
//
// Credentials come from a connection string when configured, otherwise from
// DefaultAzureCredential (env vars, managed identity, Azure CLI, etc.).
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/filerelay/filerelay/internal/config"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads a stream. With ifNotExists the upload fails if the
	// blob already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader, ifNotExists bool) error
	// DownloadBlob opens a blob for reading and returns its size.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// ListBlobsHierarchy lists blob names and virtual directory prefixes
	// directly under prefix, using "/" as the delimiter.
	ListBlobsHierarchy(ctx context.Context, containerName, prefix string) (names []string, prefixes []string, err error)
}

// AzureBackend implements the Backend interface on top of Azure Blob Storage.
type AzureBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// Prefix is the key prefix for all blobs in the upstream container.
	Prefix string
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend from configuration and verifies the
// container is reachable.
func NewAzureBackend(ctx context.Context, cfg *config.AzureConfig) (*AzureBackend, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure container is required")
	}
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	if accountURL == "" && cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure account, account_url or connection_string is required")
	}

	client, err := newRealAzureClient(accountURL, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(cfg.Container, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", cfg.Container, err)
	}

	slog.Info("Azure storage backend initialized", "container", cfg.Container, "account", accountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(container, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container: container,
		Prefix:    strings.Trim(prefix, "/"),
		client:    client,
	}
}

func (b *AzureBackend) blobName(name string) string {
	return joinPrefix(b.Prefix, name)
}

func (b *AzureBackend) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	if err := b.client.UploadBlob(ctx, b.Container, b.blobName(name), cr, true); err != nil {
		if isAzureConflict(err) {
			return 0, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return 0, fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return cr.n, nil
}

func (b *AzureBackend) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	body, size, err := b.client.DownloadBlob(ctx, b.Container, b.blobName(name))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, 0, fmt.Errorf("downloading from Azure Blob: %w", err)
	}
	return body, size, nil
}

// Delete removes the blob. Azure errors on delete of non-existent blobs, so
// not-found is swallowed.
func (b *AzureBackend) Delete(ctx context.Context, name string) error {
	err := b.client.DeleteBlob(ctx, b.Container, b.blobName(name))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting from Azure Blob: %w", err)
	}
	return nil
}

func (b *AzureBackend) Exists(ctx context.Context, name string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, b.Container, b.blobName(name))
	if err != nil {
		return false, fmt.Errorf("checking blob existence in Azure Blob: %w", err)
	}
	return exists, nil
}

func (b *AzureBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	clean, err := CleanDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}
	prefix := ""
	if p := joinPrefix(b.Prefix, clean); p != "" {
		prefix = p + "/"
	}

	names, prefixes, err := b.client.ListBlobsHierarchy(ctx, b.Container, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing Azure blobs: %w", err)
	}
	if clean != "" && len(names) == 0 && len(prefixes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}

	entries := make([]Entry, 0, len(names)+len(prefixes))
	for _, p := range prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, prefix), "/")
		if name == "" || (clean == "" && name == TempDirName) {
			continue
		}
		entries = append(entries, Entry{Name: name, IsDir: true})
	}
	for _, n := range names {
		if name := strings.TrimPrefix(n, prefix); name != "" {
			entries = append(entries, Entry{Name: name})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// HealthCheck verifies that the upstream Azure Blob container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.BlobExists(ctx, b.Container, "\x00nonexistent\x00")
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

func isAzureConflict(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet)
}

// Ensure AzureBackend implements Backend at compile time.
var _ Backend = (*AzureBackend)(nil)
