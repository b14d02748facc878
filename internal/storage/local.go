package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalBackend implements the Backend interface using the local filesystem.
// Blobs are plain files within a configurable root directory, which is also
// the directory listings are taken from.
type LocalBackend struct {
	// RootDir is the upload directory.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, TempDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. This is called on
// startup as part of crash-only recovery. Any temp files left behind indicate
// incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, TempDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// blobPath maps a slash-separated blob name to a path under RootDir.
func (b *LocalBackend) blobPath(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if name == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(b.RootDir, rel), nil
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, TempDirName, "tmp-"+uuid.NewString())
}

// Put writes the blob using the crash-only pattern: write to a temp file,
// fsync, then hard-link into place. The link fails if the final path exists,
// which gives create-exclusive semantics that a rename would not.
func (b *LocalBackend) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	finalPath, err := b.blobPath(name)
	if err != nil {
		return 0, err
	}
	if _, err := os.Lstat(finalPath); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories for %q: %w", name, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	written, err := io.Copy(tmpFile, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing blob %q: %w", name, err)
	}

	// Fsync before linking to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	linkErr := os.Link(tmpPath, finalPath)
	os.Remove(tmpPath)
	if linkErr != nil {
		if errors.Is(linkErr, fs.ErrExist) {
			return 0, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return 0, fmt.Errorf("linking temp file to %q: %w", name, linkErr)
	}
	return written, nil
}

// Open opens the blob file for reading. The caller closes the returned file.
func (b *LocalBackend) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	p, err := b.blobPath(name)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, 0, fmt.Errorf("opening blob %q: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat blob %q: %w", name, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	return file, info.Size(), nil
}

// Delete removes the blob file. Idempotent: deleting a non-existent file is
// not an error.
func (b *LocalBackend) Delete(ctx context.Context, name string) error {
	p, err := b.blobPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %q: %w", name, err)
	}
	return nil
}

// Exists checks whether a regular blob file exists.
func (b *LocalBackend) Exists(ctx context.Context, name string) (bool, error) {
	p, err := b.blobPath(name)
	if err != nil {
		return false, err
	}
	info, err := os.Lstat(p)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking blob existence %q: %w", name, err)
}

// List reads the directory dir relative to RootDir. The temp directory is
// hidden at the root.
func (b *LocalBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	clean, err := CleanDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}
	full := b.RootDir
	if clean != "" {
		full = filepath.Join(b.RootDir, filepath.FromSlash(clean))
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, fs.ErrInvalid) || isNotDir(full) {
			return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
		}
		return nil, fmt.Errorf("reading directory %q: %w", dir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if clean == "" && de.Name() == TempDirName {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), IsDir: de.IsDir()})
	}
	return entries, nil
}

// HealthCheck verifies that the local storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

func isNotDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// ctxReader stops a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
