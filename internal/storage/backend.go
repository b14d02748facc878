// Package storage defines the interface and implementations for filerelay's
// blob storage layer.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
)

var (
	// ErrNotExist is returned when a blob is missing.
	ErrNotExist = errors.New("blob does not exist")
	// ErrExists is returned by Put when a blob with the name already exists.
	ErrExists = errors.New("blob already exists")
	// ErrDirNotFound is returned by List for a missing directory.
	ErrDirNotFound = errors.New("directory not found")
	// ErrInvalidPath is returned for names or directories that would escape
	// the storage root.
	ErrInvalidPath = errors.New("invalid storage path")
)

// TempDirName is the scratch directory used by backends that stage writes.
// It never shows up in listings.
const TempDirName = ".tmp"

// Entry is one child of a listed directory.
type Entry struct {
	Name  string
	IsDir bool
}

// Backend defines the interface for reading and writing raw file data.
// Implementations provide the underlying storage mechanism (local filesystem,
// cloud provider, etc.). All methods must be safe for concurrent use.
type Backend interface {
	// Put writes the reader's content as a new blob called name and returns
	// the number of bytes written. It never overwrites: if name exists the
	// call fails with ErrExists. If reading fails part way, no blob is left
	// behind and the reader's error is returned wrapped.
	Put(ctx context.Context, name string, r io.Reader) (int64, error)

	// Open returns a stream of the blob and its size. The caller closes the
	// stream. Returns ErrNotExist if the blob is missing.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// Exists reports whether a blob called name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns the immediate children of dir ("" is the root), sorted by
	// name. Returns ErrDirNotFound if dir does not exist.
	List(ctx context.Context, dir string) ([]Entry, error)

	// HealthCheck verifies that the storage backend is operational.
	HealthCheck(ctx context.Context) error
}

// TempCleaner is implemented by backends that stage writes on disk and can
// discard leftovers from a crash.
type TempCleaner interface {
	CleanTempFiles() error
}

// CleanDir normalises a listing directory to a slash-separated relative path
// without leading or trailing slashes. The root is "". Paths that climb out
// of the root return ErrInvalidPath.
func CleanDir(dir string) (string, error) {
	dir = strings.ReplaceAll(dir, "\\", "/")
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return "", nil
	}
	cleaned := path.Clean(dir)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// childrenOf derives the immediate children of dir from a flat set of
// slash-separated keys, the way object stores list with a delimiter.
// The bool result reports whether dir exists, i.e. is the root or a prefix
// of at least one key.
func childrenOf(keys []string, dir string) ([]Entry, bool) {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	seen := make(map[string]bool)
	var entries []Entry
	found := dir == ""
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if rest == "" {
			continue
		}
		found = true
		name, isDir := rest, false
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name, isDir = rest[:i], true
		}
		if dir == "" && name == TempDirName {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, Entry{Name: name, IsDir: isDir})
	}
	sortEntries(entries)
	return entries, found
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// joinPrefix prepends an optional key prefix used by the cloud backends.
func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
