// Package listing merges a storage directory listing with the metadata
// records into one annotated, sorted view.
package listing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/storage"
)

// Entry is one line of a listing.
type Entry struct {
	Name string
	Dir  bool
	// Record is the matching metadata, if any.
	Record *metadata.FileRecord
	// Orphan marks a record with no matching storage entry in the listed
	// directory.
	Orphan bool
}

// String renders the entry as "name", "name/" for folders, followed by the
// record annotation when there is one.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Name)
	if e.Dir {
		b.WriteByte('/')
	}
	if e.Record != nil {
		b.WriteString(Annotation(e.Record))
	}
	return b.String()
}

// Annotation renders a record's lifecycle fields.
func Annotation(rec *metadata.FileRecord) string {
	return fmt.Sprintf(" (ttl: %d, password: %s, delete: %d)", rec.TTLHours, rec.Password, rec.RemainingDownloads)
}

// Reconciler builds listings. It never mutates either side.
type Reconciler struct {
	meta  metadata.Store
	blobs storage.Backend
}

// NewReconciler creates a Reconciler.
func NewReconciler(meta metadata.Store, blobs storage.Backend) *Reconciler {
	return &Reconciler{meta: meta, blobs: blobs}
}

// List returns the entries of dir ("" for the root) merged with every
// metadata record. Records matching an entry annotate it; the rest are
// appended as orphans so divergence between the two sides stays visible.
// The result is sorted by rendered line. A missing dir yields an error
// wrapping storage.ErrDirNotFound.
func (r *Reconciler) List(ctx context.Context, dir string) ([]Entry, error) {
	children, err := r.blobs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", dir, err)
	}
	records, err := r.meta.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	entries := make([]Entry, 0, len(children)+len(records))
	byName := make(map[string]int, len(children))
	for _, c := range children {
		byName[c.Name] = len(entries)
		entries = append(entries, Entry{Name: c.Name, Dir: c.IsDir})
	}

	for i := range records {
		rec := &records[i]
		if idx, ok := byName[rec.Name]; ok {
			entries[idx].Record = rec
			continue
		}
		entries = append(entries, Entry{Name: rec.Name, Record: rec, Orphan: true})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].String() < entries[j].String()
	})
	return entries, nil
}

// Render joins entries into the newline-separated text form.
func Render(entries []Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}
