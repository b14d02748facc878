// Package serialization handles metadata export/import between a metadata
// store and JSON.
package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/naming"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// Redacted replaces passwords in exports made without IncludePasswords.
const Redacted = "REDACTED"

// timeFormat is the timestamp layout used in export documents.
const timeFormat = "2006-01-02T15:04:05.000Z"

// ExportOptions configures what to export.
type ExportOptions struct {
	IncludePasswords bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes every existing record before importing. Without it,
	// records whose name is already present are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
	Warnings []string
}

// Envelope describes the export document itself.
type Envelope struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
}

// Record is the export form of a metadata.FileRecord.
type Record struct {
	Name               string `json:"name"`
	UploadedAt         string `json:"uploaded_at"`
	TTLHours           int    `json:"ttl_hours"`
	Password           string `json:"password"`
	RemainingDownloads int    `json:"remaining_downloads"`
}

// Document is the top-level export.
type Document struct {
	Export      Envelope `json:"filerelay_export"`
	FileRecords []Record `json:"file_records"`
}

// ExportMetadata exports every record of store to an indented JSON string.
func ExportMetadata(ctx context.Context, store metadata.Store, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}

	recs, err := store.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("listing records: %w", err)
	}

	doc := Document{
		Export: Envelope{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format(timeFormat),
			Source:     "go/" + Version,
		},
		FileRecords: make([]Record, 0, len(recs)),
	}
	for _, r := range recs {
		out := Record{
			Name:               r.Name,
			UploadedAt:         r.UploadedAt.UTC().Format(timeFormat),
			TTLHours:           r.TTLHours,
			Password:           r.Password,
			RemainingDownloads: r.RemainingDownloads,
		}
		if !opts.IncludePasswords && out.Password != "" {
			out.Password = Redacted
		}
		doc.FileRecords = append(doc.FileRecords, out)
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ImportMetadata imports the records of an export document into store.
// Invalid rows are skipped with a warning; redacted passwords are cleared.
func ImportMetadata(ctx context.Context, store metadata.Store, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", doc.Export.Version)
	}

	if opts.Replace {
		existing, err := store.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing records: %w", err)
		}
		for _, r := range existing {
			if err := store.Delete(ctx, r.Name); err != nil {
				return nil, fmt.Errorf("deleting %q: %w", r.Name, err)
			}
		}
	}

	result := &ImportResult{}
	for _, in := range doc.FileRecords {
		rec, warn := parseRecord(in)
		if rec == nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, warn)
			continue
		}
		if warn != "" {
			result.Warnings = append(result.Warnings, warn)
		}

		err := store.Insert(ctx, rec)
		switch {
		case errors.Is(err, metadata.ErrRecordExists):
			result.Skipped++
		case err != nil:
			return result, fmt.Errorf("inserting %q: %w", rec.Name, err)
		default:
			result.Imported++
		}
	}
	return result, nil
}

// parseRecord validates one exported row. A nil record means the row is
// unusable and the string says why; otherwise the string is an optional
// warning.
func parseRecord(in Record) (*metadata.FileRecord, string) {
	if err := naming.Validate(in.Name); err != nil {
		return nil, fmt.Sprintf("Skipped record %q: %v", in.Name, err)
	}
	uploadedAt, err := time.Parse(time.RFC3339Nano, in.UploadedAt)
	if err != nil {
		return nil, fmt.Sprintf("Skipped record %q: bad uploaded_at %q", in.Name, in.UploadedAt)
	}
	if in.TTLHours < 0 || in.RemainingDownloads < 0 {
		return nil, fmt.Sprintf("Skipped record %q: negative ttl_hours or remaining_downloads", in.Name)
	}

	rec := &metadata.FileRecord{
		Name:               in.Name,
		UploadedAt:         uploadedAt.UTC(),
		TTLHours:           in.TTLHours,
		Password:           in.Password,
		RemainingDownloads: in.RemainingDownloads,
	}
	if in.Password == Redacted {
		rec.Password = ""
		return rec, fmt.Sprintf("Cleared password of %q: REDACTED in export", in.Name)
	}
	return rec, ""
}
