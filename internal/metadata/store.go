// Package metadata defines the interface and implementations for filerelay's
// metadata storage layer, which tracks one FileRecord per uploaded file.
package metadata

import (
	"context"
	"errors"
	"io"
	"math"
	"sort"
	"time"
)

var (
	// ErrRecordExists is returned by Insert when a record with the same name
	// is already present.
	ErrRecordExists = errors.New("file record already exists")
	// ErrRecordNotFound is returned by UpdateRemainingDownloads when there is
	// no record to update.
	ErrRecordNotFound = errors.New("file record not found")
)

// FileRecord is the metadata kept for one uploaded file.
type FileRecord struct {
	// Name is the stored file name, unique across the store.
	Name       string
	UploadedAt time.Time
	// TTLHours of 0 disables age-based expiry.
	TTLHours int
	// Password is stored and reported in listings but never enforced.
	Password string
	// RemainingDownloads of 0 means unlimited; a positive value counts down
	// by one per successful download.
	RemainingDownloads int
}

// ExpiresAt returns the instant after which the record is expired, and false
// when the record has no TTL or its deadline lies beyond the range of
// time.Time.
func (r *FileRecord) ExpiresAt() (time.Time, bool) {
	if r.TTLHours <= 0 {
		return time.Time{}, false
	}
	// Seconds arithmetic; a Duration overflows past roughly 292 years.
	sec := r.UploadedAt.Unix()
	hours := int64(r.TTLHours)
	if hours > (math.MaxInt64-sec)/secondsPerHour {
		return time.Time{}, false
	}
	return time.Unix(sec+hours*secondsPerHour, int64(r.UploadedAt.Nanosecond())).UTC(), true
}

const secondsPerHour = int64(time.Hour / time.Second)

// Expired reports whether more than TTLHours have elapsed since upload.
func (r *FileRecord) Expired(now time.Time) bool {
	deadline, ok := r.ExpiresAt()
	if !ok {
		return false
	}
	return now.After(deadline)
}

// Limited reports whether the record has a download budget.
func (r *FileRecord) Limited() bool {
	return r.RemainingDownloads > 0
}

// Store defines the interface for all metadata operations required by
// filerelay. Implementations must be safe for concurrent use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Insert creates a record. Returns ErrRecordExists if the name is taken.
	Insert(ctx context.Context, rec *FileRecord) error

	// Get returns the record for name, or nil and no error when absent.
	Get(ctx context.Context, name string) (*FileRecord, error)

	// UpdateRemainingDownloads sets the download budget of an existing record.
	// Returns ErrRecordNotFound if the record is absent.
	UpdateRemainingDownloads(ctx context.Context, name string, remaining int) error

	// Delete removes the record for name. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context, name string) error

	// ListAll returns every record ordered by name.
	ListAll(ctx context.Context) ([]FileRecord, error)
}

// ExpiryScanner is an optional interface for stores that can select expired
// records without returning the whole table.
type ExpiryScanner interface {
	ListExpired(ctx context.Context, now time.Time) ([]FileRecord, error)
}

// ListExpired returns the records of s that are expired at now, using
// ExpiryScanner when s implements it.
func ListExpired(ctx context.Context, s Store, now time.Time) ([]FileRecord, error) {
	if scanner, ok := s.(ExpiryScanner); ok {
		return scanner.ListExpired(ctx, now)
	}
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var expired []FileRecord
	for i := range all {
		if all[i].Expired(now) {
			expired = append(expired, all[i])
		}
	}
	return expired, nil
}

func sortRecords(recs []FileRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
}
