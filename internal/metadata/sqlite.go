package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	// SchemaVersion is the current version of the file_records schema.
	SchemaVersion = 1
)

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant metadata storage suitable
// for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the schema. Safe to call on an
// existing database.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS file_records (
			name                TEXT PRIMARY KEY,
			uploaded_at         TEXT NOT NULL,
			ttl_hours           INTEGER NOT NULL DEFAULT 0 CHECK (ttl_hours >= 0),
			password            TEXT NOT NULL DEFAULT '',
			remaining_downloads INTEGER NOT NULL DEFAULT 0 CHECK (remaining_downloads >= 0)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert creates a new file record.
func (s *SQLiteStore) Insert(ctx context.Context, rec *FileRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_records (name, uploaded_at, ttl_hours, password, remaining_downloads)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Name,
		rec.UploadedAt.UTC().Format(timeFormat),
		rec.TTLHours,
		rec.Password,
		rec.RemainingDownloads,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: %s", ErrRecordExists, rec.Name)
		}
		return fmt.Errorf("inserting file record %q: %w", rec.Name, err)
	}
	return nil
}

// Get retrieves the record for name.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, uploaded_at, ttl_hours, password, remaining_downloads
		 FROM file_records WHERE name = ?`,
		name,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file record %q: %w", name, err)
	}
	return rec, nil
}

// UpdateRemainingDownloads sets remaining_downloads for an existing record.
func (s *SQLiteStore) UpdateRemainingDownloads(ctx context.Context, name string, remaining int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET remaining_downloads = ? WHERE name = ?`,
		remaining, name,
	)
	if err != nil {
		return fmt.Errorf("updating remaining downloads %q: %w", name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	return nil
}

// Delete removes the record for name.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting file record %q: %w", name, err)
	}
	return nil
}

// ListAll returns every record ordered by name.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]FileRecord, error) {
	return s.query(ctx,
		`SELECT name, uploaded_at, ttl_hours, password, remaining_downloads
		 FROM file_records ORDER BY name`)
}

// ListExpired selects the records that carry a TTL in SQL and keeps those
// past their deadline.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]FileRecord, error) {
	recs, err := s.query(ctx,
		`SELECT name, uploaded_at, ttl_hours, password, remaining_downloads
		 FROM file_records WHERE ttl_hours > 0 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	// SQLite date arithmetic on the stored text format loses the millisecond
	// suffix, so the final comparison happens here.
	expired := recs[:0]
	for _, r := range recs {
		if r.Expired(now) {
			expired = append(expired, r)
		}
	}
	return expired, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file record row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file record rows: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*FileRecord, error) {
	var rec FileRecord
	var uploadedAt string
	if err := row.Scan(&rec.Name, &uploadedAt, &rec.TTLHours, &rec.Password, &rec.RemainingDownloads); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeFormat, uploadedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing uploaded_at %q: %w", uploadedAt, err)
	}
	rec.UploadedAt = t
	return &rec, nil
}
