package metadata

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in a map. It loses everything on restart and is
// meant for tests and throwaway deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*FileRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*FileRecord),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrRecordExists, rec.Name)
	}
	recCopy := *rec
	recCopy.UploadedAt = rec.UploadedAt.UTC()
	s.records[rec.Name] = &recCopy
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[name]
	if !exists {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

func (s *MemoryStore) UpdateRemainingDownloads(ctx context.Context, name string, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	rec.RemainingDownloads = remaining
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, name)
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, *rec)
	}
	sortRecords(recs)
	return recs, nil
}
