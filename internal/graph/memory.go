package graph

import (
	"context"
	"sync"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
)

// MemoryStore keeps records in process. It backs GRAPH_BACKEND=memory and
// the service tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[models.EntityRef]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[models.EntityRef]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, ref models.EntityRef) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ref]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, record *Record) error {
	rec := record.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.records[rec.Ref] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ref models.EntityRef) error {
	s.mu.Lock()
	delete(s.records, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
