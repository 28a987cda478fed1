package custody

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // keyed by wallet ID
}

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.Scope.Roster = append([]string(nil), rec.Scope.Roster...)
	s.records[rec.WalletID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, walletID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[walletID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *rec
	cp.Scope.Roster = append([]string(nil), rec.Scope.Roster...)
	return &cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[walletID]; !ok {
		return ErrKeyNotFound
	}
	delete(s.records, walletID)
	return nil
}
