package splits

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	bills   map[string]*Bill

	// FailNextApply, when set, fails the next ApplyUpdate. Used by tests
	// to exercise store-failure paths.
	FailNextApply error
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		bills:   make(map[string]*Bill),
	}
}

func copyWallet(w *Wallet) *Wallet {
	cp := *w
	cp.Participants = make([]Participant, len(w.Participants))
	copy(cp.Participants, w.Participants)
	cp.Mode.Roster = append([]string(nil), w.Mode.Roster...)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (s *MemoryStore) CreateBill(ctx context.Context, bill *Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bills[bill.ID]; exists {
		return errors.New("splits: bill already exists")
	}
	cp := *bill
	s.bills[bill.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBill(ctx context.Context, id string) (*Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bill, ok := s.bills[id]
	if !ok {
		return nil, ErrBillNotFound
	}
	cp := *bill
	return &cp, nil
}

func (s *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.ID]; exists {
		return errors.New("splits: wallet already exists")
	}
	s.wallets[w.ID] = copyWallet(w)
	return nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, w *Wallet, billStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNextApply; err != nil {
		s.FailNextApply = nil
		return err
	}

	if _, ok := s.wallets[w.ID]; !ok {
		return ErrWalletNotFound
	}
	bill, ok := s.bills[w.BillID]
	if !ok {
		return ErrBillNotFound
	}

	// Single critical section: wallet and bill move together.
	s.wallets[w.ID] = copyWallet(w)
	bill.SettlementStatus = billStatus
	bill.UpdatedAt = w.UpdatedAt
	return nil
}

func (s *MemoryStore) ListWalletsByStatus(ctx context.Context, status WalletStatus) ([]*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Wallet
	for _, w := range s.wallets {
		if w.Status == status {
			out = append(out, copyWallet(w))
		}
	}
	return out, nil
}
