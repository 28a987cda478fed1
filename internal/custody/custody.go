// Package custody stores escrow wallet signing keys under an access policy.
//
// Fair splits keep a single-owner key: only the wallet creator may
// retrieve it. Degen splits keep one shared key per wallet with an
// append-only roster of authorized participants. Keys are deleted once
// every participant reaches a terminal state.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrKeyNotFound      = errors.New("custody: key not found")
	ErrPermissionDenied = errors.New("custody: not authorized for this key")
	ErrInvalidScope     = errors.New("custody: invalid owner scope")
)

// ScopeKind tags the access policy of a key record.
type ScopeKind string

const (
	// ScopeCreator namespaces the key to the wallet creator (fair splits).
	ScopeCreator ScopeKind = "creator"
	// ScopeShared grants access to every rostered participant (degen splits).
	ScopeShared ScopeKind = "shared"
)

// Scope is the typed composite owner scope of a key record. Exactly one
// of CreatorID or Roster is meaningful, selected by Kind.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	CreatorID string    `json:"creatorId,omitempty"`
	Roster    []string  `json:"roster,omitempty"`
}

// CreatorScope returns the single-owner scope for fair splits.
func CreatorScope(creatorID string) Scope {
	return Scope{Kind: ScopeCreator, CreatorID: creatorID}
}

// SharedScope returns the rostered scope for degen splits.
func SharedScope(roster []string) Scope {
	r := make([]string, len(roster))
	copy(r, roster)
	return Scope{Kind: ScopeShared, Roster: r}
}

func (s Scope) validate() error {
	switch s.Kind {
	case ScopeCreator:
		if s.CreatorID == "" {
			return fmt.Errorf("%w: creator scope requires a creator id", ErrInvalidScope)
		}
	case ScopeShared:
		if len(s.Roster) == 0 {
			return fmt.Errorf("%w: shared scope requires a roster", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, s.Kind)
	}
	return nil
}

// allows reports whether requesterID may retrieve a key under this scope.
func (s Scope) allows(requesterID string) bool {
	switch s.Kind {
	case ScopeCreator:
		return requesterID == s.CreatorID
	case ScopeShared:
		for _, id := range s.Roster {
			if id == requesterID {
				return true
			}
		}
	}
	return false
}

// Record maps a wallet to its signing key under an owner scope.
type Record struct {
	WalletID  string    `json:"walletId"`
	Scope     Scope     `json:"scope"`
	Secret    string    `json:"secret"` // base58-encoded private key
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists key records keyed by wallet ID.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, walletID string) (*Record, error)
	Delete(ctx context.Context, walletID string) error
}

// Service implements the key custody policy on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a custody service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Store saves the signing key for a wallet under the given scope.
// Overwrites any previous record for the wallet.
func (s *Service) Store(ctx context.Context, walletID string, scope Scope, secret solana.PrivateKey) error {
	if walletID == "" {
		return fmt.Errorf("%w: empty wallet id", ErrInvalidScope)
	}
	if err := scope.validate(); err != nil {
		return err
	}
	if len(secret) == 0 {
		return errors.New("custody: empty secret")
	}

	now := time.Now()
	return s.store.Put(ctx, &Record{
		WalletID:  walletID,
		Scope:     scope,
		Secret:    secret.String(),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Retrieve returns the signing key for a wallet if requesterID is
// authorized under the record's scope.
func (s *Service) Retrieve(ctx context.Context, walletID, requesterID string) (solana.PrivateKey, error) {
	rec, err := s.store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if !rec.Scope.allows(requesterID) {
		return nil, ErrPermissionDenied
	}
	key, err := solana.PrivateKeyFromBase58(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("custody: corrupt key record for wallet %s: %w", walletID, err)
	}
	return key, nil
}

// SyncRoster appends new participants to a shared record's roster.
// Existing entries are never removed; the secret is not re-issued.
func (s *Service) SyncRoster(ctx context.Context, walletID string, userIDs []string) error {
	rec, err := s.store.Get(ctx, walletID)
	if err != nil {
		return err
	}
	if rec.Scope.Kind != ScopeShared {
		return fmt.Errorf("%w: roster sync is only valid for shared keys", ErrInvalidScope)
	}

	existing := make(map[string]bool, len(rec.Scope.Roster))
	for _, id := range rec.Scope.Roster {
		existing[id] = true
	}
	changed := false
	for _, id := range userIDs {
		if id != "" && !existing[id] {
			rec.Scope.Roster = append(rec.Scope.Roster, id)
			existing[id] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	rec.UpdatedAt = time.Now()
	return s.store.Put(ctx, rec)
}

// Delete removes the key for a settled wallet. A failed delete is logged
// and reported; the escrow is already drained at this point so the stale
// record is dead weight rather than a leak vector, and callers treat the
// failure as non-fatal.
func (s *Service) Delete(ctx context.Context, walletID string) error {
	if err := s.store.Delete(ctx, walletID); err != nil {
		s.logger.Warn("failed to delete settled wallet key",
			"wallet_id", walletID,
			"error", err,
		)
		return err
	}
	return nil
}
