// Package splits owns the escrow wallet data model and its persistence.
//
// A Wallet pools participant funds for one bill. Fair wallets settle by
// the creator withdrawing the pooled total; degen wallets lock equal
// stakes and settle around a randomly drawn loser. All mutations flow
// through the Updater so the wallet document and its parent bill stay
// consistent.
package splits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/splitpool/internal/token"
)

var (
	ErrWalletNotFound   = errors.New("splits: wallet not found")
	ErrBillNotFound     = errors.New("splits: bill not found")
	ErrStatusRegression = errors.New("splits: wallet status may only advance")
	ErrPaymentRegressed = errors.New("splits: participant amount paid may not decrease")
	ErrStoreUpdate      = errors.New("splits: store update failed")
)

// WalletStatus is the lifecycle state of an escrow wallet.
// It only advances forward.
type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletSpinning  WalletStatus = "spinning" // degen draw in progress, funding frozen
	WalletCompleted WalletStatus = "completed"
	WalletClosed    WalletStatus = "closed"
)

var walletStatusRank = map[WalletStatus]int{
	WalletActive:    0,
	WalletSpinning:  1,
	WalletCompleted: 2,
	WalletClosed:    3,
}

// ParticipantStatus is the per-participant payment state.
type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantLocked  ParticipantStatus = "locked" // degen stake locked
	ParticipantPaid    ParticipantStatus = "paid"   // fair share paid, or degen winner paid out
)

// ModeKind tags the settlement mode of a wallet.
type ModeKind string

const (
	ModeFair  ModeKind = "fair"
	ModeDegen ModeKind = "degen"
)

// Mode is the tagged settlement mode. CreatorID is meaningful for fair
// wallets, Roster for degen wallets; branching switches on Kind.
type Mode struct {
	Kind      ModeKind `json:"kind"`
	CreatorID string   `json:"creatorId,omitempty"`
	Roster    []string `json:"roster,omitempty"`
}

// FairMode returns the fair-split mode owned by creatorID.
func FairMode(creatorID string) Mode {
	return Mode{Kind: ModeFair, CreatorID: creatorID}
}

// DegenMode returns the degen-split mode with the given participant roster.
func DegenMode(roster []string) Mode {
	r := make([]string, len(roster))
	copy(r, roster)
	return Mode{Kind: ModeDegen, Roster: r}
}

// Participant is one member of an escrow wallet.
type Participant struct {
	UserID        string            `json:"userId"`
	Name          string            `json:"name,omitempty"`
	Address       string            `json:"address"` // in-app destination
	ExternalAddr  string            `json:"externalAddr,omitempty"`
	AmountOwed    uint64            `json:"amountOwed"`
	AmountPaid    uint64            `json:"amountPaid"`
	Status        ParticipantStatus `json:"status"`
	LastSignature string            `json:"lastSignature,omitempty"`
	PaidAt        *time.Time        `json:"paidAt,omitempty"`
}

// Terminal reports whether the participant has reached a final state
// for its wallet mode.
func (p Participant) Terminal(mode ModeKind) bool {
	if mode == ModeDegen {
		return p.Status == ParticipantLocked || p.Status == ParticipantPaid
	}
	return p.Status == ParticipantPaid
}

// Bill is the parent record a wallet settles. Only the settlement-status
// mirror lives here; bill content is out of the engine's scope.
type Bill struct {
	ID               string    `json:"id"`
	SettlementStatus string    `json:"settlementStatus"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Bill settlement status values mirrored from wallet state.
const (
	BillOpen     = "open"
	BillSettling = "settling"
	BillSettled  = "settled"
)

// Wallet is one escrow wallet pooling funds for a bill.
type Wallet struct {
	ID            string         `json:"id"`
	BillID        string         `json:"billId"`
	CreatorID     string         `json:"creatorId"`
	Address       string         `json:"address"` // on-chain escrow address, base58
	Currency      token.Currency `json:"currency"`
	Status        WalletStatus   `json:"status"`
	Mode          Mode           `json:"mode"`
	Participants  []Participant  `json:"participants"`
	LoserID       string         `json:"loserId,omitempty"`  // degen draw result
	WinnerID      string         `json:"winnerId,omitempty"` // degen payout recipient
	LastSignature string         `json:"lastSignature,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Participant returns the participant with the given user ID.
func (w *Wallet) Participant(userID string) (*Participant, bool) {
	for i := range w.Participants {
		if w.Participants[i].UserID == userID {
			return &w.Participants[i], true
		}
	}
	return nil, false
}

// TotalPaid sums every participant's amount paid into the escrow.
func (w *Wallet) TotalPaid() uint64 {
	var total uint64
	for _, p := range w.Participants {
		total += p.AmountPaid
	}
	return total
}

// AllTerminal reports whether every participant has reached a final
// state for the wallet's mode.
func (w *Wallet) AllTerminal() bool {
	for _, p := range w.Participants {
		if !p.Terminal(w.Mode.Kind) {
			return false
		}
	}
	return len(w.Participants) > 0
}

// CanAdvanceTo reports whether the wallet status may move to next.
// Equal status is allowed (idempotent re-apply); regression is not.
func (w *Wallet) CanAdvanceTo(next WalletStatus) bool {
	cur, ok := walletStatusRank[w.Status]
	if !ok {
		return false
	}
	n, ok := walletStatusRank[next]
	if !ok {
		return false
	}
	return n >= cur
}

// BillStatusFor derives the parent bill's settlement status from wallet
// state: settled once the wallet completes, settling once anyone has
// paid in, open otherwise.
func (w *Wallet) BillStatusFor() string {
	switch {
	case w.Status == WalletCompleted || w.Status == WalletClosed:
		return BillSettled
	case w.TotalPaid() > 0:
		return BillSettling
	default:
		return BillOpen
	}
}

// Validate checks structural invariants before persistence.
func (w *Wallet) Validate() error {
	if w.ID == "" || w.BillID == "" {
		return fmt.Errorf("splits: wallet id and bill id are required")
	}
	if !w.Currency.Valid() {
		return fmt.Errorf("splits: unsupported currency %q", w.Currency)
	}
	switch w.Mode.Kind {
	case ModeFair:
		if w.Mode.CreatorID == "" {
			return fmt.Errorf("splits: fair mode requires a creator id")
		}
	case ModeDegen:
		if len(w.Mode.Roster) == 0 {
			return fmt.Errorf("splits: degen mode requires a roster")
		}
	default:
		return fmt.Errorf("splits: unknown mode %q", w.Mode.Kind)
	}
	return nil
}

// Store persists wallets and their parent bills.
type Store interface {
	CreateBill(ctx context.Context, bill *Bill) error
	GetBill(ctx context.Context, id string) (*Bill, error)
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	// ApplyUpdate writes the full wallet document and mirrors billStatus
	// to the parent bill as a single logical unit. Partial application
	// is an error.
	ApplyUpdate(ctx context.Context, w *Wallet, billStatus string) error
	ListWalletsByStatus(ctx context.Context, status WalletStatus) ([]*Wallet, error)
}
