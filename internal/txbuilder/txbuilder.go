// Package txbuilder constructs, signs, submits, and confirms escrow
// transfers.
//
// Funding transfers are split into a company-fee instruction and a
// net-to-escrow instruction so the recipient always nets the amount
// they were promised. Withdrawal transfers move the exact available
// balance with no fee so no unspendable dust is left behind. Blockhashes
// are acquired as late as possible and rebuilt when stale; confirmation
// falls back to balance-diff verification when polling is inconclusive.
package txbuilder

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/splitpool/internal/retry"
	"github.com/mbd888/splitpool/internal/token"
)

var (
	ErrInvalidIntent     = errors.New("txbuilder: invalid transaction intent")
	ErrBlockhashExpired  = errors.New("txbuilder: blockhash expired and rebuild failed")
	ErrSubmissionFailed  = errors.New("txbuilder: network rejected the transaction")
	ErrTransactionFailed = errors.New("txbuilder: transaction failed on chain")
	// ErrStillProcessing means the transaction was submitted but neither
	// confirmation polling nor balance-diff fallback could prove the
	// outcome. The transaction may still land; callers must re-query
	// before resubmitting.
	ErrStillProcessing = errors.New("txbuilder: transaction still processing")
)

// TxError wraps transfer failures with operation context.
type TxError struct {
	Op        string // operation that failed
	Signature string // transaction signature if available
	Err       error
}

func (e *TxError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("txbuilder: %s failed (tx: %s): %v", e.Op, e.Signature, e.Err)
	}
	return fmt.Sprintf("txbuilder: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Purpose tags what a transfer is for. Funding transfers carry the
// company fee; withdrawals move the exact balance fee-free.
type Purpose string

const (
	PurposeFunding    Purpose = "funding"
	PurposeWithdrawal Purpose = "withdrawal"
)

// Intent describes one pending transfer. It is ephemeral: only its
// result (signature, success/failure) is persisted.
type Intent struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Amount      uint64 // net amount the destination must receive
	Currency    token.Currency
	Purpose     Purpose
}

func (in Intent) validate() error {
	if in.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	if in.Source.IsZero() || in.Destination.IsZero() {
		return fmt.Errorf("%w: source and destination are required", ErrInvalidIntent)
	}
	if in.Source.Equals(in.Destination) {
		return fmt.Errorf("%w: source and destination cannot match", ErrInvalidIntent)
	}
	if !in.Currency.Valid() {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidIntent, in.Currency)
	}
	if in.Purpose != PurposeFunding && in.Purpose != PurposeWithdrawal {
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidIntent, in.Purpose)
	}
	return nil
}

// DefaultBlockhashMaxAge bounds how long a fetched blockhash is trusted
// before the transaction is rebuilt with a fresh one.
const DefaultBlockhashMaxAge = 10 * time.Second

// Config for the submitter.
type Config struct {
	Mint            solana.PublicKey // stable-token mint
	FeeAddress      solana.PublicKey // company fee destination wallet
	FeeBps          uint64           // company fee on funding transfers
	Tier            retry.Tier
	BlockhashMaxAge time.Duration // zero means DefaultBlockhashMaxAge
}

// Result is the outcome of a successful Execute.
type Result struct {
	Signature solana.Signature
	Amount    uint64 // net amount delivered to the destination
	Fee       uint64 // company fee charged (funding only)
	// FallbackVerified is true when direct confirmation was inconclusive
	// and success was established by observing the expected balance delta.
	FallbackVerified bool
}

// computeProfile sets the compute-budget instructions per network tier.
// Mainnet pays a priority fee so confirmations do not starve under load;
// devnet runs without one.
type computeProfile struct {
	unitLimit     uint32
	priceMicroLam uint64
}

func profileFor(tier retry.Tier) computeProfile {
	if tier == retry.TierMainnet {
		return computeProfile{unitLimit: 200_000, priceMicroLam: 10_000}
	}
	return computeProfile{unitLimit: 200_000, priceMicroLam: 0}
}
