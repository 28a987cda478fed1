package splits

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Updater applies wallet state transitions as single logical writes.
// It re-checks persisted state before every mutation so concurrent
// requests converge to at most one successful transition; the loser of
// a race is a benign no-op, not a corrupted document.
type Updater struct {
	store  Store
	logger *slog.Logger
}

// NewUpdater creates an updater over the given store.
func NewUpdater(store Store, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{store: store, logger: logger}
}

// ApplyParticipantPayment writes an updated participant list to the
// wallet and mirrors the bill's settlement status, atomically.
//
// Invariants enforced against the freshly re-read document:
//   - AmountPaid never decreases for any participant
//   - re-applying an identical terminal participant state is a no-op
//   - unknown participants are rejected
func (u *Updater) ApplyParticipantPayment(ctx context.Context, walletID, billID string, participants []Participant, changed Participant, actingUserID string, mode ModeKind) error {
	w, err := u.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if w.BillID != billID {
		return fmt.Errorf("splits: wallet %s does not belong to bill %s", walletID, billID)
	}
	if w.Mode.Kind != mode {
		return fmt.Errorf("splits: wallet %s is %s mode, not %s", walletID, w.Mode.Kind, mode)
	}

	stored, ok := w.Participant(changed.UserID)
	if !ok {
		return fmt.Errorf("splits: participant %s not in wallet %s", changed.UserID, walletID)
	}

	// Idempotent guard: identical terminal state already persisted.
	if stored.Terminal(mode) &&
		stored.Status == changed.Status &&
		stored.AmountPaid == changed.AmountPaid &&
		stored.LastSignature == changed.LastSignature {
		return nil
	}

	if changed.AmountPaid < stored.AmountPaid {
		return fmt.Errorf("%w: %s %d -> %d", ErrPaymentRegressed,
			changed.UserID, stored.AmountPaid, changed.AmountPaid)
	}

	w.Participants = make([]Participant, len(participants))
	copy(w.Participants, participants)
	w.LastSignature = changed.LastSignature
	w.UpdatedAt = time.Now()

	if err := u.store.ApplyUpdate(ctx, w, w.BillStatusFor()); err != nil {
		// Funds may already have moved; this must be surfaced loudly so
		// a reconciliation pass can repair the drift.
		u.logger.Error("participant payment persisted on chain but store update failed",
			"wallet_id", walletID,
			"user_id", changed.UserID,
			"acting_user_id", actingUserID,
			"signature", changed.LastSignature,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrStoreUpdate, err)
	}
	return nil
}

// ApplySettlement advances the wallet to a settlement state (completed
// or closed), recording winner/loser identities and the settling
// transaction, and mirrors the bill status. Forward-only: a wallet never
// returns to an earlier state.
func (u *Updater) ApplySettlement(ctx context.Context, w *Wallet) error {
	fresh, err := u.store.GetWallet(ctx, w.ID)
	if err != nil {
		return err
	}
	if !fresh.CanAdvanceTo(w.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, fresh.Status, w.Status)
	}

	w.UpdatedAt = time.Now()
	if (w.Status == WalletCompleted || w.Status == WalletClosed) && w.CompletedAt == nil {
		now := w.UpdatedAt
		w.CompletedAt = &now
	}

	if err := u.store.ApplyUpdate(ctx, w, w.BillStatusFor()); err != nil {
		u.logger.Error("settlement persisted on chain but store update failed",
			"wallet_id", w.ID,
			"status", w.Status,
			"signature", w.LastSignature,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrStoreUpdate, err)
	}
	return nil
}
