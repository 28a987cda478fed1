package splits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/splitpool/internal/token"
)

func seedWallet(t *testing.T, store *MemoryStore, mode Mode) *Wallet {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	bill := &Bill{ID: "bill_1", SettlementStatus: BillOpen, UpdatedAt: now}
	if err := store.CreateBill(ctx, bill); err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	w := &Wallet{
		ID:        "sw_1",
		BillID:    "bill_1",
		CreatorID: "alice",
		Address:   "7cVfgArCheMR6Cs4t6vz5rfnqd56vZq4ndaBrY5xkxXy",
		Currency:  token.USDC,
		Status:    WalletActive,
		Mode:      mode,
		Participants: []Participant{
			{UserID: "alice", Address: "addr-a", AmountOwed: 10_000_000, Status: ParticipantPending},
			{UserID: "bob", Address: "addr-b", AmountOwed: 10_000_000, Status: ParticipantPending},
			{UserID: "carol", Address: "addr-c", AmountOwed: 10_000_000, Status: ParticipantPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := store.CreateWallet(ctx, w); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	return w
}

func paidParticipants(w *Wallet, userID string, sig string) ([]Participant, Participant) {
	participants := make([]Participant, len(w.Participants))
	copy(participants, w.Participants)
	var changed Participant
	for i := range participants {
		if participants[i].UserID == userID {
			participants[i].Status = ParticipantPaid
			participants[i].AmountPaid = participants[i].AmountOwed
			participants[i].LastSignature = sig
			now := time.Now()
			participants[i].PaidAt = &now
			changed = participants[i]
		}
	}
	return participants, changed
}

func TestApplyParticipantPayment_MirrorsBill(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, FairMode("alice"))
	u := NewUpdater(store, nil)
	ctx := context.Background()

	participants, changed := paidParticipants(w, "bob", "sig1")
	if err := u.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, changed, "bob", ModeFair); err != nil {
		t.Fatalf("ApplyParticipantPayment: %v", err)
	}

	got, err := store.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	p, _ := got.Participant("bob")
	if p.Status != ParticipantPaid || p.AmountPaid != 10_000_000 {
		t.Errorf("participant not updated: %+v", p)
	}
	if got.LastSignature != "sig1" {
		t.Errorf("wallet LastSignature = %q, want sig1", got.LastSignature)
	}

	bill, err := store.GetBill(ctx, w.BillID)
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if bill.SettlementStatus != BillSettling {
		t.Errorf("bill status = %q, want settling", bill.SettlementStatus)
	}
}

func TestApplyParticipantPayment_IdempotentTerminalReapply(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, FairMode("alice"))
	u := NewUpdater(store, nil)
	ctx := context.Background()

	participants, changed := paidParticipants(w, "bob", "sig1")
	if err := u.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, changed, "bob", ModeFair); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Identical terminal state again: must be a no-op, not an error.
	if err := u.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, changed, "bob", ModeFair); err != nil {
		t.Fatalf("idempotent re-apply: %v", err)
	}
}

func TestApplyParticipantPayment_RejectsPaymentRegression(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, FairMode("alice"))
	u := NewUpdater(store, nil)
	ctx := context.Background()

	participants, changed := paidParticipants(w, "bob", "sig1")
	if err := u.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, changed, "bob", ModeFair); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// Attempt to shrink AmountPaid with a different signature.
	regressed := changed
	regressed.AmountPaid = 1
	regressed.LastSignature = "sig2"
	participants[1] = regressed
	err := u.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, regressed, "bob", ModeFair)
	if !errors.Is(err, ErrPaymentRegressed) {
		t.Errorf("expected ErrPaymentRegressed, got %v", err)
	}
}

func TestApplyParticipantPayment_UnknownParticipant(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, FairMode("alice"))
	u := NewUpdater(store, nil)

	changed := Participant{UserID: "mallory", Status: ParticipantPaid}
	err := u.ApplyParticipantPayment(context.Background(), w.ID, w.BillID, w.Participants, changed, "mallory", ModeFair)
	if err == nil {
		t.Error("expected error for unknown participant")
	}
}

func TestApplyParticipantPayment_StoreFailureSurfaces(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, FairMode("alice"))
	u := NewUpdater(store, nil)
	ctx := context.Background()

	store.FailNextApply = errors.New("connection reset")
	participants, changed := paidParticipants(w, "bob", "sig1")
	err := u.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, changed, "bob", ModeFair)
	if !errors.Is(err, ErrStoreUpdate) {
		t.Fatalf("expected ErrStoreUpdate, got %v", err)
	}

	// Nothing was persisted: the caller sees failure, the store stays
	// consistent.
	got, _ := store.GetWallet(ctx, w.ID)
	p, _ := got.Participant("bob")
	if p.Status != ParticipantPending {
		t.Errorf("participant mutated despite store failure: %+v", p)
	}
}

func TestApplySettlement_ForwardOnly(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, FairMode("alice"))
	u := NewUpdater(store, nil)
	ctx := context.Background()

	w.Status = WalletCompleted
	w.LastSignature = "sig-final"
	if err := u.ApplySettlement(ctx, w); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	got, _ := store.GetWallet(ctx, w.ID)
	if got.Status != WalletCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	bill, _ := store.GetBill(ctx, w.BillID)
	if bill.SettlementStatus != BillSettled {
		t.Errorf("bill status = %q, want settled", bill.SettlementStatus)
	}

	// Regression back to active must be rejected.
	w.Status = WalletActive
	if err := u.ApplySettlement(ctx, w); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("expected ErrStatusRegression, got %v", err)
	}
}

func TestWallet_TotalPaidAndTerminal(t *testing.T) {
	store := NewMemoryStore()
	w := seedWallet(t, store, DegenMode([]string{"alice", "bob", "carol"}))

	if w.TotalPaid() != 0 {
		t.Error("fresh wallet must have zero total paid")
	}
	if w.AllTerminal() {
		t.Error("fresh wallet must not be terminal")
	}

	for i := range w.Participants {
		w.Participants[i].Status = ParticipantLocked
		w.Participants[i].AmountPaid = 5_000_000
	}
	if w.TotalPaid() != 15_000_000 {
		t.Errorf("TotalPaid = %d, want 15000000", w.TotalPaid())
	}
	if !w.AllTerminal() {
		t.Error("all-locked degen wallet must be terminal")
	}
}

func TestWallet_Validate(t *testing.T) {
	w := &Wallet{ID: "x", BillID: "y", Currency: token.USDC, Mode: FairMode("alice")}
	if err := w.Validate(); err != nil {
		t.Errorf("valid wallet rejected: %v", err)
	}
	w.Mode = Mode{Kind: ModeFair}
	if err := w.Validate(); err == nil {
		t.Error("fair mode without creator must be rejected")
	}
	w.Mode = Mode{Kind: ModeDegen}
	if err := w.Validate(); err == nil {
		t.Error("degen mode without roster must be rejected")
	}
	w.Mode = FairMode("alice")
	w.Currency = "DOGE"
	if err := w.Validate(); err == nil {
		t.Error("unsupported currency must be rejected")
	}
}
