// Package settlement is the state machine over escrow wallets: fund
// locking, fair withdrawal, degen loser draw, winner payout, and loser
// refund.
//
// Cross-request safety comes from idempotent guards: every mutating
// operation re-reads the persisted wallet immediately before acting, so
// two near-simultaneous requests converge to at most one successful
// transition. Per-wallet mutexes additionally serialize transitions
// within one process.
package settlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/splitpool/internal/chain"
	"github.com/mbd888/splitpool/internal/custody"
	"github.com/mbd888/splitpool/internal/idgen"
	"github.com/mbd888/splitpool/internal/pagination"
	"github.com/mbd888/splitpool/internal/splits"
	"github.com/mbd888/splitpool/internal/syncutil"
	"github.com/mbd888/splitpool/internal/token"
	"github.com/mbd888/splitpool/internal/txbuilder"
)

var (
	ErrInvalidInput        = errors.New("settlement: invalid input")
	ErrPermissionDenied    = errors.New("settlement: not authorized for this operation")
	ErrNotParticipant      = errors.New("settlement: user is not a wallet participant")
	ErrAlreadySettled      = errors.New("settlement: already settled")
	ErrInsufficientBalance = errors.New("settlement: insufficient balance")
	ErrWrongMode           = errors.New("settlement: operation not valid for this wallet mode")
	ErrNoLoserDrawn        = errors.New("settlement: no loser has been drawn")
	ErrStakesNotLocked     = errors.New("settlement: every stake must be locked before the draw")
)

// Executor submits transaction intents. *txbuilder.Submitter satisfies it.
type Executor interface {
	Execute(ctx context.Context, intent txbuilder.Intent, signer, feePayer solana.PrivateKey) (*txbuilder.Result, error)
}

var _ Executor = (*txbuilder.Submitter)(nil)

// BalanceReader reads authoritative on-chain balances. *chain.Oracle
// satisfies it.
type BalanceReader interface {
	Balance(ctx context.Context, owner solana.PublicKey, currency token.Currency) (chain.Balance, error)
}

var _ BalanceReader = (*chain.Oracle)(nil)

// Result is the caller-facing outcome of a settlement operation that
// moved funds.
type Result struct {
	Signature        string `json:"transactionSignature"`
	Amount           uint64 `json:"amount"`
	Fee              uint64 `json:"fee,omitempty"`
	FallbackVerified bool   `json:"fallbackVerified,omitempty"`
}

// Service orchestrates escrow wallet settlement.
type Service struct {
	store    splits.Store
	updater  *splits.Updater
	keys     *custody.Service
	oracle   BalanceReader
	exec     Executor
	feePayer solana.PrivateKey
	feeBps   uint64
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // per-wallet ID locks
}

// NewService creates the settlement orchestrator.
func NewService(store splits.Store, updater *splits.Updater, keys *custody.Service, oracle BalanceReader, exec Executor, feePayer solana.PrivateKey, feeBps uint64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		updater:  updater,
		keys:     keys,
		oracle:   oracle,
		exec:     exec,
		feePayer: feePayer,
		feeBps:   feeBps,
		logger:   logger,
	}
}

// walletLock serializes transitions for one wallet and returns the
// unlock function.
func (s *Service) walletLock(id string) func() {
	return s.locks.Lock(id)
}

// ParticipantInput describes one member at wallet creation time.
type ParticipantInput struct {
	UserID     string `json:"userId" binding:"required"`
	Name       string `json:"name"`
	Address    string `json:"address" binding:"required"`
	AmountOwed uint64 `json:"amountOwed" binding:"required"`
}

// CreateWalletRequest contains the parameters for creating an escrow wallet.
type CreateWalletRequest struct {
	BillID       string             `json:"billId" binding:"required"`
	CreatorID    string             `json:"creatorId" binding:"required"`
	Currency     token.Currency     `json:"currency"`
	Mode         splits.ModeKind    `json:"mode" binding:"required"`
	Participants []ParticipantInput `json:"participants" binding:"required"`
}

// CreateWallet generates a fresh escrow keypair, stores the key under
// the mode's custody scope, and persists the wallet document.
func (s *Service) CreateWallet(ctx context.Context, req CreateWalletRequest) (*splits.Wallet, error) {
	if req.BillID == "" || req.CreatorID == "" {
		return nil, fmt.Errorf("%w: bill id and creator id are required", ErrInvalidInput)
	}
	if req.Currency == "" {
		req.Currency = token.USDC
	}
	if !req.Currency.Valid() {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, req.Currency)
	}
	if len(req.Participants) == 0 {
		return nil, fmt.Errorf("%w: at least one participant is required", ErrInvalidInput)
	}

	participants := make([]splits.Participant, 0, len(req.Participants))
	roster := make([]string, 0, len(req.Participants))
	seen := make(map[string]bool, len(req.Participants))
	for _, in := range req.Participants {
		if in.UserID == "" || in.AmountOwed == 0 {
			return nil, fmt.Errorf("%w: participant needs a user id and a positive amount owed", ErrInvalidInput)
		}
		if seen[in.UserID] {
			return nil, fmt.Errorf("%w: duplicate participant %s", ErrInvalidInput, in.UserID)
		}
		seen[in.UserID] = true
		if _, err := solana.PublicKeyFromBase58(in.Address); err != nil {
			return nil, fmt.Errorf("%w: bad address for participant %s", ErrInvalidInput, in.UserID)
		}
		participants = append(participants, splits.Participant{
			UserID:     in.UserID,
			Name:       in.Name,
			Address:    in.Address,
			AmountOwed: in.AmountOwed,
			Status:     splits.ParticipantPending,
		})
		roster = append(roster, in.UserID)
	}

	var mode splits.Mode
	var scope custody.Scope
	switch req.Mode {
	case splits.ModeFair:
		mode = splits.FairMode(req.CreatorID)
		scope = custody.CreatorScope(req.CreatorID)
	case splits.ModeDegen:
		if len(req.Participants) < 2 {
			return nil, fmt.Errorf("%w: degen split needs at least two participants", ErrInvalidInput)
		}
		// Degen splits are equal-stake games.
		stake := req.Participants[0].AmountOwed
		for _, in := range req.Participants[1:] {
			if in.AmountOwed != stake {
				return nil, fmt.Errorf("%w: degen stakes must be equal", ErrInvalidInput)
			}
		}
		mode = splits.DegenMode(roster)
		scope = custody.SharedScope(roster)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Mode)
	}

	if _, err := s.store.GetBill(ctx, req.BillID); err != nil {
		if !errors.Is(err, splits.ErrBillNotFound) {
			return nil, err
		}
		if err := s.store.CreateBill(ctx, &splits.Bill{
			ID:               req.BillID,
			SettlementStatus: splits.BillOpen,
			UpdatedAt:        time.Now(),
		}); err != nil {
			return nil, err
		}
	}

	escrow := solana.NewWallet()
	now := time.Now()
	w := &splits.Wallet{
		ID:           idgen.WithPrefix("sw_"),
		BillID:       req.BillID,
		CreatorID:    req.CreatorID,
		Address:      escrow.PublicKey().String(),
		Currency:     req.Currency,
		Status:       splits.WalletActive,
		Mode:         mode,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	// Key first, wallet second: a wallet without a key is unusable, a
	// key without a wallet is cleaned up below.
	if err := s.keys.Store(ctx, w.ID, scope, escrow.PrivateKey); err != nil {
		return nil, fmt.Errorf("settlement: storing escrow key: %w", err)
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		_ = s.keys.Delete(ctx, w.ID)
		return nil, err
	}
	return w, nil
}

// GetWallet returns the persisted wallet document.
func (s *Service) GetWallet(ctx context.Context, walletID string) (*splits.Wallet, error) {
	return s.store.GetWallet(ctx, walletID)
}

// ListWallets returns wallets in the given status, oldest first, as one
// cursor page. The returned cursor is empty on the last page.
func (s *Service) ListWallets(ctx context.Context, status splits.WalletStatus, limit int, cursor string) ([]*splits.Wallet, string, bool, error) {
	switch status {
	case splits.WalletActive, splits.WalletSpinning, splits.WalletCompleted, splits.WalletClosed:
	default:
		return nil, "", false, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	wallets, err := s.store.ListWalletsByStatus(ctx, status)
	if err != nil {
		return nil, "", false, err
	}
	sort.Slice(wallets, func(i, j int) bool {
		if !wallets[i].CreatedAt.Equal(wallets[j].CreatedAt) {
			return wallets[i].CreatedAt.Before(wallets[j].CreatedAt)
		}
		return wallets[i].ID < wallets[j].ID
	})
	if cur != nil {
		for len(wallets) > 0 {
			w := wallets[0]
			if w.CreatedAt.After(cur.CreatedAt) ||
				(w.CreatedAt.Equal(cur.CreatedAt) && w.ID > cur.ID) {
				break
			}
			wallets = wallets[1:]
		}
	}
	if len(wallets) > limit+1 {
		wallets = wallets[:limit+1]
	}

	page, next, hasMore := pagination.ComputePage(wallets, limit, func(w *splits.Wallet) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	return page, next, hasMore, nil
}

// AddParticipants appends new invitees to an active wallet. For degen
// wallets the custody roster is synchronized append-only so the new
// members can retrieve the shared key.
func (s *Service) AddParticipants(ctx context.Context, walletID, actingUserID string, inputs []ParticipantInput) (*splits.Wallet, error) {
	unlock := s.walletLock(walletID)
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status != splits.WalletActive {
		return nil, fmt.Errorf("%w: wallet %s is %s", ErrAlreadySettled, walletID, w.Status)
	}
	if w.CreatorID != actingUserID {
		return nil, fmt.Errorf("%w: only the creator may invite participants", ErrPermissionDenied)
	}

	var added []string
	for _, in := range inputs {
		if in.UserID == "" || in.AmountOwed == 0 {
			return nil, fmt.Errorf("%w: participant needs a user id and a positive amount owed", ErrInvalidInput)
		}
		if _, exists := w.Participant(in.UserID); exists {
			continue
		}
		if _, err := solana.PublicKeyFromBase58(in.Address); err != nil {
			return nil, fmt.Errorf("%w: bad address for participant %s", ErrInvalidInput, in.UserID)
		}
		if w.Mode.Kind == splits.ModeDegen && len(w.Participants) > 0 &&
			in.AmountOwed != w.Participants[0].AmountOwed {
			return nil, fmt.Errorf("%w: degen stakes must be equal", ErrInvalidInput)
		}
		w.Participants = append(w.Participants, splits.Participant{
			UserID:     in.UserID,
			Name:       in.Name,
			Address:    in.Address,
			AmountOwed: in.AmountOwed,
			Status:     splits.ParticipantPending,
		})
		added = append(added, in.UserID)
	}
	if len(added) > 0 {
		if w.Mode.Kind == splits.ModeDegen {
			w.Mode.Roster = append(w.Mode.Roster, added...)
		}
		w.UpdatedAt = time.Now()
		if err := s.store.ApplyUpdate(ctx, w, w.BillStatusFor()); err != nil {
			return nil, err
		}
	}
	// Roster sync comes after the wallet write: a failure here leaves a
	// persisted participant who cannot retrieve the shared key yet,
	// never a key holder who is not a participant. Syncing the full
	// roster is an append-only union, so repeating the invite heals it.
	if w.Mode.Kind == splits.ModeDegen {
		if err := s.keys.SyncRoster(ctx, walletID, w.Mode.Roster); err != nil {
			s.logger.Warn("key roster sync failed after participant update",
				"wallet_id", walletID, "error", err)
			return nil, fmt.Errorf("settlement: syncing key roster: %w", err)
		}
	}
	return w, nil
}

// Fund pays the remainder of a participant's share into the escrow from
// the sender's own wallet. Fair participants become paid, degen
// participants become locked.
//
// The pre-flight balance check only blocks on a reliable read: when the
// read itself fails the transaction is allowed to proceed and fail
// on-chain instead, since a false negative is worse than a late
// rejection.
func (s *Service) Fund(ctx context.Context, walletID, userID string, senderKey solana.PrivateKey) (*Result, error) {
	unlock := s.walletLock(walletID)
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status != splits.WalletActive {
		return nil, fmt.Errorf("%w: wallet %s is %s and not accepting funds", ErrAlreadySettled, walletID, w.Status)
	}
	p, ok := w.Participant(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}
	if p.Terminal(w.Mode.Kind) {
		return nil, fmt.Errorf("%w: participant %s has already funded", ErrAlreadySettled, userID)
	}

	amount := p.AmountOwed - p.AmountPaid
	if amount == 0 {
		return nil, fmt.Errorf("%w: nothing owed", ErrInvalidInput)
	}

	if bal, err := s.oracle.Balance(ctx, senderKey.PublicKey(), w.Currency); err == nil {
		if bal.Amount < token.Gross(amount, s.feeBps) {
			return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance,
				bal.Amount, token.Gross(amount, s.feeBps))
		}
	} else {
		s.logger.Warn("sender balance read failed, proceeding without pre-flight check",
			"wallet_id", walletID, "user_id", userID, "error", err)
	}

	escrowAddr, err := parseAddress(w.Address)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.Execute(ctx, txbuilder.Intent{
		Source:      senderKey.PublicKey(),
		Destination: escrowAddr,
		Amount:      amount,
		Currency:    w.Currency,
		Purpose:     txbuilder.PurposeFunding,
	}, senderKey, s.feePayer)
	if err != nil {
		return nil, fmt.Errorf("settlement: funding wallet %s: %w", walletID, err)
	}

	now := time.Now()
	updated := *p
	updated.AmountPaid += amount
	updated.LastSignature = res.Signature.String()
	updated.PaidAt = &now
	if w.Mode.Kind == splits.ModeDegen {
		updated.Status = splits.ParticipantLocked
	} else {
		updated.Status = splits.ParticipantPaid
	}

	participants := replaceParticipant(w.Participants, updated)
	if err := s.updater.ApplyParticipantPayment(ctx, w.ID, w.BillID, participants, updated, userID, w.Mode.Kind); err != nil {
		return nil, err
	}
	return &Result{
		Signature:        res.Signature.String(),
		Amount:           res.Amount,
		Fee:              res.Fee,
		FallbackVerified: res.FallbackVerified,
	}, nil
}

// FairWithdraw drains the escrow to the creator's destination address
// and completes the wallet. Creator-only; the withdrawal is sized by a
// live on-chain read, never by the stored participant totals.
func (s *Service) FairWithdraw(ctx context.Context, walletID, requesterID, destination string) (*Result, error) {
	unlock := s.walletLock(walletID)
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Mode.Kind != splits.ModeFair {
		return nil, fmt.Errorf("%w: withdrawal is a fair-split operation", ErrWrongMode)
	}
	if requesterID != w.Mode.CreatorID {
		return nil, fmt.Errorf("%w: only the creator may withdraw", ErrPermissionDenied)
	}
	if w.Status == splits.WalletCompleted || w.Status == splits.WalletClosed {
		return nil, fmt.Errorf("%w: wallet %s is %s", ErrAlreadySettled, walletID, w.Status)
	}

	escrowKey, err := s.keys.Retrieve(ctx, walletID, requesterID)
	if err != nil {
		if errors.Is(err, custody.ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}
	destAddr, err := parseAddress(destination)
	if err != nil {
		return nil, err
	}

	// Withdrawal sizing requires a reliable read; a failed read blocks.
	bal, err := s.oracle.Balance(ctx, escrowKey.PublicKey(), w.Currency)
	if err != nil {
		return nil, fmt.Errorf("settlement: reading escrow balance: %w", err)
	}
	if bal.Amount == 0 {
		return nil, fmt.Errorf("%w: escrow is empty", ErrInsufficientBalance)
	}

	res, err := s.exec.Execute(ctx, txbuilder.Intent{
		Source:      escrowKey.PublicKey(),
		Destination: destAddr,
		Amount:      bal.Amount,
		Currency:    w.Currency,
		Purpose:     txbuilder.PurposeWithdrawal,
	}, escrowKey, s.feePayer)
	if err != nil {
		return nil, fmt.Errorf("settlement: withdrawing wallet %s: %w", walletID, err)
	}

	w.Status = splits.WalletCompleted
	w.LastSignature = res.Signature.String()
	if err := s.updater.ApplySettlement(ctx, w); err != nil {
		return nil, err
	}

	// Escrow is drained; a failed key delete is dead weight, not a leak.
	_ = s.keys.Delete(ctx, walletID)

	return &Result{
		Signature:        res.Signature.String(),
		Amount:           res.Amount,
		FallbackVerified: res.FallbackVerified,
	}, nil
}

// Spin freezes funding and draws the loser for a degen wallet. Every
// stake must be locked first. Re-invoking after the draw returns the
// recorded loser without drawing again.
func (s *Service) Spin(ctx context.Context, walletID, requesterID string) (string, error) {
	unlock := s.walletLock(walletID)
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return "", err
	}
	if w.Mode.Kind != splits.ModeDegen {
		return "", fmt.Errorf("%w: the draw is a degen-split operation", ErrWrongMode)
	}
	if _, ok := w.Participant(requesterID); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotParticipant, requesterID)
	}
	if w.Status == splits.WalletSpinning && w.LoserID != "" {
		return w.LoserID, nil
	}
	if w.Status != splits.WalletActive {
		return "", fmt.Errorf("%w: wallet %s is %s", ErrAlreadySettled, walletID, w.Status)
	}
	for _, p := range w.Participants {
		if p.Status != splits.ParticipantLocked {
			return "", fmt.Errorf("%w: %s is %s", ErrStakesNotLocked, p.UserID, p.Status)
		}
	}

	idx, err := drawIndex(len(w.Participants))
	if err != nil {
		return "", fmt.Errorf("settlement: drawing loser: %w", err)
	}
	w.LoserID = w.Participants[idx].UserID
	w.Status = splits.WalletSpinning
	if err := s.updater.ApplySettlement(ctx, w); err != nil {
		return "", err
	}
	s.logger.Info("loser drawn", "wallet_id", walletID, "loser_id", w.LoserID)
	return w.LoserID, nil
}

// DegenWinnerPayout pays the full pooled amount to one non-loser
// participant's in-app address. The amount is the sum of every locked
// contribution; caller-supplied totals are never trusted for sizing.
// At most one participant can ever win.
func (s *Service) DegenWinnerPayout(ctx context.Context, walletID, winnerID string) (*Result, error) {
	unlock := s.walletLock(walletID)
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Mode.Kind != splits.ModeDegen {
		return nil, fmt.Errorf("%w: winner payout is a degen-split operation", ErrWrongMode)
	}
	if w.LoserID == "" {
		return nil, ErrNoLoserDrawn
	}
	if winnerID == w.LoserID {
		return nil, fmt.Errorf("%w: the recorded loser must use the refund path", ErrPermissionDenied)
	}
	winner, ok := w.Participant(winnerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, winnerID)
	}
	if w.Status == splits.WalletClosed {
		return nil, fmt.Errorf("%w: wallet %s is closed", ErrAlreadySettled, walletID)
	}
	for _, p := range w.Participants {
		if p.Status == splits.ParticipantPaid {
			return nil, fmt.Errorf("%w: %s already holds a terminal payout", ErrAlreadySettled, p.UserID)
		}
	}

	amount := w.TotalPaid()
	if amount == 0 {
		return nil, fmt.Errorf("%w: nothing pooled", ErrInsufficientBalance)
	}

	escrowKey, err := s.keys.Retrieve(ctx, walletID, winnerID)
	if err != nil {
		if errors.Is(err, custody.ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}

	// The pooled total must be covered by the live balance before any
	// payout decision.
	bal, err := s.oracle.Balance(ctx, escrowKey.PublicKey(), w.Currency)
	if err != nil {
		return nil, fmt.Errorf("settlement: reading escrow balance: %w", err)
	}
	if bal.Amount < amount {
		return nil, fmt.Errorf("%w: pooled %d exceeds on-chain %d", ErrInsufficientBalance, amount, bal.Amount)
	}

	destAddr, err := parseAddress(winner.Address)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.Execute(ctx, txbuilder.Intent{
		Source:      escrowKey.PublicKey(),
		Destination: destAddr,
		Amount:      amount,
		Currency:    w.Currency,
		Purpose:     txbuilder.PurposeWithdrawal,
	}, escrowKey, s.feePayer)
	if err != nil {
		return nil, fmt.Errorf("settlement: winner payout for wallet %s: %w", walletID, err)
	}

	now := time.Now()
	for i := range w.Participants {
		p := &w.Participants[i]
		if p.UserID == winnerID {
			p.Status = splits.ParticipantPaid
			p.LastSignature = res.Signature.String()
			p.PaidAt = &now
			continue
		}
		// Everyone else stays (or returns to) locked.
		p.Status = splits.ParticipantLocked
	}
	w.WinnerID = winnerID
	w.LastSignature = res.Signature.String()

	if after, err := s.oracle.Balance(ctx, escrowKey.PublicKey(), w.Currency); err == nil && after.Amount == 0 {
		w.Status = splits.WalletClosed
	}
	if err := s.updater.ApplySettlement(ctx, w); err != nil {
		return nil, err
	}
	if w.Status == splits.WalletClosed {
		_ = s.keys.Delete(ctx, walletID)
	}

	return &Result{
		Signature:        res.Signature.String(),
		Amount:           amount,
		FallbackVerified: res.FallbackVerified,
	}, nil
}

// DegenLoserRefund returns the loser's own locked contribution to an
// external destination. The winner claims in-app; the loser must
// withdraw externally. That asymmetry is product policy and is
// enforced here.
func (s *Service) DegenLoserRefund(ctx context.Context, walletID, requesterID, externalAddr string) (*Result, error) {
	unlock := s.walletLock(walletID)
	defer unlock()

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Mode.Kind != splits.ModeDegen {
		return nil, fmt.Errorf("%w: loser refund is a degen-split operation", ErrWrongMode)
	}
	if w.LoserID == "" {
		return nil, ErrNoLoserDrawn
	}
	if requesterID != w.LoserID {
		return nil, fmt.Errorf("%w: only the recorded loser may refund", ErrPermissionDenied)
	}
	loser, ok := w.Participant(requesterID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, requesterID)
	}
	if loser.Status == splits.ParticipantPaid {
		return nil, fmt.Errorf("%w: loser already refunded", ErrAlreadySettled)
	}
	if externalAddr == "" || externalAddr == loser.Address {
		return nil, fmt.Errorf("%w: refund requires an external destination distinct from the in-app address", ErrInvalidInput)
	}
	destAddr, err := parseAddress(externalAddr)
	if err != nil {
		return nil, err
	}

	amount := loser.AmountPaid
	if amount == 0 {
		return nil, fmt.Errorf("%w: no locked contribution to refund", ErrInsufficientBalance)
	}

	escrowKey, err := s.keys.Retrieve(ctx, walletID, requesterID)
	if err != nil {
		if errors.Is(err, custody.ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}
	bal, err := s.oracle.Balance(ctx, escrowKey.PublicKey(), w.Currency)
	if err != nil {
		return nil, fmt.Errorf("settlement: reading escrow balance: %w", err)
	}
	if bal.Amount < amount {
		return nil, fmt.Errorf("%w: refund %d exceeds on-chain %d", ErrInsufficientBalance, amount, bal.Amount)
	}

	res, err := s.exec.Execute(ctx, txbuilder.Intent{
		Source:      escrowKey.PublicKey(),
		Destination: destAddr,
		Amount:      amount,
		Currency:    w.Currency,
		Purpose:     txbuilder.PurposeWithdrawal,
	}, escrowKey, s.feePayer)
	if err != nil {
		return nil, fmt.Errorf("settlement: loser refund for wallet %s: %w", walletID, err)
	}

	now := time.Now()
	for i := range w.Participants {
		p := &w.Participants[i]
		if p.UserID == requesterID {
			p.Status = splits.ParticipantPaid
			p.ExternalAddr = externalAddr
			p.LastSignature = res.Signature.String()
			p.PaidAt = &now
		}
	}
	w.LastSignature = res.Signature.String()

	if after, err := s.oracle.Balance(ctx, escrowKey.PublicKey(), w.Currency); err == nil && after.Amount == 0 && w.AllTerminal() {
		w.Status = splits.WalletClosed
	}
	if err := s.updater.ApplySettlement(ctx, w); err != nil {
		return nil, err
	}
	if w.Status == splits.WalletClosed {
		_ = s.keys.Delete(ctx, walletID)
	}

	return &Result{
		Signature:        res.Signature.String(),
		Amount:           amount,
		FallbackVerified: res.FallbackVerified,
	}, nil
}

func replaceParticipant(list []splits.Participant, updated splits.Participant) []splits.Participant {
	out := make([]splits.Participant, len(list))
	copy(out, list)
	for i := range out {
		if out[i].UserID == updated.UserID {
			out[i] = updated
		}
	}
	return out
}

func parseAddress(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: bad address %q", ErrInvalidInput, s)
	}
	return pk, nil
}

// drawIndex picks a uniform random index with crypto/rand.
func drawIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
