package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	tokenprog "github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mbd888/splitpool/internal/chain"
	"github.com/mbd888/splitpool/internal/retry"
	"github.com/mbd888/splitpool/internal/token"
)

// maxBlockhashRebuilds bounds how many times a transaction is rebuilt
// with a fresh blockhash before giving up.
const maxBlockhashRebuilds = 3

// Submitter executes transaction intents against the chain.
type Submitter struct {
	client  chain.Client
	oracle  *chain.Oracle
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	confirm retry.Profile

	mu         sync.Mutex
	cachedHash solana.Hash
	cachedAt   time.Time
}

// Option configures the submitter.
type Option func(*Submitter)

// WithClock sets a custom clock (useful for testing blockhash staleness).
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) { s.now = now }
}

// WithConfirmProfile overrides the confirmation polling profile.
func WithConfirmProfile(p retry.Profile) Option {
	return func(s *Submitter) { s.confirm = p }
}

// NewSubmitter creates a transaction submitter.
func NewSubmitter(client chain.Client, oracle *chain.Oracle, cfg Config, logger *slog.Logger, opts ...Option) *Submitter {
	if cfg.BlockhashMaxAge <= 0 {
		cfg.BlockhashMaxAge = DefaultBlockhashMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Submitter{
		client:  client,
		oracle:  oracle,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		confirm: retry.ConfirmProfile(cfg.Tier),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute validates, builds, signs, submits, and confirms an intent.
// The returned signature is authoritative even when confirmation was
// established via balance-diff fallback; the engine never resubmits on
// its own.
func (s *Submitter) Execute(ctx context.Context, intent Intent, signer solana.PrivateKey, feePayer solana.PrivateKey) (*Result, error) {
	if err := intent.validate(); err != nil {
		return nil, err
	}
	if !signer.PublicKey().Equals(intent.Source) {
		return nil, fmt.Errorf("%w: signer does not control the source address", ErrInvalidIntent)
	}

	var fee uint64
	if intent.Purpose == PurposeFunding && s.cfg.FeeBps > 0 && !s.cfg.FeeAddress.IsZero() {
		fee = token.Fee(intent.Amount, s.cfg.FeeBps)
	}

	instrs, err := s.buildInstructions(ctx, intent, fee, feePayer.PublicKey())
	if err != nil {
		return nil, err
	}

	// Snapshot the destination before submitting so an inconclusive
	// confirmation can be resolved by observing the balance delta.
	// Best effort: a failed snapshot just disables the fallback.
	destBefore, snapshotOK := s.snapshot(ctx, intent.Destination, intent.Currency)

	sig, err := s.signAndSend(ctx, instrs, signer, feePayer)
	if err != nil {
		return nil, err
	}

	res := &Result{Signature: sig, Amount: intent.Amount, Fee: fee}

	err = s.awaitConfirmation(ctx, sig)
	switch {
	case err == nil:
		return res, nil

	case errors.Is(err, retry.ErrExhausted):
		// Ambiguous outcome is an inherent property of asynchronous
		// settlement, not a bug. Try to prove the transfer landed.
		if snapshotOK && s.verifyByBalanceDiff(ctx, intent, destBefore) {
			s.logger.Info("confirmation inconclusive, verified by balance diff",
				"signature", sig.String(),
				"destination", intent.Destination.String(),
			)
			res.FallbackVerified = true
			return res, nil
		}
		return nil, &TxError{Op: "confirm", Signature: sig.String(), Err: ErrStillProcessing}

	default:
		return nil, err
	}
}

// buildInstructions assembles the instruction set for an intent. The
// set is built once; blockhash rebuilds reuse it unchanged.
func (s *Submitter) buildInstructions(ctx context.Context, intent Intent, fee uint64, feePayer solana.PublicKey) ([]solana.Instruction, error) {
	prof := profileFor(s.cfg.Tier)
	instrs := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(prof.unitLimit).Build(),
	}
	if prof.priceMicroLam > 0 {
		instrs = append(instrs, computebudget.NewSetComputeUnitPriceInstruction(prof.priceMicroLam).Build())
	}

	if intent.Currency == token.SOL {
		if fee > 0 {
			instrs = append(instrs,
				system.NewTransferInstruction(fee, intent.Source, s.cfg.FeeAddress).Build())
		}
		instrs = append(instrs,
			system.NewTransferInstruction(intent.Amount, intent.Source, intent.Destination).Build())
		return instrs, nil
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(intent.Source, s.cfg.Mint)
	if err != nil {
		return nil, &TxError{Op: "derive_source_account", Err: err}
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(intent.Destination, s.cfg.Mint)
	if err != nil {
		return nil, &TxError{Op: "derive_dest_account", Err: err}
	}

	// Missing destination token accounts are created in the same
	// transaction, paid for by the fee payer, not the recipient.
	exists, err := s.accountExists(ctx, destATA)
	if err != nil {
		return nil, &TxError{Op: "check_dest_account", Err: err}
	}
	if !exists {
		instrs = append(instrs,
			associatedtokenaccount.NewCreateInstruction(feePayer, intent.Destination, s.cfg.Mint).Build())
	}

	if fee > 0 {
		feeATA, _, err := solana.FindAssociatedTokenAddress(s.cfg.FeeAddress, s.cfg.Mint)
		if err != nil {
			return nil, &TxError{Op: "derive_fee_account", Err: err}
		}
		feeExists, err := s.accountExists(ctx, feeATA)
		if err != nil {
			return nil, &TxError{Op: "check_fee_account", Err: err}
		}
		if !feeExists {
			instrs = append(instrs,
				associatedtokenaccount.NewCreateInstruction(feePayer, s.cfg.FeeAddress, s.cfg.Mint).Build())
		}
		instrs = append(instrs,
			tokenprog.NewTransferInstruction(fee, sourceATA, feeATA, intent.Source, nil).Build())
	}

	instrs = append(instrs,
		tokenprog.NewTransferInstruction(intent.Amount, sourceATA, destATA, intent.Source, nil).Build())
	return instrs, nil
}

func (s *Submitter) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := s.client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// recentBlockhash returns a blockhash trusted to still be accepted:
// cached while fresh and valid on chain, refetched otherwise.
func (s *Submitter) recentBlockhash(ctx context.Context) (solana.Hash, error) {
	s.mu.Lock()
	hash, at := s.cachedHash, s.cachedAt
	s.mu.Unlock()

	if !hash.IsZero() && s.now().Sub(at) <= s.cfg.BlockhashMaxAge {
		valid, err := s.client.IsBlockhashValid(ctx, hash, rpc.CommitmentConfirmed)
		if err == nil && valid.Value {
			return hash, nil
		}
	}

	out, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, &TxError{Op: "blockhash", Err: err}
	}
	fresh := out.Value.Blockhash

	s.mu.Lock()
	s.cachedHash = fresh
	s.cachedAt = s.now()
	s.mu.Unlock()
	return fresh, nil
}

func (s *Submitter) invalidateBlockhash() {
	s.mu.Lock()
	s.cachedHash = solana.Hash{}
	s.mu.Unlock()
}

// signAndSend signs and submits, rebuilding with a fresh blockhash when
// the network rejects the current one.
func (s *Submitter) signAndSend(ctx context.Context, instrs []solana.Instruction, signer, feePayer solana.PrivateKey) (solana.Signature, error) {
	signerPub := signer.PublicKey()
	feePayerPub := feePayer.PublicKey()

	var lastErr error
	for attempt := 0; attempt < maxBlockhashRebuilds; attempt++ {
		hash, err := s.recentBlockhash(ctx)
		if err != nil {
			return solana.Signature{}, err
		}

		tx, err := solana.NewTransaction(instrs, hash, solana.TransactionPayer(feePayerPub))
		if err != nil {
			return solana.Signature{}, &TxError{Op: "build", Err: err}
		}

		_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			switch {
			case key.Equals(signerPub):
				return &signer
			case key.Equals(feePayerPub):
				return &feePayer
			}
			return nil
		})
		if err != nil {
			return solana.Signature{}, &TxError{Op: "sign", Err: err}
		}

		sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			if isBlockhashNotFound(err) {
				s.invalidateBlockhash()
				lastErr = err
				continue
			}
			return solana.Signature{}, &TxError{Op: "send", Err: fmt.Errorf("%w: %v", ErrSubmissionFailed, err)}
		}
		return sig, nil
	}

	return solana.Signature{}, &TxError{Op: "send", Err: fmt.Errorf("%w: %v", ErrBlockhashExpired, lastErr)}
}

func isBlockhashNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "BlockhashNotFound") || strings.Contains(msg, "Blockhash not found")
}

// awaitConfirmation polls signature status until a terminal state or
// the profile's attempts are exhausted. Transient RPC errors keep the
// poll alive; an explicit on-chain error ends it.
func (s *Submitter) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	return s.confirm.Poll(ctx, func() (bool, error) {
		out, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return false, nil
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return false, nil
		}
		st := out.Value[0]
		if st.Err != nil {
			return false, &TxError{Op: "confirm", Signature: sig.String(),
				Err: fmt.Errorf("%w: %v", ErrTransactionFailed, st.Err)}
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return true, nil
		}
		return false, nil
	})
}

func (s *Submitter) snapshot(ctx context.Context, owner solana.PublicKey, currency token.Currency) (chain.Balance, bool) {
	bal, err := s.oracle.Balance(ctx, owner, currency)
	if err != nil {
		s.logger.Warn("pre-submit balance snapshot failed, fallback verification disabled",
			"address", owner.String(), "error", err)
		return chain.Balance{}, false
	}
	return bal, true
}

// verifyByBalanceDiff re-reads the destination and checks the expected
// credit landed. Concurrent credits can overshoot, so the expected
// delta is a floor.
func (s *Submitter) verifyByBalanceDiff(ctx context.Context, intent Intent, before chain.Balance) bool {
	after, err := s.oracle.Balance(ctx, intent.Destination, intent.Currency)
	if err != nil {
		return false
	}
	return after.Amount >= before.Amount+intent.Amount
}
