package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mbd888/splitpool/internal/retry"
	"github.com/mbd888/splitpool/internal/token"
)

// Balance is a verified on-chain balance read. Initialized is false when
// the token account does not exist yet, which is the normal state for a
// fresh escrow wallet rather than an error.
type Balance struct {
	Amount      uint64
	Initialized bool
}

// Oracle reads authoritative on-chain balances. Withdrawal sizing must
// always go through the oracle, never through cached participant totals.
type Oracle struct {
	client Client
	mint   solana.PublicKey
}

// NewOracle creates a balance oracle for the given stable-token mint.
func NewOracle(client Client, mint solana.PublicKey) *Oracle {
	return &Oracle{client: client, mint: mint}
}

// Mint returns the stable-token mint the oracle reads.
func (o *Oracle) Mint() solana.PublicKey { return o.mint }

// Balance returns the live balance of address in the given currency at
// confirmed commitment. Balance reads are idempotent and retried on
// transient RPC failures.
func (o *Oracle) Balance(ctx context.Context, address solana.PublicKey, currency token.Currency) (Balance, error) {
	var out Balance
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		out, err = o.read(ctx, address, currency)
		return err
	})
	return out, err
}

func (o *Oracle) read(ctx context.Context, address solana.PublicKey, currency token.Currency) (Balance, error) {
	if currency == token.SOL {
		res, err := o.client.GetBalance(ctx, address, rpc.CommitmentConfirmed)
		if err != nil {
			return Balance{}, fmt.Errorf("get balance: %w", err)
		}
		return Balance{Amount: res.Value, Initialized: true}, nil
	}

	ata, _, err := solana.FindAssociatedTokenAddress(address, o.mint)
	if err != nil {
		return Balance{}, retry.Permanent(fmt.Errorf("derive token account: %w", err))
	}

	// A missing token account means the wallet has never received the
	// token. Report zero, not an error.
	if _, err := o.client.GetAccountInfo(ctx, ata); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return Balance{Amount: 0, Initialized: false}, nil
		}
		return Balance{}, fmt.Errorf("get account info: %w", err)
	}

	res, err := o.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return Balance{}, fmt.Errorf("get token balance: %w", err)
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return Balance{}, retry.Permanent(fmt.Errorf("parse token balance %q: %w", res.Value.Amount, err))
	}
	return Balance{Amount: amount, Initialized: true}, nil
}

// TokenAccount derives the associated token account for address under
// the oracle's mint.
func (o *Oracle) TokenAccount(address solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(address, o.mint)
	return ata, err
}
