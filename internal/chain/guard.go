package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mbd888/splitpool/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when the RPC circuit is open and calls are
// being shed.
var ErrCircuitOpen = errors.New("chain: rpc circuit open")

// GuardedClient wraps a Client with a per-method circuit breaker.
// A flapping RPC endpoint trips the breaker instead of stalling every
// settlement operation behind slow timeouts.
type GuardedClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

var _ Client = (*GuardedClient)(nil)

// Guard wraps client with the given breaker.
func Guard(client Client, breaker *circuitbreaker.Breaker) *GuardedClient {
	return &GuardedClient{inner: client, breaker: breaker}
}

// record classifies the call outcome. rpc.ErrNotFound is a valid answer
// from a healthy endpoint, not a failure.
func (g *GuardedClient) record(op string, err error) {
	if err == nil || errors.Is(err, rpc.ErrNotFound) {
		g.breaker.RecordSuccess(op)
		return
	}
	g.breaker.RecordFailure(op)
}

func (g *GuardedClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	const op = "GetLatestBlockhash"
	if !g.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	res, err := g.inner.GetLatestBlockhash(ctx, commitment)
	g.record(op, err)
	return res, err
}

func (g *GuardedClient) IsBlockhashValid(ctx context.Context, blockhash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error) {
	const op = "IsBlockhashValid"
	if !g.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	res, err := g.inner.IsBlockhashValid(ctx, blockhash, commitment)
	g.record(op, err)
	return res, err
}

func (g *GuardedClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	const op = "GetSignatureStatuses"
	if !g.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	res, err := g.inner.GetSignatureStatuses(ctx, searchTransactionHistory, transactionSignatures...)
	g.record(op, err)
	return res, err
}

func (g *GuardedClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	const op = "GetTokenAccountBalance"
	if !g.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	res, err := g.inner.GetTokenAccountBalance(ctx, account, commitment)
	g.record(op, err)
	return res, err
}

func (g *GuardedClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	const op = "GetBalance"
	if !g.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	res, err := g.inner.GetBalance(ctx, account, commitment)
	g.record(op, err)
	return res, err
}

func (g *GuardedClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	const op = "GetAccountInfo"
	if !g.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	res, err := g.inner.GetAccountInfo(ctx, account)
	g.record(op, err)
	return res, err
}

func (g *GuardedClient) SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	const op = "SendTransaction"
	if !g.breaker.Allow(op) {
		return solana.Signature{}, ErrCircuitOpen
	}
	sig, err := g.inner.SendTransactionWithOpts(ctx, transaction, opts)
	g.record(op, err)
	return sig, err
}
