package chain

import (
	"context"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// FakeClient is an in-memory Client for tests. Zero value is not usable;
// create with NewFakeClient.
type FakeClient struct {
	mu sync.Mutex

	// Blockhash returned by GetLatestBlockhash. Refreshed to a new value
	// on every call when RotateBlockhash is set.
	Blockhash       solana.Hash
	BlockhashValid  bool
	RotateBlockhash bool

	// Balances keyed by account. Token accounts and system accounts
	// share the map; the fake does not distinguish.
	TokenBalances map[solana.PublicKey]uint64
	SolBalances   map[solana.PublicKey]uint64

	// Accounts absent from this set report rpc.ErrNotFound.
	ExistingAccounts map[solana.PublicKey]bool

	// Statuses is consumed one element per GetSignatureStatuses call.
	// A nil element reports "no status yet".
	Statuses []*rpc.SignatureStatusesResult

	// SendErr, when set, fails SendTransactionWithOpts.
	SendErr error
	// OnSend, when set, is invoked with each submitted transaction so a
	// test can mutate fake balances the way the chain would.
	OnSend func(tx *solana.Transaction)

	Sent    []*solana.Transaction
	NextSig solana.Signature

	blockhashCounter byte
}

// NewFakeClient returns a fake with a valid blockhash and empty state.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Blockhash:        solana.Hash{1},
		BlockhashValid:   true,
		TokenBalances:    make(map[solana.PublicKey]uint64),
		SolBalances:      make(map[solana.PublicKey]uint64),
		ExistingAccounts: make(map[solana.PublicKey]bool),
		NextSig:          solana.Signature{9, 9, 9},
	}
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RotateBlockhash {
		f.blockhashCounter++
		f.Blockhash = solana.Hash{1, f.blockhashCounter}
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            f.Blockhash,
			LastValidBlockHeight: 1000,
		},
	}, nil
}

func (f *FakeClient) IsBlockhashValid(ctx context.Context, blockhash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &rpc.IsValidBlockhashResult{Value: f.BlockhashValid}, nil
}

func (f *FakeClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var status *rpc.SignatureStatusesResult
	if len(f.Statuses) > 0 {
		status = f.Statuses[0]
		f.Statuses = f.Statuses[1:]
	}
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{status},
	}, nil
}

func (f *FakeClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ExistingAccounts[account] {
		return nil, rpc.ErrNotFound
	}
	amount := f.TokenBalances[account]
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{
			Amount:   strconv.FormatUint(amount, 10),
			Decimals: 6,
		},
	}, nil
}

func (f *FakeClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &rpc.GetBalanceResult{Value: f.SolBalances[account]}, nil
}

func (f *FakeClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ExistingAccounts[account] {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
}

func (f *FakeClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return solana.Signature{}, err
	}
	f.Sent = append(f.Sent, tx)
	onSend := f.OnSend
	sig := f.NextSig
	f.mu.Unlock()

	if onSend != nil {
		onSend(tx)
	}
	return sig, nil
}

// SetTokenBalance sets the fake balance of a token account and marks it
// as existing.
func (f *FakeClient) SetTokenBalance(account solana.PublicKey, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenBalances[account] = amount
	f.ExistingAccounts[account] = true
}

