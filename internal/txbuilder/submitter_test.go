package txbuilder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mbd888/splitpool/internal/chain"
	"github.com/mbd888/splitpool/internal/retry"
	"github.com/mbd888/splitpool/internal/token"
)

var testUSDCMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

func confirmedStatus() *rpc.SignatureStatusesResult {
	return &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
}

func fastConfirm() retry.Profile {
	return retry.Profile{MaxAttempts: 3, Delay: time.Millisecond}
}

func newTestSubmitter(client chain.Client, cfg Config, opts ...Option) *Submitter {
	oracle := chain.NewOracle(client, cfg.Mint)
	opts = append([]Option{WithConfirmProfile(fastConfirm())}, opts...)
	return NewSubmitter(client, oracle, cfg, nil, opts...)
}

func TestExecute_FundingSplitsFee(t *testing.T) {
	client := chain.NewFakeClient()
	client.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus()}

	feeAddr := solana.NewWallet().PublicKey()
	cfg := Config{Mint: testUSDCMint, FeeAddress: feeAddr, FeeBps: 100, Tier: retry.TierDevnet}
	sub := newTestSubmitter(client, cfg)

	signer := solana.NewWallet().PrivateKey
	feePayer := solana.NewWallet().PrivateKey
	intent := Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      10_000_000,
		Currency:    token.USDC,
		Purpose:     PurposeFunding,
	}

	res, err := sub.Execute(context.Background(), intent, signer, feePayer)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Fee != 100_000 {
		t.Errorf("Fee = %d, want 100000", res.Fee)
	}
	if res.Amount != 10_000_000 {
		t.Errorf("Amount = %d, want 10000000", res.Amount)
	}
	if res.FallbackVerified {
		t.Error("happy path must not report fallback verification")
	}

	// Neither the destination nor the fee token account exists, so the
	// transaction must carry: compute limit, two account creations, the
	// fee transfer, and the main transfer.
	if len(client.Sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(client.Sent))
	}
	if got := len(client.Sent[0].Message.Instructions); got != 5 {
		t.Errorf("instruction count = %d, want 5", got)
	}
}

func TestExecute_WithdrawalCarriesNoFee(t *testing.T) {
	client := chain.NewFakeClient()
	client.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus()}

	cfg := Config{
		Mint:       testUSDCMint,
		FeeAddress: solana.NewWallet().PublicKey(),
		FeeBps:     100,
		Tier:       retry.TierDevnet,
	}
	sub := newTestSubmitter(client, cfg)

	signer := solana.NewWallet().PrivateKey
	feePayer := solana.NewWallet().PrivateKey
	dest := solana.NewWallet().PublicKey()
	destATA, _, _ := solana.FindAssociatedTokenAddress(dest, testUSDCMint)
	client.ExistingAccounts[destATA] = true

	res, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: dest,
		Amount:      30_000_000,
		Currency:    token.USDC,
		Purpose:     PurposeWithdrawal,
	}, signer, feePayer)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Fee != 0 {
		t.Errorf("withdrawal fee = %d, want 0", res.Fee)
	}
	// Compute limit plus a single transfer for the full balance.
	if got := len(client.Sent[0].Message.Instructions); got != 2 {
		t.Errorf("instruction count = %d, want 2", got)
	}
}

func TestExecute_SOLTransfer(t *testing.T) {
	client := chain.NewFakeClient()
	client.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus()}

	cfg := Config{Mint: testUSDCMint, Tier: retry.TierDevnet}
	sub := newTestSubmitter(client, cfg)

	signer := solana.NewWallet().PrivateKey
	res, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      1_500_000_000,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}, signer, signer)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Amount != 1_500_000_000 {
		t.Errorf("Amount = %d", res.Amount)
	}
	if got := len(client.Sent[0].Message.Instructions); got != 2 {
		t.Errorf("instruction count = %d, want 2", got)
	}
}

func TestExecute_MainnetAddsPriorityFee(t *testing.T) {
	client := chain.NewFakeClient()
	client.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus()}

	cfg := Config{Mint: testUSDCMint, Tier: retry.TierMainnet}
	sub := newTestSubmitter(client, cfg)

	signer := solana.NewWallet().PrivateKey
	_, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      1_000_000_000,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}, signer, signer)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Compute limit, compute price, transfer.
	if got := len(client.Sent[0].Message.Instructions); got != 3 {
		t.Errorf("instruction count = %d, want 3", got)
	}
}

// flakySendClient rejects the first N submissions with a blockhash
// error and records every transaction it sees, including rejected ones.
type flakySendClient struct {
	*chain.FakeClient
	rejections int
	seen       []*solana.Transaction
}

func (c *flakySendClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	c.seen = append(c.seen, tx)
	if c.rejections > 0 {
		c.rejections--
		return solana.Signature{}, errors.New("rpc error: BlockhashNotFound")
	}
	return c.FakeClient.SendTransactionWithOpts(ctx, tx, opts)
}

func TestExecute_RebuildsOnExpiredBlockhash(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.RotateBlockhash = true
	fake.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus()}
	client := &flakySendClient{FakeClient: fake, rejections: 1}

	cfg := Config{Mint: testUSDCMint, Tier: retry.TierDevnet}
	sub := newTestSubmitter(client, cfg)

	signer := solana.NewWallet().PrivateKey
	_, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      2_000_000_000,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}, signer, signer)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(client.seen) != 2 {
		t.Fatalf("saw %d submissions, want 2", len(client.seen))
	}
	first, second := client.seen[0], client.seen[1]
	if first.Message.RecentBlockhash == second.Message.RecentBlockhash {
		t.Error("rebuilt transaction reused the rejected blockhash")
	}
	// The rebuild must change only the blockhash, never the transfer.
	if len(first.Message.Instructions) != len(second.Message.Instructions) {
		t.Fatalf("instruction count changed across rebuild: %d vs %d",
			len(first.Message.Instructions), len(second.Message.Instructions))
	}
	for i := range first.Message.Instructions {
		a, b := first.Message.Instructions[i], second.Message.Instructions[i]
		if string(a.Data) != string(b.Data) {
			t.Errorf("instruction %d data changed across rebuild", i)
		}
	}
}

func TestExecute_GivesUpAfterRepeatedBlockhashRejections(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.RotateBlockhash = true
	client := &flakySendClient{FakeClient: fake, rejections: 10}

	sub := newTestSubmitter(client, Config{Mint: testUSDCMint, Tier: retry.TierDevnet})

	signer := solana.NewWallet().PrivateKey
	_, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      1,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}, signer, signer)
	if !errors.Is(err, ErrBlockhashExpired) {
		t.Fatalf("err = %v, want ErrBlockhashExpired", err)
	}
	if len(client.seen) != maxBlockhashRebuilds {
		t.Errorf("saw %d submissions, want %d", len(client.seen), maxBlockhashRebuilds)
	}
}

func TestExecute_BlockhashCacheReusedWhileFresh(t *testing.T) {
	client := chain.NewFakeClient()
	client.RotateBlockhash = true
	client.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus(), confirmedStatus()}

	now := time.Now()
	sub := newTestSubmitter(client, Config{Mint: testUSDCMint, Tier: retry.TierDevnet},
		WithClock(func() time.Time { return now }))

	signer := solana.NewWallet().PrivateKey
	intent := Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      1_000,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}
	if _, err := sub.Execute(context.Background(), intent, signer, signer); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := sub.Execute(context.Background(), intent, signer, signer); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if len(client.Sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(client.Sent))
	}
	if client.Sent[0].Message.RecentBlockhash != client.Sent[1].Message.RecentBlockhash {
		t.Error("fresh cached blockhash was not reused")
	}
}

func TestExecute_BlockhashRefetchedWhenStale(t *testing.T) {
	client := chain.NewFakeClient()
	client.RotateBlockhash = true
	client.BlockhashValid = false
	client.Statuses = []*rpc.SignatureStatusesResult{confirmedStatus(), confirmedStatus()}

	now := time.Now()
	sub := newTestSubmitter(client, Config{Mint: testUSDCMint, Tier: retry.TierDevnet},
		WithClock(func() time.Time { return now }))

	signer := solana.NewWallet().PrivateKey
	intent := Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      1_000,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}
	if _, err := sub.Execute(context.Background(), intent, signer, signer); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := sub.Execute(context.Background(), intent, signer, signer); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if client.Sent[0].Message.RecentBlockhash == client.Sent[1].Message.RecentBlockhash {
		t.Error("stale blockhash was reused")
	}
}

func TestExecute_OnChainFailureSurfaces(t *testing.T) {
	client := chain.NewFakeClient()
	client.Statuses = []*rpc.SignatureStatusesResult{
		{Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
	}

	sub := newTestSubmitter(client, Config{Mint: testUSDCMint, Tier: retry.TierDevnet})

	signer := solana.NewWallet().PrivateKey
	_, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      500,
		Currency:    token.SOL,
		Purpose:     PurposeWithdrawal,
	}, signer, signer)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("err = %v, want ErrTransactionFailed", err)
	}
	var txErr *TxError
	if !errors.As(err, &txErr) || txErr.Signature == "" {
		t.Error("failure must carry the submitted signature")
	}
}

func TestExecute_BalanceDiffFallbackAcceptsLandedTransfer(t *testing.T) {
	client := chain.NewFakeClient()
	// No statuses ever: confirmation polling will exhaust.

	cfg := Config{Mint: testUSDCMint, Tier: retry.TierDevnet}
	sub := newTestSubmitter(client, cfg)

	signer := solana.NewWallet().PrivateKey
	feePayer := solana.NewWallet().PrivateKey
	dest := solana.NewWallet().PublicKey()
	destATA, _, _ := solana.FindAssociatedTokenAddress(dest, testUSDCMint)

	const amount = 5_000_000
	client.OnSend = func(*solana.Transaction) {
		client.SetTokenBalance(destATA, amount)
	}

	res, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: dest,
		Amount:      amount,
		Currency:    token.USDC,
		Purpose:     PurposeFunding,
	}, signer, feePayer)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.FallbackVerified {
		t.Error("expected fallback verification")
	}
	if res.Signature != client.NextSig {
		t.Error("fallback result must keep the original signature")
	}
}

func TestExecute_AmbiguousWithoutBalanceMovement(t *testing.T) {
	client := chain.NewFakeClient()

	sub := newTestSubmitter(client, Config{Mint: testUSDCMint, Tier: retry.TierDevnet})

	signer := solana.NewWallet().PrivateKey
	_, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: solana.NewWallet().PublicKey(),
		Amount:      5_000_000,
		Currency:    token.USDC,
		Purpose:     PurposeFunding,
	}, signer, signer)
	if !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("err = %v, want ErrStillProcessing", err)
	}
}

func TestExecute_RejectsInvalidIntents(t *testing.T) {
	client := chain.NewFakeClient()
	sub := newTestSubmitter(client, Config{Mint: testUSDCMint, Tier: retry.TierDevnet})

	signer := solana.NewWallet().PrivateKey
	dest := solana.NewWallet().PublicKey()

	_, err := sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: dest,
		Amount:      0,
		Currency:    token.USDC,
		Purpose:     PurposeFunding,
	}, signer, signer)
	if !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("zero amount: err = %v, want ErrInvalidIntent", err)
	}

	stranger := solana.NewWallet().PrivateKey
	_, err = sub.Execute(context.Background(), Intent{
		Source:      signer.PublicKey(),
		Destination: dest,
		Amount:      100,
		Currency:    token.USDC,
		Purpose:     PurposeFunding,
	}, stranger, stranger)
	if !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("signer mismatch: err = %v, want ErrInvalidIntent", err)
	}

	if len(client.Sent) != 0 {
		t.Errorf("invalid intents must not reach the chain, sent %d", len(client.Sent))
	}
}
