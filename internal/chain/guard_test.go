package chain

import (
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mbd888/splitpool/internal/circuitbreaker"
)

func TestGuardPassesThroughHealthyCalls(t *testing.T) {
	fake := NewFakeClient()
	g := Guard(fake, circuitbreaker.New(3, time.Minute))

	res, err := g.GetLatestBlockhash(t.Context(), rpc.CommitmentConfirmed)
	if err != nil {
		t.Fatalf("GetLatestBlockhash: %v", err)
	}
	if res.Value.Blockhash.IsZero() {
		t.Error("expected a blockhash")
	}
}

func TestGuardTripsAfterRepeatedSendFailures(t *testing.T) {
	fake := NewFakeClient()
	fake.SendErr = errors.New("connection refused")
	g := Guard(fake, circuitbreaker.New(3, time.Minute))

	tx := &solana.Transaction{}
	for i := 0; i < 3; i++ {
		if _, err := g.SendTransactionWithOpts(t.Context(), tx, rpc.TransactionOpts{}); err == nil {
			t.Fatal("expected send failure")
		}
	}

	_, err := g.SendTransactionWithOpts(t.Context(), tx, rpc.TransactionOpts{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := len(fake.Sent); got != 0 {
		t.Errorf("transactions reached the client while open: %d", got)
	}
}

func TestGuardIsolatesMethods(t *testing.T) {
	fake := NewFakeClient()
	fake.SendErr = errors.New("connection refused")
	g := Guard(fake, circuitbreaker.New(1, time.Minute))

	tx := &solana.Transaction{}
	_, _ = g.SendTransactionWithOpts(t.Context(), tx, rpc.TransactionOpts{})

	// Sends are shed, reads still flow.
	if _, err := g.SendTransactionWithOpts(t.Context(), tx, rpc.TransactionOpts{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("send err = %v, want ErrCircuitOpen", err)
	}
	if _, err := g.GetLatestBlockhash(t.Context(), rpc.CommitmentConfirmed); err != nil {
		t.Fatalf("reads should not trip with sends: %v", err)
	}
}

func TestGuardTreatsNotFoundAsHealthy(t *testing.T) {
	fake := NewFakeClient()
	g := Guard(fake, circuitbreaker.New(1, time.Minute))

	missing := solana.NewWallet().PublicKey()
	for i := 0; i < 5; i++ {
		if _, err := g.GetAccountInfo(t.Context(), missing); !errors.Is(err, rpc.ErrNotFound) {
			t.Fatalf("err = %v, want rpc.ErrNotFound", err)
		}
	}
}
