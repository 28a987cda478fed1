// Package reconciliation compares escrow wallet records against on-chain
// balances.
//
// A store update that fails after funds moved leaves the recorded
// participant totals behind the chain. The periodic sweep surfaces that
// drift so an operator can repair it before a withdrawal decision trusts
// the wrong number.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/splitpool/internal/chain"
	"github.com/mbd888/splitpool/internal/splits"
	"github.com/mbd888/splitpool/internal/token"
)

// WalletLister lists open wallets from the persistent store.
type WalletLister interface {
	ListWalletsByStatus(ctx context.Context, status splits.WalletStatus) ([]*splits.Wallet, error)
}

// BalanceReader reads authoritative on-chain balances.
type BalanceReader interface {
	Balance(ctx context.Context, owner solana.PublicKey, currency token.Currency) (chain.Balance, error)
}

// Drift is one wallet whose recorded total disagrees with the chain.
type Drift struct {
	WalletID string `json:"walletId"`
	Address  string `json:"address"`
	Recorded uint64 `json:"recorded"`
	OnChain  uint64 `json:"onChain"`
}

// Result summarizes one reconciliation run.
type Result struct {
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts,omitempty"`
}

// Service sweeps open wallets and flags balance drift.
type Service struct {
	store     WalletLister
	oracle    BalanceReader
	threshold uint64 // smallest units of tolerated drift
	logger    *slog.Logger
}

// NewService creates a reconciliation service with zero drift tolerance.
func NewService(store WalletLister, oracle BalanceReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, oracle: oracle, logger: logger}
}

// SetThreshold sets the drift, in smallest units, tolerated before a
// wallet is flagged. Balance-diff fallback can leave a wallet slightly
// ahead of its records when a concurrent credit lands in the same window.
func (s *Service) SetThreshold(units uint64) {
	s.threshold = units
}

// Run checks every active and spinning wallet once.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{}
	for _, status := range []splits.WalletStatus{splits.WalletActive, splits.WalletSpinning} {
		wallets, err := s.store.ListWalletsByStatus(ctx, status)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("reconciliation: listing %s wallets: %w", status, err)
		}
		for _, w := range wallets {
			res.Checked++
			drift, err := s.checkWallet(ctx, w)
			if err != nil {
				reconcileErrors.Inc()
				s.logger.Warn("reconciliation check failed",
					"wallet_id", w.ID, "error", err)
				continue
			}
			if drift != nil {
				res.Drifts = append(res.Drifts, *drift)
				s.logger.Warn("escrow balance drift",
					"wallet_id", drift.WalletID,
					"recorded", drift.Recorded,
					"on_chain", drift.OnChain,
				)
			}
		}
	}

	reconcileWalletsChecked.Set(float64(res.Checked))
	reconcileDriftedWallets.Set(float64(len(res.Drifts)))
	return res, nil
}

func (s *Service) checkWallet(ctx context.Context, w *splits.Wallet) (*Drift, error) {
	addr, err := solana.PublicKeyFromBase58(w.Address)
	if err != nil {
		return nil, fmt.Errorf("bad escrow address %q: %w", w.Address, err)
	}
	bal, err := s.oracle.Balance(ctx, addr, w.Currency)
	if err != nil {
		return nil, err
	}

	recorded := w.TotalPaid()
	var diff uint64
	if bal.Amount > recorded {
		diff = bal.Amount - recorded
	} else {
		diff = recorded - bal.Amount
	}
	if diff <= s.threshold {
		return nil, nil
	}
	return &Drift{
		WalletID: w.ID,
		Address:  w.Address,
		Recorded: recorded,
		OnChain:  bal.Amount,
	}, nil
}
