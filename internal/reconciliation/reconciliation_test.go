package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpool/internal/chain"
	"github.com/mbd888/splitpool/internal/splits"
	"github.com/mbd888/splitpool/internal/token"
)

type fakeLister struct {
	wallets map[splits.WalletStatus][]*splits.Wallet
	err     error
}

func (f *fakeLister) ListWalletsByStatus(_ context.Context, status splits.WalletStatus) ([]*splits.Wallet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.wallets[status], nil
}

type fakeOracle struct {
	balances map[solana.PublicKey]uint64
	err      error
}

func (f *fakeOracle) Balance(_ context.Context, owner solana.PublicKey, _ token.Currency) (chain.Balance, error) {
	if f.err != nil {
		return chain.Balance{}, f.err
	}
	return chain.Balance{Amount: f.balances[owner], Initialized: true}, nil
}

func testWallet(id string, status splits.WalletStatus, paid ...uint64) (*splits.Wallet, solana.PublicKey) {
	addr := solana.NewWallet().PublicKey()
	w := &splits.Wallet{
		ID:       id,
		Address:  addr.String(),
		Currency: token.USDC,
		Status:   status,
		Mode:     splits.FairMode("creator"),
	}
	for i, amt := range paid {
		w.Participants = append(w.Participants, splits.Participant{
			UserID:     "user_" + string(rune('a'+i)),
			AmountPaid: amt,
			Status:     splits.ParticipantPaid,
		})
	}
	return w, addr
}

func TestRunNoDrift(t *testing.T) {
	w, addr := testWallet("sw_1", splits.WalletActive, 10_000_000, 5_000_000)
	svc := NewService(
		&fakeLister{wallets: map[splits.WalletStatus][]*splits.Wallet{splits.WalletActive: {w}}},
		&fakeOracle{balances: map[solana.PublicKey]uint64{addr: 15_000_000}},
		nil,
	)

	res, err := svc.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Empty(t, res.Drifts)
}

func TestRunFlagsDrift(t *testing.T) {
	active, activeAddr := testWallet("sw_behind", splits.WalletActive, 10_000_000)
	spinning, spinningAddr := testWallet("sw_ok", splits.WalletSpinning, 5_000_000)
	svc := NewService(
		&fakeLister{wallets: map[splits.WalletStatus][]*splits.Wallet{
			splits.WalletActive:   {active},
			splits.WalletSpinning: {spinning},
		}},
		&fakeOracle{balances: map[solana.PublicKey]uint64{
			activeAddr:   4_000_000, // chain behind records
			spinningAddr: 5_000_000,
		}},
		nil,
	)

	res, err := svc.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	require.Len(t, res.Drifts, 1)
	assert.Equal(t, "sw_behind", res.Drifts[0].WalletID)
	assert.Equal(t, uint64(10_000_000), res.Drifts[0].Recorded)
	assert.Equal(t, uint64(4_000_000), res.Drifts[0].OnChain)
}

func TestRunThresholdTolerates(t *testing.T) {
	w, addr := testWallet("sw_close", splits.WalletActive, 10_000_000)
	oracle := &fakeOracle{balances: map[solana.PublicKey]uint64{addr: 10_000_500}}
	svc := NewService(
		&fakeLister{wallets: map[splits.WalletStatus][]*splits.Wallet{splits.WalletActive: {w}}},
		oracle,
		nil,
	)

	res, err := svc.Run(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Drifts, 1)

	svc.SetThreshold(1_000)
	res, err = svc.Run(t.Context())
	require.NoError(t, err)
	assert.Empty(t, res.Drifts)
}

func TestRunSkipsUnreadableWallets(t *testing.T) {
	bad, _ := testWallet("sw_bad", splits.WalletActive, 1_000_000)
	svc := NewService(
		&fakeLister{wallets: map[splits.WalletStatus][]*splits.Wallet{splits.WalletActive: {bad}}},
		&fakeOracle{err: errors.New("rpc timeout")},
		nil,
	)

	res, err := svc.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Empty(t, res.Drifts)
}

func TestRunStoreErrorAborts(t *testing.T) {
	svc := NewService(&fakeLister{err: errors.New("db down")}, &fakeOracle{}, nil)

	_, err := svc.Run(t.Context())
	require.Error(t, err)
}

func TestTimerStartStop(t *testing.T) {
	svc := NewService(
		&fakeLister{wallets: map[splits.WalletStatus][]*splits.Wallet{}},
		&fakeOracle{},
		nil,
	)
	timer := NewTimer(svc, 10*time.Millisecond, nil)

	assert.False(t, timer.Running())
	timer.Start(t.Context())
	assert.True(t, timer.Running())

	time.Sleep(35 * time.Millisecond)
	timer.Stop()
	assert.False(t, timer.Running())
}
