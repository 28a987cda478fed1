package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_Permanent(t *testing.T) {
	sentinel := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	transient := errors.New("still down")
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		return transient
	})
	if !errors.Is(err, transient) {
		t.Errorf("expected last error, got %v", err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3, 50*time.Millisecond, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPoll_Done(t *testing.T) {
	calls := 0
	p := Profile{MaxAttempts: 5, Delay: time.Millisecond}
	err := p.Poll(context.Background(), func() (bool, error) {
		calls++
		return calls == 2, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestPoll_Exhausted(t *testing.T) {
	p := Profile{MaxAttempts: 3, Delay: time.Millisecond}
	err := p.Poll(context.Background(), func() (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestPoll_TerminalError(t *testing.T) {
	boom := errors.New("on-chain failure")
	calls := 0
	p := Profile{MaxAttempts: 5, Delay: time.Millisecond}
	err := p.Poll(context.Background(), func() (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected terminal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("terminal error must stop polling, got %d calls", calls)
	}
}

func TestConfirmProfile_TierBudgets(t *testing.T) {
	dev := ConfirmProfile(TierDevnet)
	main := ConfirmProfile(TierMainnet)
	devBudget := time.Duration(dev.MaxAttempts) * dev.Delay
	mainBudget := time.Duration(main.MaxAttempts) * main.Delay
	if mainBudget <= devBudget {
		t.Errorf("mainnet budget (%v) must exceed devnet budget (%v)", mainBudget, devBudget)
	}
}
