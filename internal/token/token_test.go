package token

import "testing"

func TestParse_USDC(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 1_000_000, true},
		{"1.5", 1_500_000, true},
		{"1.500000", 1_500_000, true},
		{"0.000001", 1, true},
		{"10.123456789", 10_123_456, true}, // truncated to 6 decimals
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.in, USDC)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Parse(%q, USDC) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParse_SOL(t *testing.T) {
	got, ok := Parse("2.5", SOL)
	if !ok || got != 2_500_000_000 {
		t.Errorf("Parse(2.5, SOL) = (%d, %v), want 2500000000", got, ok)
	}
}

func TestFormat(t *testing.T) {
	if got := Format(1_500_000, USDC); got != "1.500000" {
		t.Errorf("Format USDC = %q", got)
	}
	if got := Format(1, USDC); got != "0.000001" {
		t.Errorf("Format USDC smallest = %q", got)
	}
	if got := Format(2_500_000_000, SOL); got != "2.500000000" {
		t.Errorf("Format SOL = %q", got)
	}
	if got := Format(0, USDC); got != "0.000000" {
		t.Errorf("Format zero = %q", got)
	}
}

func TestFee_RoundTrip(t *testing.T) {
	// Recipient nets A, sender pays A*(1+r) within rounding of the
	// smallest unit.
	amount := uint64(10_000_000) // 10 USDC
	fee := Fee(amount, 100)      // 1%
	if fee != 100_000 {
		t.Errorf("Fee(10 USDC, 1%%) = %d, want 100000", fee)
	}
	if Gross(amount, 100) != amount+fee {
		t.Error("Gross must equal amount + fee")
	}
}

func TestFee_ZeroAndRounding(t *testing.T) {
	if Fee(10_000_000, 0) != 0 {
		t.Error("zero bps must produce zero fee")
	}
	// 1 unit at 1% rounds down to zero
	if Fee(99, 100) != 0 {
		t.Errorf("Fee(99, 100) = %d, want 0", Fee(99, 100))
	}
}

func TestFee_NoOverflow(t *testing.T) {
	// Near max uint64: split multiplication must stay exact.
	amount := uint64(1) << 62
	want := amount / 100 // 1% of amount
	if got := Fee(amount, 100); got != want {
		t.Errorf("Fee(2^62, 100) = %d, want %d", got, want)
	}
}

func TestCurrencyDecimals(t *testing.T) {
	if USDC.Decimals() != 6 || SOL.Decimals() != 9 {
		t.Error("unexpected currency decimals")
	}
	if !USDC.Valid() || Currency("DOGE").Valid() {
		t.Error("currency validity check failed")
	}
}
