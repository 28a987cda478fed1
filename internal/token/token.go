// Package token provides shared amount parsing, formatting, and fee math
// for the currencies an escrow wallet can hold.
//
// Amounts are carried as uint64 in the token's smallest unit
// (1 USDC = 1,000,000 units; 1 SOL = 1,000,000,000 lamports), matching
// what the chain RPC expects.
package token

import (
	"fmt"
	"math"
	"strings"
)

// Currency identifies the token an escrow wallet is denominated in.
type Currency string

const (
	USDC Currency = "USDC"
	SOL  Currency = "SOL"
)

// Decimals returns the decimal precision of the currency.
func (c Currency) Decimals() int {
	switch c {
	case SOL:
		return 9
	default:
		return 6
	}
}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == USDC || c == SOL
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// representation for the currency. Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the currency's precision
func Parse(s string, c Currency) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	decimals := c.Decimals()
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return 0, true
	}
	if len(combined) > 20 { // beyond uint64 range
		return 0, false
	}

	var result uint64
	for _, r := range combined {
		if r < '0' || r > '9' {
			return 0, false
		}
		d := uint64(r - '0')
		if result > (math.MaxUint64-d)/10 {
			return 0, false
		}
		result = result*10 + d
	}
	return result, true
}

// Format converts a smallest-unit amount to a human-readable decimal
// string with the currency's full precision (e.g. "1.500000" for USDC).
func Format(amount uint64, c Currency) string {
	decimals := c.Decimals()
	s := fmt.Sprintf("%d", amount)
	for len(s) < decimals+1 {
		s = "0" + s
	}
	split := len(s) - decimals
	return s[:split] + "." + s[split:]
}

// Fee returns the company fee for a funding transfer of net amount,
// rounded down to the smallest unit. bps is the fee in basis points.
func Fee(amount uint64, bps uint64) uint64 {
	if bps == 0 || amount == 0 {
		return 0
	}
	// amount*bps can overflow uint64 for very large amounts; split the
	// multiplication to stay exact.
	hi := amount / 10_000
	lo := amount % 10_000
	return hi*bps + lo*bps/10_000
}

// Gross returns the total a sender pays for a funding transfer that must
// net the recipient amount: amount + Fee(amount, bps).
func Gross(amount uint64, bps uint64) uint64 {
	return amount + Fee(amount, bps)
}
