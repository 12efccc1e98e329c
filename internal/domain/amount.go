package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount parses a base-10 smallest-unit integer. Negative values are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, raw)
	}
	return value, nil
}

// ParseUnits converts a human-readable amount such as "12.5" into smallest units.
// Precision beyond the token's decimals is rejected rather than rounded.
func ParseUnits(display string, decimals int32) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(display))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, display)
	}
	scaled := value.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, display, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders a smallest-unit amount with the token's decimals, trimming trailing zeros.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// AmountString renders nil as "0".
func AmountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// CloneAmount returns a copy of amount, treating nil as zero.
func CloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}
