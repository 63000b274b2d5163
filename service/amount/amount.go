// Package amount converts raw on-chain token quantities into display values.
package amount

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeDecimals is returned when the decimals count is below zero.
	ErrNegativeDecimals = errors.New("decimals must be non-negative")

	// ErrNegativeAmount is returned for amounts below zero. On-chain quantities are unsigned.
	ErrNegativeAmount = errors.New("amount must be non-negative")

	// ErrNilAmount is returned when no amount is supplied.
	ErrNilAmount = errors.New("amount is nil")
)

// ToFloat returns amount / 10^decimals as a float64.
//
// The integer quotient and the fractional remainder are converted separately, so the
// integer part stays exact for amounts far larger than float64's 2^53 integer range.
func ToFloat(amount *big.Int, decimals int) (float64, error) {
	if err := check(amount, decimals); err != nil {
		return 0, err
	}
	if amount.Sign() == 0 {
		return 0, nil
	}

	base := pow10(decimals)
	quo, rem := new(big.Int).QuoRem(amount, base, new(big.Int))

	whole, _ := new(big.Float).SetInt(quo).Float64()
	frac := decimal.NewFromBigInt(rem, -int32(decimals)).InexactFloat64()

	return whole + frac, nil
}

// ToDecimal returns the exact value of amount / 10^decimals.
func ToDecimal(amount *big.Int, decimals int) (decimal.Decimal, error) {
	if err := check(amount, decimals); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)), nil
}

// FromUint64 wraps an unsigned on-chain quantity.
func FromUint64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func check(amount *big.Int, decimals int) error {
	if decimals < 0 {
		return ErrNegativeDecimals
	}
	if amount == nil {
		return ErrNilAmount
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
