package kmath

import (
	"math/big"
	"sync"
)

const (
	// PriceScale is the fixed-point scale for share prices:
	// price = assets_per_share * PriceScale.
	PriceScale int64 = 1_000_000

	// BpsDenominator is the basis-point denominator. Fee and hurdle rates
	// are expressed in [0, MaxBps].
	BpsDenominator int64 = 10_000
	MaxBps         int64 = 10_000

	// SecondsPerYear uses the Julian year (365.25 days) so annualized
	// rates prorate consistently across leap years.
	SecondsPerYear  int64 = 31_557_600
	SecondsPerMonth int64 = SecondsPerYear / 12
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Intermediate products of two int64 amounts need 128 bits.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulInt128 performs a * b using a big.Int to prevent overflow.
func MulInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivInt128 performs numerator / denominator with the given rounding.
func DivInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()

	if mode == RoundHalfEven {
		half := big.NewInt(denominator / 2)
		remainder.Abs(remainder)
		cmp := remainder.Cmp(half)
		neg := numerator.Sign() < 0

		if cmp > 0 {
			if neg {
				result--
			} else {
				result++
			}
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				if neg {
					result--
				} else {
					result++
				}
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denom without intermediate overflow.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	num := MulInt128(a, b)
	result := DivInt128(num, denom, mode)
	putInt128(num)
	return result
}
