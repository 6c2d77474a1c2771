package kmath_test

import (
	"testing"

	"KamSettle/internal/kmath"
)

func TestMulDiv_NoIntermediateOverflow(t *testing.T) {
	// 5e18 * 2 would overflow int64 as an intermediate product.
	a := int64(5_000_000_000_000_000_000)
	got := kmath.MulDiv(a, 2, 4, kmath.RoundDown)
	want := int64(2_500_000_000_000_000_000)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestMulDiv_RoundDown(t *testing.T) {
	if got := kmath.MulDiv(7, 1, 2, kmath.RoundDown); got != 3 {
		t.Errorf("7/2 round down: got %d, want 3", got)
	}
}

func TestMulDiv_RoundHalfEven(t *testing.T) {
	cases := []struct {
		a, b, denom int64
		want        int64
	}{
		{5, 1, 2, 2},  // 2.5 rounds to even 2
		{7, 1, 2, 4},  // 3.5 rounds to even 4
		{6, 1, 4, 2},  // 1.5 rounds to even 2
		{11, 1, 4, 3}, // 2.75 rounds up to 3
		{9, 1, 4, 2},  // 2.25 rounds down to 2
	}
	for _, c := range cases {
		if got := kmath.MulDiv(c.a, c.b, c.denom, kmath.RoundHalfEven); got != c.want {
			t.Errorf("MulDiv(%d, %d, %d): got %d, want %d", c.a, c.b, c.denom, got, c.want)
		}
	}
}

func TestMulDiv_Negative(t *testing.T) {
	if got := kmath.MulDiv(-5, 1, 2, kmath.RoundHalfEven); got != -2 {
		t.Errorf("-2.5 half-even: got %d, want -2", got)
	}
}
