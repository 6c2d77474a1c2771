package kmath_test

import (
	"testing"

	"KamSettle/internal/kmath"
)

func TestSharePrice_EmptyVault(t *testing.T) {
	if got := kmath.SharePrice(12345, 0); got != kmath.PriceScale {
		t.Errorf("empty vault should price at 1.0: got %d, want %d", got, kmath.PriceScale)
	}
}

func TestSharePrice_WithYield(t *testing.T) {
	// 110_000 assets over 100_000 shares = 1.10 per share.
	got := kmath.SharePrice(110_000, 100_000)
	if got != 1_100_000 {
		t.Errorf("got %d, want 1_100_000", got)
	}
}

func TestAssetsForShares_RoundsDown(t *testing.T) {
	// 3 shares at price 1.333333 = 3.999999 assets, floors to 3.
	got := kmath.AssetsForShares(3, 1_333_333)
	if got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestSharesForAssets_Inverse(t *testing.T) {
	price := int64(1_250_000) // 1.25
	shares := kmath.SharesForAssets(1000, price)
	if shares != 800 {
		t.Errorf("got %d shares, want 800", shares)
	}
	back := kmath.AssetsForShares(shares, price)
	if back != 1000 {
		t.Errorf("round trip: got %d, want 1000", back)
	}
}

func TestSharesForAssets_ZeroPrice(t *testing.T) {
	if got := kmath.SharesForAssets(1000, 0); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestManagementFee_OneMonthAtOnePercent(t *testing.T) {
	// 1% annual on 100_000 over 30 days: 1000 * 2_592_000/31_557_600 = 82.
	got := kmath.ManagementFee(100_000, 100, 30*24*3600)
	if got != 82 {
		t.Errorf("got %d, want 82", got)
	}
}

func TestManagementFee_ZeroInputs(t *testing.T) {
	if got := kmath.ManagementFee(0, 100, 1000); got != 0 {
		t.Errorf("zero assets: got %d, want 0", got)
	}
	if got := kmath.ManagementFee(100_000, 0, 1000); got != 0 {
		t.Errorf("zero bps: got %d, want 0", got)
	}
	if got := kmath.ManagementFee(100_000, 100, 0); got != 0 {
		t.Errorf("zero elapsed: got %d, want 0", got)
	}
}

func TestExcessYield_BelowWatermark(t *testing.T) {
	if got := kmath.ExcessYield(900_000, kmath.PriceScale, 100_000); got != 0 {
		t.Errorf("price below watermark must yield 0, got %d", got)
	}
}

func TestExcessYield_AboveWatermark(t *testing.T) {
	// Price 1.10 over watermark 1.00 on 100_000 shares = 10_000 assets.
	got := kmath.ExcessYield(1_100_000, kmath.PriceScale, 100_000)
	if got != 10_000 {
		t.Errorf("got %d, want 10_000", got)
	}
}

func TestPerformanceFee_SoftHurdle(t *testing.T) {
	// Excess 10_000, hurdle 4_000, 20% fee. Soft hurdle charges the
	// full excess once cleared.
	got := kmath.PerformanceFee(10_000, 4_000, 2_000, false)
	if got != 2_000 {
		t.Errorf("got %d, want 2_000", got)
	}
}

func TestPerformanceFee_SoftHurdleNotCleared(t *testing.T) {
	if got := kmath.PerformanceFee(3_000, 4_000, 2_000, false); got != 0 {
		t.Errorf("below hurdle must charge 0, got %d", got)
	}
}

func TestPerformanceFee_HardHurdle(t *testing.T) {
	// Hard hurdle charges only the excess over the hurdle: 6_000 * 20%.
	got := kmath.PerformanceFee(10_000, 4_000, 2_000, true)
	if got != 1_200 {
		t.Errorf("got %d, want 1_200", got)
	}
}

func TestPerformanceFee_ZeroBps(t *testing.T) {
	if got := kmath.PerformanceFee(10_000, 0, 0, false); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestHurdleReturn_Prorates(t *testing.T) {
	// 5% annual on 100_000 over half a year.
	got := kmath.HurdleReturn(100_000, 500, kmath.SecondsPerYear/2)
	if got != 2_500 {
		t.Errorf("got %d, want 2_500", got)
	}
}
