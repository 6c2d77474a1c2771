package kmath

// SharePrice returns the price of one share in PriceScale fixed point.
// An empty vault prices shares at exactly 1.0 so the first depositor
// receives shares 1:1.
func SharePrice(totalAssets, totalSupply int64) int64 {
	if totalSupply == 0 {
		return PriceScale
	}
	return MulDiv(totalAssets, PriceScale, totalSupply, RoundDown)
}

// AssetsForShares converts a share amount to assets at the given price.
func AssetsForShares(shares, price int64) int64 {
	return MulDiv(shares, price, PriceScale, RoundDown)
}

// SharesForAssets converts an asset amount to shares at the given price.
func SharesForAssets(assets, price int64) int64 {
	if price == 0 {
		return 0
	}
	return MulDiv(assets, PriceScale, price, RoundDown)
}

// ManagementFee accrues linearly on total assets over elapsed seconds:
// assets * bps/10000 * elapsed/secondsPerYear.
func ManagementFee(totalAssets, feeBps, elapsedSeconds int64) int64 {
	if totalAssets <= 0 || feeBps <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	annual := MulDiv(totalAssets, feeBps, BpsDenominator, RoundDown)
	return MulDiv(annual, elapsedSeconds, SecondsPerYear, RoundDown)
}

// HurdleReturn is the minimum return over the elapsed performance period
// below which no performance fee is charged:
// lastTotalAssets * hurdleBps/10000 * elapsed/secondsPerYear.
func HurdleReturn(lastTotalAssets, hurdleBps, elapsedSeconds int64) int64 {
	if lastTotalAssets <= 0 || hurdleBps <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	annual := MulDiv(lastTotalAssets, hurdleBps, BpsDenominator, RoundDown)
	return MulDiv(annual, elapsedSeconds, SecondsPerYear, RoundDown)
}

// ExcessYield converts the share-price gain above the watermark into asset
// units. Returns 0 when the current price is at or below the watermark, so
// raw asset inflows (new deposits) never look like yield.
func ExcessYield(currentPrice, watermark, totalSupply int64) int64 {
	if currentPrice <= watermark || totalSupply <= 0 {
		return 0
	}
	return MulDiv(currentPrice-watermark, totalSupply, PriceScale, RoundDown)
}

// PerformanceFee computes the fee on yield above both the watermark and
// the prorated hurdle. With a hard hurdle only the excess over the hurdle
// is charged; with a soft hurdle the full above-watermark yield is charged
// once the hurdle is cleared.
func PerformanceFee(excessYield, hurdleReturn, feeBps int64, hardHurdle bool) int64 {
	if excessYield <= 0 || feeBps <= 0 {
		return 0
	}

	base := excessYield
	if hardHurdle {
		base = excessYield - hurdleReturn
		if base <= 0 {
			return 0
		}
	} else if excessYield <= hurdleReturn {
		return 0
	}

	return MulDiv(base, feeBps, BpsDenominator, RoundDown)
}
