package fees

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"KamSettle/internal/kmath"
)

var (
	ErrBpsOutOfRange      = errors.New("basis points exceed 10000")
	ErrCheckpointBackdate = errors.New("fee checkpoint before last charge")
	ErrCheckpointFuture   = errors.New("fee checkpoint in the future")
)

// Accrued is the fee breakdown returned by ComputeAccruedFees.
type Accrued struct {
	ManagementFees  int64
	PerformanceFees int64
	TotalFees       int64
}

// Engine computes share prices and accrued fees for one vault. It is
// consulted on demand by the settlement path; nothing here runs in the
// background. All prices use kmath.PriceScale fixed point.
type Engine struct {
	mu sync.RWMutex

	managementFeeBps  int64
	performanceFeeBps int64
	hurdleRateBps     int64
	isHardHurdleRate  bool

	// sharePriceWatermark is the highest net share price ever recorded;
	// performance fees accrue only on gains above it.
	sharePriceWatermark int64

	lastFeesChargedManagement  int64
	lastFeesChargedPerformance int64
	lastTotalAssets            int64

	nowFn func() time.Time
}

func NewEngine(initTs time.Time) *Engine {
	ts := initTs.Unix()
	return &Engine{
		sharePriceWatermark:        kmath.PriceScale,
		lastFeesChargedManagement:  ts,
		lastFeesChargedPerformance: ts,
		nowFn:                      time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowFn = now
}

// SharePrice is the gross price: total assets including yield not yet
// charged as fees, divided by supply.
func (e *Engine) SharePrice(totalGrossAssets, totalSupply int64) int64 {
	return kmath.SharePrice(totalGrossAssets, totalSupply)
}

// NetSharePrice deducts currently accrued fees from assets before pricing.
func (e *Engine) NetSharePrice(totalGrossAssets, totalSupply int64) int64 {
	accrued := e.ComputeAccruedFees(totalGrossAssets, totalSupply)
	net := totalGrossAssets - accrued.TotalFees
	if net < 0 {
		net = 0
	}
	return kmath.SharePrice(net, totalSupply)
}

// ComputeAccruedFees returns management, performance and total fees
// accrued since the last charge checkpoints.
//
// Management fees accrue linearly over the window from the last charge
// to now, so consecutive settlements bill disjoint windows.
//
// Performance fees charge only genuine yield: zero whenever the current
// share price is at or below the watermark, and only above the prorated
// hurdle return.
func (e *Engine) ComputeAccruedFees(totalGrossAssets, totalSupply int64) Accrued {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.nowFn().Unix()

	mgmtElapsed := now - e.lastFeesChargedManagement
	mgmt := kmath.ManagementFee(totalGrossAssets, e.managementFeeBps, mgmtElapsed)

	currentPrice := kmath.SharePrice(totalGrossAssets, totalSupply)
	perfElapsed := now - e.lastFeesChargedPerformance
	excess := kmath.ExcessYield(currentPrice, e.sharePriceWatermark, totalSupply)
	hurdle := kmath.HurdleReturn(e.lastTotalAssets, e.hurdleRateBps, perfElapsed)
	perf := kmath.PerformanceFee(excess, hurdle, e.performanceFeeBps, e.isHardHurdleRate)

	return Accrued{
		ManagementFees:  mgmt,
		PerformanceFees: perf,
		TotalFees:       mgmt + perf,
	}
}

// UpdateGlobalWatermark ratchets the watermark up to the current net
// price. Called after settlement, the only point where price can rise.
func (e *Engine) UpdateGlobalWatermark(currentSharePrice int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if currentSharePrice > e.sharePriceWatermark {
		e.sharePriceWatermark = currentSharePrice
	}
}

func (e *Engine) Watermark() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sharePriceWatermark
}

// NotifyManagementFeesCharged records that management fees through ts
// have been assessed. The checkpoint is the exact charge time: the fees
// just billed covered everything up to ts, so the next accrual window
// starts there and no interval is ever billed twice.
func (e *Engine) NotifyManagementFeesCharged(ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := ts.Unix()
	if err := e.validateCheckpoint(t, e.lastFeesChargedManagement); err != nil {
		return fmt.Errorf("management fees: %w", err)
	}
	e.lastFeesChargedManagement = t
	return nil
}

// NotifyPerformanceFeesCharged records that performance fees through ts
// have been assessed and snapshots the asset base for the next hurdle
// proration.
func (e *Engine) NotifyPerformanceFeesCharged(ts time.Time, totalAssets int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := ts.Unix()
	if err := e.validateCheckpoint(t, e.lastFeesChargedPerformance); err != nil {
		return fmt.Errorf("performance fees: %w", err)
	}
	e.lastFeesChargedPerformance = t
	e.lastTotalAssets = totalAssets
	return nil
}

func (e *Engine) validateCheckpoint(t, last int64) error {
	if t < last {
		return fmt.Errorf("%d < %d: %w", t, last, ErrCheckpointBackdate)
	}
	if t > e.nowFn().Unix() {
		return ErrCheckpointFuture
	}
	return nil
}

func (e *Engine) SetManagementFee(bps int64) error {
	if err := validateBps(bps); err != nil {
		return fmt.Errorf("management fee: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managementFeeBps = bps
	return nil
}

func (e *Engine) SetPerformanceFee(bps int64) error {
	if err := validateBps(bps); err != nil {
		return fmt.Errorf("performance fee: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.performanceFeeBps = bps
	return nil
}

func (e *Engine) SetHurdleRate(bps int64) error {
	if err := validateBps(bps); err != nil {
		return fmt.Errorf("hurdle rate: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hurdleRateBps = bps
	return nil
}

func (e *Engine) SetHardHurdleRate(hard bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isHardHurdleRate = hard
}

// Fees returns the configured rates (bps) for reporting.
func (e *Engine) Fees() (management, performance, hurdle int64, hard bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.managementFeeBps, e.performanceFeeBps, e.hurdleRateBps, e.isHardHurdleRate
}

func validateBps(bps int64) error {
	if bps < 0 || bps > kmath.MaxBps {
		return fmt.Errorf("%d: %w", bps, ErrBpsOutOfRange)
	}
	return nil
}

// RestoreState reloads persisted fee state at startup.
func (e *Engine) RestoreState(watermark, lastMgmt, lastPerf, lastTotalAssets int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if watermark > 0 {
		e.sharePriceWatermark = watermark
	}
	if lastMgmt > 0 {
		e.lastFeesChargedManagement = lastMgmt
	}
	if lastPerf > 0 {
		e.lastFeesChargedPerformance = lastPerf
	}
	e.lastTotalAssets = lastTotalAssets
}
