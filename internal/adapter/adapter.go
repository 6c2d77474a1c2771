package adapter

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInsufficientAssets = errors.New("adapter holds insufficient assets")
	ErrNotRouter          = errors.New("total assets writable by router only")
)

// Adapter is an opaque yield source. The settlement layer treats it as a
// balance provider: assets go in, assets come out, and the router injects
// the custodian's observed totals before settlement.
type Adapter interface {
	Deposit(asset string, amount int64, onBehalfOf string) error
	Redeem(asset string, amount int64, onBehalfOf string) error
	TotalAssets(vault, asset string) int64
	// SetTotalAssets records the off-chain observed balance for a vault's
	// position. Only the router may call it (caller passes its identity).
	SetTotalAssets(caller, vault, asset string, value int64) error
}

type positionKey struct {
	Vault string
	Asset string
}

// CustodialAdapter is the in-process implementation used for vaults whose
// assets sit with a custodian. Balances here are observations, not custody.
type CustodialAdapter struct {
	mu       sync.RWMutex
	routerID string
	totals   map[positionKey]int64
}

func NewCustodialAdapter(routerID string) *CustodialAdapter {
	return &CustodialAdapter{
		routerID: routerID,
		totals:   make(map[positionKey]int64),
	}
}

func (a *CustodialAdapter) Deposit(asset string, amount int64, onBehalfOf string) error {
	if amount <= 0 {
		return fmt.Errorf("adapter deposit: amount %d must be positive", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals[positionKey{onBehalfOf, asset}] += amount
	return nil
}

func (a *CustodialAdapter) Redeem(asset string, amount int64, onBehalfOf string) error {
	if amount <= 0 {
		return fmt.Errorf("adapter redeem: amount %d must be positive", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := positionKey{onBehalfOf, asset}
	if a.totals[key] < amount {
		return fmt.Errorf("redeem %d %s for %s (have %d): %w",
			amount, asset, onBehalfOf, a.totals[key], ErrInsufficientAssets)
	}
	a.totals[key] -= amount
	return nil
}

func (a *CustodialAdapter) TotalAssets(vault, asset string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totals[positionKey{vault, asset}]
}

func (a *CustodialAdapter) SetTotalAssets(caller, vault, asset string, value int64) error {
	if caller != a.routerID {
		return fmt.Errorf("caller %s: %w", caller, ErrNotRouter)
	}
	if value < 0 {
		return fmt.Errorf("total assets %d must not be negative", value)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals[positionKey{vault, asset}] = value
	return nil
}
