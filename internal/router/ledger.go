package router

import (
	"errors"
	"fmt"
	"sync"

	"KamSettle/internal/vault"
)

var (
	ErrVirtualUnderflow = errors.New("virtual balance would go negative")
)

type balanceKey struct {
	VaultID string
	BatchID vault.BatchID
}

// VirtualBalance is the per-(vault, batch) accumulator the router keeps
// between batch open and settlement. Deposited counts assets pushed in,
// Requested counts assets users asked to pull out, RequestedShares counts
// shares queued for redemption. All three are non-negative at all times.
type VirtualBalance struct {
	Deposited       int64
	Requested       int64
	RequestedShares int64
}

// VirtualLedger tracks money owed to and by each vault per batch. It is
// pure accounting: the router calls it under its own settlement ordering,
// and the ledger enforces only the non-negativity invariant.
type VirtualLedger struct {
	mu       sync.RWMutex
	balances map[balanceKey]VirtualBalance
}

func NewVirtualLedger() *VirtualLedger {
	return &VirtualLedger{balances: make(map[balanceKey]VirtualBalance)}
}

// Push accumulates deposited assets for the vault's batch.
func (vl *VirtualLedger) Push(vaultID string, batchID vault.BatchID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("push %d: amount must be positive", amount)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	b.Deposited += amount
	vl.balances[key] = b
	return nil
}

// UnwindPush reverses a previous Push when the originating mint is
// cancelled before the batch closes.
func (vl *VirtualLedger) UnwindPush(vaultID string, batchID vault.BatchID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unwind push %d: amount must be positive", amount)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	if b.Deposited < amount {
		return fmt.Errorf("unwind push %d > deposited %d: %w", amount, b.Deposited, ErrVirtualUnderflow)
	}
	b.Deposited -= amount
	vl.balances[key] = b
	return nil
}

// RequestPull accumulates assets requested out of the vault's batch.
func (vl *VirtualLedger) RequestPull(vaultID string, batchID vault.BatchID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("request pull %d: amount must be positive", amount)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	b.Requested += amount
	vl.balances[key] = b
	return nil
}

// UnwindPull reverses a previous RequestPull on cancellation.
func (vl *VirtualLedger) UnwindPull(vaultID string, batchID vault.BatchID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unwind pull %d: amount must be positive", amount)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	if b.Requested < amount {
		return fmt.Errorf("unwind pull %d > requested %d: %w", amount, b.Requested, ErrVirtualUnderflow)
	}
	b.Requested -= amount
	vl.balances[key] = b
	return nil
}

// RequestSharesPull accumulates shares queued for unstaking.
func (vl *VirtualLedger) RequestSharesPull(vaultID string, batchID vault.BatchID, shares int64) error {
	if shares <= 0 {
		return fmt.Errorf("request shares pull %d: amount must be positive", shares)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	b.RequestedShares += shares
	vl.balances[key] = b
	return nil
}

// UnwindSharesPull reverses a previous RequestSharesPull on cancellation.
func (vl *VirtualLedger) UnwindSharesPull(vaultID string, batchID vault.BatchID, shares int64) error {
	if shares <= 0 {
		return fmt.Errorf("unwind shares pull %d: amount must be positive", shares)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	if b.RequestedShares < shares {
		return fmt.Errorf("unwind shares pull %d > requested %d: %w", shares, b.RequestedShares, ErrVirtualUnderflow)
	}
	b.RequestedShares -= shares
	vl.balances[key] = b
	return nil
}

// Transfer moves a deposited claim from one vault's batch to another's,
// atomically under the ledger lock. The source must have enough
// deposited to cover the move.
func (vl *VirtualLedger) Transfer(sourceVault string, sourceBatch vault.BatchID, targetVault string, targetBatch vault.BatchID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer %d: amount must be positive", amount)
	}
	vl.mu.Lock()
	defer vl.mu.Unlock()

	srcKey := balanceKey{sourceVault, sourceBatch}
	src := vl.balances[srcKey]
	if src.Deposited < amount {
		return fmt.Errorf("transfer %d > deposited %d: %w", amount, src.Deposited, ErrVirtualUnderflow)
	}
	src.Deposited -= amount
	vl.balances[srcKey] = src

	dstKey := balanceKey{targetVault, targetBatch}
	dst := vl.balances[dstKey]
	dst.Deposited += amount
	vl.balances[dstKey] = dst
	return nil
}

// Balance returns the accumulator for one (vault, batch).
func (vl *VirtualLedger) Balance(vaultID string, batchID vault.BatchID) VirtualBalance {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return vl.balances[balanceKey{vaultID, batchID}]
}

// NetDeposited returns deposited minus requested for the batch; negative
// means the batch is a net outflow to be covered by the adapter.
func (vl *VirtualLedger) NetDeposited(vaultID string, batchID vault.BatchID) int64 {
	b := vl.Balance(vaultID, batchID)
	return b.Deposited - b.Requested
}

// Release clears the batch's accumulator once its settlement executed.
// Returns the final balance for the settlement record.
func (vl *VirtualLedger) Release(vaultID string, batchID vault.BatchID) VirtualBalance {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	b := vl.balances[key]
	delete(vl.balances, key)
	return b
}

// Snapshot returns copies of all live accumulators for persistence.
func (vl *VirtualLedger) Snapshot() map[string]map[vault.BatchID]VirtualBalance {
	vl.mu.RLock()
	defer vl.mu.RUnlock()

	out := make(map[string]map[vault.BatchID]VirtualBalance)
	for k, v := range vl.balances {
		if out[k.VaultID] == nil {
			out[k.VaultID] = make(map[vault.BatchID]VirtualBalance)
		}
		out[k.VaultID][k.BatchID] = v
	}
	return out
}

// Restore loads one accumulator row during startup.
func (vl *VirtualLedger) Restore(vaultID string, batchID vault.BatchID, b VirtualBalance) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	vl.balances[balanceKey{vaultID, batchID}] = b
}
