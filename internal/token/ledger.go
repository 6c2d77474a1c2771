package token

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrZeroAmount          = errors.New("amount must be positive")
)

// HolderKey identifies a balance cell: who holds how much of which token.
// Tokens are symbols ("USDC", "kUSDC", or a vault's share symbol); holders
// are account ids (user addresses, vault ids, receiver ids).
type HolderKey struct {
	Holder string
	Token  string
}

// Ledger is the in-memory token balance book backing asset custody,
// kToken escrow, and share accounting. It is bookkeeping only; the
// settlement layer decides when balances move.
type Ledger struct {
	mu       sync.RWMutex
	balances map[HolderKey]int64
	supply   map[string]int64
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[HolderKey]int64),
		supply:   make(map[string]int64),
	}
}

func (l *Ledger) Mint(token, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint %s: %w", token, ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[HolderKey{to, token}] += amount
	l.supply[token] += amount
	return nil
}

func (l *Ledger) Burn(token, from string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("burn %s: %w", token, ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := HolderKey{from, token}
	if l.balances[key] < amount {
		return fmt.Errorf("burn %d %s from %s (have %d): %w",
			amount, token, from, l.balances[key], ErrInsufficientBalance)
	}
	l.balances[key] -= amount
	l.supply[token] -= amount
	return nil
}

func (l *Ledger) Transfer(token, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer %s: %w", token, ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fromKey := HolderKey{from, token}
	if l.balances[fromKey] < amount {
		return fmt.Errorf("transfer %d %s from %s (have %d): %w",
			amount, token, from, l.balances[fromKey], ErrInsufficientBalance)
	}
	l.balances[fromKey] -= amount
	l.balances[HolderKey{to, token}] += amount
	return nil
}

func (l *Ledger) Balance(token, holder string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[HolderKey{holder, token}]
}

func (l *Ledger) TotalSupply(token string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[token]
}

// Snapshot returns a copy of all balances for persistence.
func (l *Ledger) Snapshot() map[HolderKey]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := make(map[HolderKey]int64, len(l.balances))
	for k, v := range l.balances {
		snap[k] = v
	}
	return snap
}

// Restore sets a balance cell directly (startup state load only).
func (l *Ledger) Restore(token, holder string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := HolderKey{holder, token}
	l.supply[token] += amount - l.balances[key]
	l.balances[key] = amount
}
