package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"KamSettle/internal/token"
)

var (
	ErrReceiverNotFound = errors.New("batch receiver not found")
	ErrNotReceiverOwner = errors.New("caller does not own receiver")
)

// BatchReceiver is an isolated payout destination scoped to one batch.
// Settled funds for that batch's redeemers sit at the receiver's account
// in the token ledger, segregated from every other batch.
type BatchReceiver struct {
	ID      string
	BatchID BatchID
	VaultID string
	Asset   string
}

// Account is the receiver's holder id in the token ledger.
func (r *BatchReceiver) Account() string {
	return "receiver:" + r.ID
}

// ReceiverFactory produces batch receivers the way the source system
// deploys minimal proxies: one lightweight, independently-addressed
// payout record per batch, created at settlement time.
type ReceiverFactory struct {
	mu        sync.Mutex
	tokens    *token.Ledger
	receivers map[BatchID]*BatchReceiver
}

func NewReceiverFactory(tokens *token.Ledger) *ReceiverFactory {
	return &ReceiverFactory{
		tokens:    tokens,
		receivers: make(map[BatchID]*BatchReceiver),
	}
}

// Create returns the receiver for a batch, deploying one if none exists.
// Idempotent: a second call returns the original.
func (f *ReceiverFactory) Create(vaultID, asset string, batchID BatchID) *BatchReceiver {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.receivers[batchID]; ok {
		return r
	}
	r := &BatchReceiver{
		ID:      uuid.New().String(),
		BatchID: batchID,
		VaultID: vaultID,
		Asset:   asset,
	}
	f.receivers[batchID] = r
	return r
}

func (f *ReceiverFactory) Get(batchID BatchID) (*BatchReceiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.receivers[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrReceiverNotFound)
	}
	return r, nil
}

// Pay moves settled assets from the receiver to a claimant.
func (f *ReceiverFactory) Pay(batchID BatchID, to string, amount int64) error {
	r, err := f.Get(batchID)
	if err != nil {
		return err
	}
	return f.tokens.Transfer(r.Asset, r.Account(), to, amount)
}

// Rescue sweeps the receiver's remaining balance back to the owning
// vault. Only the owning vault may trigger it.
func (f *ReceiverFactory) Rescue(caller string, batchID BatchID) (int64, error) {
	r, err := f.Get(batchID)
	if err != nil {
		return 0, err
	}
	if caller != r.VaultID {
		return 0, fmt.Errorf("rescue by %s: %w", caller, ErrNotReceiverOwner)
	}

	remaining := f.tokens.Balance(r.Asset, r.Account())
	if remaining == 0 {
		return 0, nil
	}
	if err := f.tokens.Transfer(r.Asset, r.Account(), r.VaultID, remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

// Restore re-registers a receiver row during startup.
func (f *ReceiverFactory) Restore(r BatchReceiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := r
	f.receivers[r.BatchID] = &copied
}
