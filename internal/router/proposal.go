package router

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"KamSettle/internal/vault"
)

const (
	// DefaultSettlementCooldown is the timelock between proposing a
	// settlement and being allowed to execute it.
	DefaultSettlementCooldown = time.Hour
	// MaxSettlementCooldown bounds how long an admin can stretch the
	// timelock; anything longer would let a hostile admin freeze funds.
	MaxSettlementCooldown = 24 * time.Hour
)

var (
	ErrProposalNotFound   = errors.New("settlement proposal not found")
	ErrProposalExists     = errors.New("live settlement proposal already exists for batch")
	ErrProposalExecuted   = errors.New("settlement proposal already executed")
	ErrProposalCancelled  = errors.New("settlement proposal cancelled")
	ErrCooldownActive     = errors.New("settlement cooldown has not elapsed")
	ErrCooldownOutOfRange = errors.New("cooldown must be in (0, 24h]")
)

// SettlementProposal is one relayer's claim of a vault's total assets for
// a closed batch, held behind the cooldown so a guardian can inspect and
// cancel it before any balance moves.
type SettlementProposal struct {
	ID           string
	VaultID      string
	BatchID      vault.BatchID
	Asset        string
	TotalAssets  int64
	NettedAmount int64 // deposited - requested at proposal time, for review
	Yield        int64 // gains (or magnitude of losses) since the last settlement
	Profit       bool  // direction of Yield
	ProposedAt   time.Time
	ExecuteAfter time.Time
	LastUpdated  time.Time
	Executed     bool
	Cancelled    bool
}

func deriveProposalID(vaultID string, batchID vault.BatchID, nonce uint64) string {
	h := sha256.New()
	h.Write([]byte(vaultID))
	h.Write([]byte(batchID))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ProposalManager tracks settlement proposals and the cooldown policy.
// At most one live (neither executed nor cancelled) proposal exists per
// (vault, batch); cancelling frees the slot for a replacement.
type ProposalManager struct {
	mu sync.RWMutex

	cooldown time.Duration
	// resetCooldownOnUpdate restarts the timelock when a proposal's
	// total assets are corrected. Off by default: an update is a
	// refinement of an already-public proposal, not a new one.
	resetCooldownOnUpdate bool

	nonce     uint64
	proposals map[string]*SettlementProposal
	live      map[balanceKey]string // (vault, batch) -> proposal id

	nowFn func() time.Time
}

func NewProposalManager(resetCooldownOnUpdate bool) *ProposalManager {
	return &ProposalManager{
		cooldown:              DefaultSettlementCooldown,
		resetCooldownOnUpdate: resetCooldownOnUpdate,
		proposals:             make(map[string]*SettlementProposal),
		live:                  make(map[balanceKey]string),
		nowFn:                 time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (pm *ProposalManager) SetClock(now func() time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.nowFn = now
}

// SetCooldown replaces the timelock duration. Zero and anything above
// the 24h bound are rejected.
func (pm *ProposalManager) SetCooldown(d time.Duration) error {
	if d <= 0 || d > MaxSettlementCooldown {
		return fmt.Errorf("cooldown %s: %w", d, ErrCooldownOutOfRange)
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cooldown = d
	return nil
}

func (pm *ProposalManager) Cooldown() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.cooldown
}

// Propose registers a new settlement proposal for a closed batch and
// starts its cooldown. Fails if a live proposal already covers the batch.
func (pm *ProposalManager) Propose(vaultID string, batchID vault.BatchID, asset string, totalAssets, nettedAmount, yield int64, profit bool) (SettlementProposal, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	key := balanceKey{vaultID, batchID}
	if id, ok := pm.live[key]; ok {
		return SettlementProposal{}, fmt.Errorf("batch %s has proposal %s: %w", batchID, id, ErrProposalExists)
	}

	pm.nonce++
	now := pm.nowFn()
	p := &SettlementProposal{
		ID:           deriveProposalID(vaultID, batchID, pm.nonce),
		VaultID:      vaultID,
		BatchID:      batchID,
		Asset:        asset,
		TotalAssets:  totalAssets,
		NettedAmount: nettedAmount,
		Yield:        yield,
		Profit:       profit,
		ProposedAt:   now,
		ExecuteAfter: now.Add(pm.cooldown),
		LastUpdated:  now,
	}
	pm.proposals[p.ID] = p
	pm.live[key] = p.ID
	return *p, nil
}

// Update corrects the proposed figures before execution. The timelock
// restarts only when the manager was configured to reset it.
func (pm *ProposalManager) Update(proposalID string, totalAssets, nettedAmount, yield int64, profit bool) (SettlementProposal, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, err := pm.liveLocked(proposalID)
	if err != nil {
		return SettlementProposal{}, err
	}

	now := pm.nowFn()
	p.TotalAssets = totalAssets
	p.NettedAmount = nettedAmount
	p.Yield = yield
	p.Profit = profit
	p.LastUpdated = now
	if pm.resetCooldownOnUpdate {
		p.ExecuteAfter = now.Add(pm.cooldown)
	}
	return *p, nil
}

// Cancel voids a live proposal and frees its batch slot so a corrected
// proposal can replace it.
func (pm *ProposalManager) Cancel(proposalID string) (SettlementProposal, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, err := pm.liveLocked(proposalID)
	if err != nil {
		return SettlementProposal{}, err
	}

	p.Cancelled = true
	delete(pm.live, balanceKey{p.VaultID, p.BatchID})
	return *p, nil
}

// MarkExecuted finalizes a proposal after the router completed the
// settlement. The caller must have checked CanExecute first.
func (pm *ProposalManager) MarkExecuted(proposalID string) (SettlementProposal, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, err := pm.liveLocked(proposalID)
	if err != nil {
		return SettlementProposal{}, err
	}

	p.Executed = true
	delete(pm.live, balanceKey{p.VaultID, p.BatchID})
	return *p, nil
}

// CanExecute reports whether a proposal is executable now, with the
// specific blocker as the error.
func (pm *ProposalManager) CanExecute(proposalID string) (SettlementProposal, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, ok := pm.proposals[proposalID]
	if !ok {
		return SettlementProposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalNotFound)
	}
	if p.Executed {
		return *p, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalExecuted)
	}
	if p.Cancelled {
		return *p, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalCancelled)
	}
	if now := pm.nowFn(); now.Before(p.ExecuteAfter) {
		return *p, fmt.Errorf("proposal %s executable at %s (now %s): %w",
			proposalID, p.ExecuteAfter.Format(time.RFC3339), now.Format(time.RFC3339), ErrCooldownActive)
	}
	return *p, nil
}

// Get returns any proposal, live or finished.
func (pm *ProposalManager) Get(proposalID string) (SettlementProposal, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, ok := pm.proposals[proposalID]
	if !ok {
		return SettlementProposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalNotFound)
	}
	return *p, nil
}

// LiveForBatch returns the live proposal covering a batch, if any.
func (pm *ProposalManager) LiveForBatch(vaultID string, batchID vault.BatchID) (SettlementProposal, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	id, ok := pm.live[balanceKey{vaultID, batchID}]
	if !ok {
		return SettlementProposal{}, false
	}
	return *pm.proposals[id], true
}

// All returns copies of every proposal (persistence snapshots).
func (pm *ProposalManager) All() []SettlementProposal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]SettlementProposal, 0, len(pm.proposals))
	for _, p := range pm.proposals {
		out = append(out, *p)
	}
	return out
}

// Restore loads a proposal row during startup.
func (pm *ProposalManager) Restore(p SettlementProposal) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	copied := p
	pm.proposals[p.ID] = &copied
	if !p.Executed && !p.Cancelled {
		pm.live[balanceKey{p.VaultID, p.BatchID}] = p.ID
	}
	pm.nonce++
}

func (pm *ProposalManager) liveLocked(proposalID string) (*SettlementProposal, error) {
	p, ok := pm.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalNotFound)
	}
	if p.Executed {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalExecuted)
	}
	if p.Cancelled {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalCancelled)
	}
	return p, nil
}
