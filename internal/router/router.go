package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"KamSettle/internal/adapter"
	"KamSettle/internal/fees"
	"KamSettle/internal/kmath"
	"KamSettle/internal/observability"
	"KamSettle/internal/registry"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

var (
	ErrPaused          = errors.New("protocol is paused")
	ErrVaultPaused     = errors.New("vault is paused")
	ErrVaultNotManaged = errors.New("vault not managed by router")
	ErrNettedMismatch  = errors.New("proposed netted amount disagrees with the virtual ledger")
	ErrAssetMismatch   = errors.New("vault assets are not interchangeable")
)

// ManagedVault bundles one vault's moving parts under the router. The
// router owns settlement ordering; the parts own their own invariants.
type ManagedVault struct {
	ID         string
	Asset      string
	ShareToken string
	Type       registry.VaultType

	Batches  *vault.BatchManager
	Requests *vault.RequestLedger
	Fees     *fees.Engine
}

// EscrowAccount holds tokens locked behind pending requests. Escrowed
// balances never price into the vault's share supply.
func (mv *ManagedVault) EscrowAccount() string {
	return "escrow:" + mv.ID
}

// Router is the settlement orchestrator. Every batch transition and
// proposal runs through it, serialized under one lock, so price reads,
// fee accrual and balance moves inside a settlement are atomic.
type Router struct {
	mu sync.Mutex

	id        string
	registry  *registry.Registry
	tokens    *token.Ledger
	adapter   adapter.Adapter
	virtual   *VirtualLedger
	proposals *ProposalManager
	receivers *vault.ReceiverFactory

	vaults      map[string]*ManagedVault
	settlements map[balanceKey]*SettlementRecord

	paused      bool
	vaultPaused map[string]bool
	// pauseBlocksClaims extends the pause to post-settlement claims.
	// Off by default: settled funds already sit in isolated receivers.
	pauseBlocksClaims bool

	logger  zerolog.Logger
	metrics *observability.Metrics

	persistCh chan<- Event
	publishCh chan<- Event

	nowFn func() time.Time
}

type Config struct {
	ID                    string
	PauseBlocksClaims     bool
	ResetCooldownOnUpdate bool
}

func New(
	cfg Config,
	reg *registry.Registry,
	tokens *token.Ledger,
	adp adapter.Adapter,
	receivers *vault.ReceiverFactory,
	metrics *observability.Metrics,
	persistCh, publishCh chan<- Event,
) *Router {
	return &Router{
		id:                cfg.ID,
		registry:          reg,
		tokens:            tokens,
		adapter:           adp,
		virtual:           NewVirtualLedger(),
		proposals:         NewProposalManager(cfg.ResetCooldownOnUpdate),
		receivers:         receivers,
		vaults:            make(map[string]*ManagedVault),
		settlements:       make(map[balanceKey]*SettlementRecord),
		vaultPaused:       make(map[string]bool),
		pauseBlocksClaims: cfg.PauseBlocksClaims,
		logger:            observability.NewLogger("router"),
		metrics:           metrics,
		persistCh:         persistCh,
		publishCh:         publishCh,
		nowFn:             time.Now,
	}
}

// SetClock overrides the time source (tests only). It also rewires the
// proposal manager and every registered vault's batch clock.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nowFn = now
	r.proposals.SetClock(now)
	for _, mv := range r.vaults {
		mv.Batches.SetClock(now)
		mv.Fees.SetClock(now)
	}
}

func (r *Router) ID() string { return r.id }

// Virtual exposes the virtual balance ledger to the gateway and the
// staking vault; they record flows, the router settles them.
func (r *Router) Virtual() *VirtualLedger { return r.virtual }

// Proposals exposes read access for the operator API.
func (r *Router) Proposals() *ProposalManager { return r.proposals }

// RegisterVault places a vault under router management.
func (r *Router) RegisterVault(mv *ManagedVault) error {
	if mv.ID == "" || mv.Asset == "" || mv.ShareToken == "" {
		return fmt.Errorf("register vault: id, asset and share token are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vaults[mv.ID] = mv
	return nil
}

func (r *Router) Vault(id string) (*ManagedVault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mv, ok := r.vaults[id]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", id, ErrVaultNotManaged)
	}
	return mv, nil
}

// Vaults returns all managed vaults (persistence snapshots, API listing).
func (r *Router) Vaults() []*ManagedVault {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ManagedVault, 0, len(r.vaults))
	for _, mv := range r.vaults {
		out = append(out, mv)
	}
	return out
}

// CreateNewBatch opens a fresh batch for a vault. Relayer or admin only.
func (r *Router) CreateNewBatch(caller, vaultID string) (vault.Batch, error) {
	if !r.registry.IsRelayer(caller) && !r.registry.IsAdmin(caller) {
		return vault.Batch{}, fmt.Errorf("create batch by %s: %w", caller, registry.ErrNotAuthorized)
	}
	mv, err := r.Vault(vaultID)
	if err != nil {
		return vault.Batch{}, err
	}
	if err := r.Halted(vaultID); err != nil {
		return vault.Batch{}, err
	}

	b, err := mv.Batches.CreateNewBatch()
	if err != nil {
		return vault.Batch{}, err
	}

	r.metrics.BatchesCreated.WithLabelValues(vaultID).Inc()
	r.logger.Info().
		Str("vault", vaultID).
		Str("batch", string(b.ID)).
		Uint64("number", b.Number).
		Msg("batch created")
	r.emit(Event{Type: EventBatchCreated, VaultID: vaultID, Asset: mv.Asset, At: r.nowFn(), Batch: copyBatch(*b)})
	return *b, nil
}

// CloseBatch seals a batch. With createNext the replacement opens in the
// same step so requests always have a current batch to land in.
func (r *Router) CloseBatch(caller, vaultID string, batchID vault.BatchID, createNext bool) (vault.Batch, error) {
	if !r.registry.IsRelayer(caller) && !r.registry.IsAdmin(caller) {
		return vault.Batch{}, fmt.Errorf("close batch by %s: %w", caller, registry.ErrNotAuthorized)
	}
	mv, err := r.Vault(vaultID)
	if err != nil {
		return vault.Batch{}, err
	}
	if err := r.Halted(vaultID); err != nil {
		return vault.Batch{}, err
	}

	next, err := mv.Batches.CloseBatch(batchID, createNext)
	if err != nil {
		return vault.Batch{}, err
	}

	closed, _ := mv.Batches.GetBatch(batchID)
	r.metrics.BatchesClosed.WithLabelValues(vaultID).Inc()
	r.logger.Info().
		Str("vault", vaultID).
		Str("batch", string(batchID)).
		Bool("next_opened", next != nil).
		Msg("batch closed")
	r.emit(Event{Type: EventBatchClosed, VaultID: vaultID, Asset: mv.Asset, At: r.nowFn(), Batch: &closed})
	if next != nil {
		r.metrics.BatchesCreated.WithLabelValues(vaultID).Inc()
		r.emit(Event{Type: EventBatchCreated, VaultID: vaultID, Asset: mv.Asset, At: r.nowFn(), Batch: copyBatch(*next)})
		return *next, nil
	}
	return vault.Batch{}, nil
}

// ProposeSettleBatch opens the settlement timelock for a closed batch
// with the relayer's observed total assets, netted flows and yield. The
// netted amount must agree with the virtual ledger so a bad relayer
// snapshot is rejected up front instead of reviewed for an hour.
func (r *Router) ProposeSettleBatch(caller, vaultID string, batchID vault.BatchID, totalAssets, netted, yield int64, profit bool) (SettlementProposal, error) {
	if !r.registry.IsRelayer(caller) {
		return SettlementProposal{}, fmt.Errorf("propose by %s: %w", caller, registry.ErrNotAuthorized)
	}
	if totalAssets < 0 {
		return SettlementProposal{}, fmt.Errorf("propose: total assets %d must not be negative", totalAssets)
	}
	if yield < 0 {
		return SettlementProposal{}, fmt.Errorf("propose: yield %d must not be negative (losses carry profit=false)", yield)
	}
	mv, err := r.Vault(vaultID)
	if err != nil {
		return SettlementProposal{}, err
	}
	if err := r.Halted(vaultID); err != nil {
		return SettlementProposal{}, err
	}

	b, err := mv.Batches.GetBatch(batchID)
	if err != nil {
		return SettlementProposal{}, err
	}
	if !b.IsClosed {
		return SettlementProposal{}, fmt.Errorf("propose %s: %w", batchID, vault.ErrBatchNotClosed)
	}
	if b.IsSettled {
		return SettlementProposal{}, fmt.Errorf("propose %s: %w", batchID, vault.ErrBatchSettled)
	}

	if ledgerNet := r.virtual.NetDeposited(vaultID, batchID); netted != ledgerNet {
		return SettlementProposal{}, fmt.Errorf("propose %s: netted %d, ledger has %d: %w",
			batchID, netted, ledgerNet, ErrNettedMismatch)
	}
	p, err := r.proposals.Propose(vaultID, batchID, mv.Asset, totalAssets, netted, yield, profit)
	if err != nil {
		return SettlementProposal{}, err
	}

	r.metrics.ProposalsCreated.WithLabelValues(vaultID).Inc()
	r.logger.Info().
		Str("vault", vaultID).
		Str("batch", string(batchID)).
		Str("proposal", p.ID).
		Int64("total_assets", totalAssets).
		Int64("netted", netted).
		Int64("yield", yield).
		Bool("profit", profit).
		Time("execute_after", p.ExecuteAfter).
		Msg("settlement proposed")
	r.emit(Event{Type: EventProposalCreated, VaultID: vaultID, Asset: mv.Asset, At: r.nowFn(), Proposal: &p})
	return p, nil
}

// UpdateProposal corrects the proposed figures. Relayer only.
func (r *Router) UpdateProposal(caller, proposalID string, totalAssets, netted, yield int64, profit bool) (SettlementProposal, error) {
	if !r.registry.IsRelayer(caller) {
		return SettlementProposal{}, fmt.Errorf("update proposal by %s: %w", caller, registry.ErrNotAuthorized)
	}
	if totalAssets < 0 {
		return SettlementProposal{}, fmt.Errorf("update proposal: total assets %d must not be negative", totalAssets)
	}
	if yield < 0 {
		return SettlementProposal{}, fmt.Errorf("update proposal: yield %d must not be negative (losses carry profit=false)", yield)
	}

	cur, err := r.proposals.Get(proposalID)
	if err != nil {
		return SettlementProposal{}, err
	}
	if ledgerNet := r.virtual.NetDeposited(cur.VaultID, cur.BatchID); netted != ledgerNet {
		return SettlementProposal{}, fmt.Errorf("update proposal %s: netted %d, ledger has %d: %w",
			proposalID, netted, ledgerNet, ErrNettedMismatch)
	}

	p, err := r.proposals.Update(proposalID, totalAssets, netted, yield, profit)
	if err != nil {
		return SettlementProposal{}, err
	}

	r.metrics.ProposalsUpdated.WithLabelValues(p.VaultID).Inc()
	r.logger.Info().
		Str("proposal", p.ID).
		Int64("total_assets", totalAssets).
		Int64("netted", netted).
		Int64("yield", yield).
		Bool("profit", profit).
		Msg("settlement proposal updated")
	r.emit(Event{Type: EventProposalUpdated, VaultID: p.VaultID, Asset: p.Asset, At: r.nowFn(), Proposal: &p})
	return p, nil
}

// CancelProposal voids a live proposal. Relayers cancel their own
// mistakes; guardians and emergency admins cancel anyone's.
func (r *Router) CancelProposal(caller, proposalID string) (SettlementProposal, error) {
	if !r.registry.IsRelayer(caller) && !r.registry.IsGuardian(caller) && !r.registry.IsEmergencyAdmin(caller) {
		return SettlementProposal{}, fmt.Errorf("cancel proposal by %s: %w", caller, registry.ErrNotAuthorized)
	}

	p, err := r.proposals.Cancel(proposalID)
	if err != nil {
		return SettlementProposal{}, err
	}

	r.metrics.ProposalsCancelled.WithLabelValues(p.VaultID).Inc()
	r.logger.Warn().
		Str("proposal", p.ID).
		Str("by", caller).
		Msg("settlement proposal cancelled")
	r.emit(Event{Type: EventProposalCancelled, VaultID: p.VaultID, Asset: p.Asset, At: r.nowFn(), Proposal: &p})
	return p, nil
}

// CanExecuteProposal reports executability without side effects.
func (r *Router) CanExecuteProposal(proposalID string) (SettlementProposal, error) {
	p, _ := r.proposals.Get(proposalID)
	if err := r.Halted(p.VaultID); err != nil {
		return p, err
	}
	return r.proposals.CanExecute(proposalID)
}

// ExecuteSettleBatch settles a batch from its matured proposal. Open to
// any caller: the cooldown, not the caller's identity, is the gate. The
// whole sequence runs under the router lock: price the shares, charge
// fees, ratchet the watermark, fund the payout receiver, clear the
// virtual balances and finalize the proposal.
//
// Every fallible step is checked before the first state move, so a
// settlement either completes whole or leaves the batch and proposal
// exactly as they were, retryable once the blocker clears.
func (r *Router) ExecuteSettleBatch(caller, proposalID string) (SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.nowFn()

	p, err := r.proposals.CanExecute(proposalID)
	if err != nil {
		return SettlementRecord{}, err
	}
	if err := r.haltedLocked(p.VaultID); err != nil {
		return SettlementRecord{}, err
	}
	mv, ok := r.vaults[p.VaultID]
	if !ok {
		return SettlementRecord{}, fmt.Errorf("vault %s: %w", p.VaultID, ErrVaultNotManaged)
	}

	b, err := mv.Batches.GetBatch(p.BatchID)
	if err != nil {
		return SettlementRecord{}, err
	}
	if !b.IsClosed {
		return SettlementRecord{}, fmt.Errorf("settle %s: %w", p.BatchID, vault.ErrBatchNotClosed)
	}
	if b.IsSettled {
		return SettlementRecord{}, fmt.Errorf("settle %s: %w", p.BatchID, vault.ErrBatchSettled)
	}

	supply := r.tokens.TotalSupply(mv.ShareToken)
	accrued := mv.Fees.ComputeAccruedFees(p.TotalAssets, supply)
	gross := kmath.SharePrice(p.TotalAssets, supply)
	netAssets := p.TotalAssets - accrued.TotalFees
	if netAssets < 0 {
		netAssets = 0
	}
	net := kmath.SharePrice(netAssets, supply)

	netted := r.virtual.Balance(p.VaultID, p.BatchID)
	var payout int64
	switch mv.Type {
	case registry.VaultTypeStaking:
		payout = kmath.AssetsForShares(netted.RequestedShares, net)
	default:
		// Institutional redemptions are always 1:1 in the underlying.
		payout = netted.Requested
	}

	// Solvency checks for every transfer the settlement will perform.
	// Nothing below this block may fail once the checks pass.
	backing := r.tokens.Balance(mv.Asset, mv.ID)
	if mv.Type == registry.VaultTypeStaking && netted.Deposited > 0 {
		if have := r.tokens.Balance(mv.Asset, mv.EscrowAccount()); have < netted.Deposited {
			return SettlementRecord{}, fmt.Errorf("settle %s: escrow holds %d of %d staked: %w",
				p.BatchID, have, netted.Deposited, token.ErrInsufficientBalance)
		}
		backing += netted.Deposited
	}
	if payout > backing {
		return SettlementRecord{}, fmt.Errorf("settle %s: vault holds %d of %d payout: %w",
			p.BatchID, backing, payout, token.ErrInsufficientBalance)
	}
	if mv.Type == registry.VaultTypeDN && payout > p.TotalAssets {
		return SettlementRecord{}, fmt.Errorf("settle %s: payout %d exceeds custody assets %d: %w",
			p.BatchID, payout, p.TotalAssets, adapter.ErrInsufficientAssets)
	}

	// Fee checkpoints are the last fallible step; they run before any
	// balance moves so a rejected checkpoint cannot strand a half-settled
	// batch.
	now := r.nowFn()
	if err := mv.Fees.NotifyManagementFeesCharged(now); err != nil {
		return SettlementRecord{}, err
	}
	if err := mv.Fees.NotifyPerformanceFeesCharged(now, netAssets); err != nil {
		return SettlementRecord{}, err
	}
	mv.Fees.UpdateGlobalWatermark(net)

	if err := mv.Batches.SettleBatch(p.BatchID); err != nil {
		return SettlementRecord{}, err
	}

	// Staked tokens now back shares: move them out of escrow.
	if mv.Type == registry.VaultTypeStaking && netted.Deposited > 0 {
		if err := r.tokens.Transfer(mv.Asset, mv.EscrowAccount(), mv.ID, netted.Deposited); err != nil {
			return SettlementRecord{}, fmt.Errorf("settle %s: move staked escrow: %w", p.BatchID, err)
		}
	}

	rcv := r.receivers.Create(mv.ID, mv.Asset, p.BatchID)
	if err := mv.Batches.AssignReceiver(p.BatchID, rcv.ID); err != nil {
		return SettlementRecord{}, err
	}
	if payout > 0 {
		if err := r.tokens.Transfer(mv.Asset, mv.ID, rcv.Account(), payout); err != nil {
			return SettlementRecord{}, fmt.Errorf("settle %s: fund receiver: %w", p.BatchID, err)
		}
	}

	// Reconcile the custody adapter with the relayer's observation, then
	// pull the payout back out of it.
	if mv.Type == registry.VaultTypeDN {
		if err := r.adapter.SetTotalAssets(r.id, mv.ID, mv.Asset, p.TotalAssets); err != nil {
			return SettlementRecord{}, err
		}
		if payout > 0 {
			if err := r.adapter.Redeem(mv.Asset, payout, mv.ID); err != nil {
				return SettlementRecord{}, err
			}
		}
	}

	r.virtual.Release(p.VaultID, p.BatchID)
	executed, err := r.proposals.MarkExecuted(proposalID)
	if err != nil {
		return SettlementRecord{}, err
	}

	rec := &SettlementRecord{
		VaultID:         p.VaultID,
		BatchID:         p.BatchID,
		ProposalID:      p.ID,
		Asset:           mv.Asset,
		TotalAssets:     p.TotalAssets,
		Yield:           p.Yield,
		Profit:          p.Profit,
		GrossSharePrice: gross,
		NetSharePrice:   net,
		ManagementFees:  accrued.ManagementFees,
		PerformanceFees: accrued.PerformanceFees,
		TotalFees:       accrued.TotalFees,
		Deposited:       netted.Deposited,
		Requested:       netted.Requested,
		RequestedShares: netted.RequestedShares,
		Payout:          payout,
		ReceiverID:      rcv.ID,
		SettledAt:       now,
	}
	r.settlements[balanceKey{p.VaultID, p.BatchID}] = rec

	r.metrics.BatchesSettled.WithLabelValues(p.VaultID).Inc()
	r.metrics.ProposalsExecuted.WithLabelValues(p.VaultID).Inc()
	r.metrics.SettleDuration.WithLabelValues(p.VaultID).Observe(now.Sub(start).Seconds())
	r.metrics.SharePrice.WithLabelValues(p.VaultID, "gross").Set(float64(gross))
	r.metrics.SharePrice.WithLabelValues(p.VaultID, "net").Set(float64(net))
	r.metrics.Watermark.WithLabelValues(p.VaultID).Set(float64(mv.Fees.Watermark()))
	r.metrics.FeesCharged.WithLabelValues(p.VaultID, "management").Add(float64(accrued.ManagementFees))
	r.metrics.FeesCharged.WithLabelValues(p.VaultID, "performance").Add(float64(accrued.PerformanceFees))
	r.metrics.VirtualDeposited.WithLabelValues(p.VaultID).Set(0)
	r.metrics.VirtualRequested.WithLabelValues(p.VaultID).Set(0)

	r.logger.Info().
		Str("vault", p.VaultID).
		Str("batch", string(p.BatchID)).
		Str("proposal", p.ID).
		Str("by", caller).
		Int64("total_assets", p.TotalAssets).
		Int64("yield", p.Yield).
		Bool("profit", p.Profit).
		Int64("gross_price", gross).
		Int64("net_price", net).
		Int64("management_fees", accrued.ManagementFees).
		Int64("performance_fees", accrued.PerformanceFees).
		Int64("payout", payout).
		Msg("batch settled")

	r.emit(Event{Type: EventBatchSettled, VaultID: p.VaultID, Asset: mv.Asset, At: now, Settlement: rec})
	r.emit(Event{Type: EventProposalExecuted, VaultID: p.VaultID, Asset: mv.Asset, At: now, Proposal: &executed})

	return *rec, nil
}

// SettlementFor returns the settlement snapshot for a settled batch.
func (r *Router) SettlementFor(vaultID string, batchID vault.BatchID) (SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.settlements[balanceKey{vaultID, batchID}]
	if !ok {
		return SettlementRecord{}, fmt.Errorf("batch %s: %w", batchID, vault.ErrBatchNotSettled)
	}
	return *rec, nil
}

// Settlements returns all settlement records (persistence snapshots).
func (r *Router) Settlements() []SettlementRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SettlementRecord, 0, len(r.settlements))
	for _, rec := range r.settlements {
		out = append(out, *rec)
	}
	return out
}

// RestoreSettlement loads a settlement row during startup.
func (r *Router) RestoreSettlement(rec SettlementRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := rec
	r.settlements[balanceKey{rec.VaultID, rec.BatchID}] = &copied
}

// SetSettlementCooldown replaces the proposal timelock. Admin only.
func (r *Router) SetSettlementCooldown(caller string, d time.Duration) error {
	if !r.registry.IsAdmin(caller) {
		return fmt.Errorf("set cooldown by %s: %w", caller, registry.ErrNotAuthorized)
	}
	if err := r.proposals.SetCooldown(d); err != nil {
		return err
	}

	r.metrics.CooldownSeconds.Set(d.Seconds())
	r.logger.Info().Dur("cooldown", d).Str("by", caller).Msg("settlement cooldown changed")
	r.emit(Event{Type: EventCooldownChanged, At: r.nowFn(), Cooldown: &d})
	return nil
}

// SetPaused flips the protocol pause switch. Guardians and emergency
// admins pause; only emergency admins unpause.
func (r *Router) SetPaused(caller string, paused bool) error {
	if paused {
		if !r.registry.IsGuardian(caller) && !r.registry.IsEmergencyAdmin(caller) {
			return fmt.Errorf("pause by %s: %w", caller, registry.ErrNotAuthorized)
		}
	} else if !r.registry.IsEmergencyAdmin(caller) {
		return fmt.Errorf("unpause by %s: %w", caller, registry.ErrNotAuthorized)
	}

	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()

	if paused {
		r.metrics.Paused.Set(1)
	} else {
		r.metrics.Paused.Set(0)
	}
	r.logger.Warn().Bool("paused", paused).Str("by", caller).Msg("pause state changed")
	r.emit(Event{Type: EventPauseChanged, At: r.nowFn(), Paused: &paused})
	return nil
}

func (r *Router) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// SetVaultPaused halts a single vault without stopping the rest of the
// protocol. Same role rules as the global switch: guardians and
// emergency admins pause, only emergency admins unpause.
func (r *Router) SetVaultPaused(caller, vaultID string, paused bool) error {
	if paused {
		if !r.registry.IsGuardian(caller) && !r.registry.IsEmergencyAdmin(caller) {
			return fmt.Errorf("pause vault by %s: %w", caller, registry.ErrNotAuthorized)
		}
	} else if !r.registry.IsEmergencyAdmin(caller) {
		return fmt.Errorf("unpause vault by %s: %w", caller, registry.ErrNotAuthorized)
	}

	mv, err := r.Vault(vaultID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.vaultPaused[vaultID] = paused
	r.mu.Unlock()

	r.logger.Warn().Str("vault", vaultID).Bool("paused", paused).Str("by", caller).Msg("vault pause state changed")
	r.emit(Event{Type: EventPauseChanged, VaultID: vaultID, Asset: mv.Asset, At: r.nowFn(), Paused: &paused})
	return nil
}

func (r *Router) IsVaultPaused(vaultID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vaultPaused[vaultID]
}

// RestoreVaultPaused sets a vault's pause flag during startup without an
// authorization check or event emission.
func (r *Router) RestoreVaultPaused(vaultID string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaultPaused[vaultID] = paused
}

// Halted reports whether operations on a vault are blocked by the
// global or the per-vault pause.
func (r *Router) Halted(vaultID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haltedLocked(vaultID)
}

func (r *Router) haltedLocked(vaultID string) error {
	if r.paused {
		return ErrPaused
	}
	if r.vaultPaused[vaultID] {
		return fmt.Errorf("vault %s: %w", vaultID, ErrVaultPaused)
	}
	return nil
}

// RestorePaused sets the pause flag during startup without an
// authorization check or event emission.
func (r *Router) RestorePaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

// ClaimsBlocked reports whether post-settlement claims must also halt.
func (r *Router) ClaimsBlocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused && r.pauseBlocksClaims
}

// SetAdapterTotals records the custodian's observed balance for a vault.
// Relayer only; the router passes its own identity to the adapter.
func (r *Router) SetAdapterTotals(caller, vaultID string, totalAssets int64) error {
	if !r.registry.IsRelayer(caller) {
		return fmt.Errorf("set adapter totals by %s: %w", caller, registry.ErrNotAuthorized)
	}
	mv, err := r.Vault(vaultID)
	if err != nil {
		return err
	}
	return r.adapter.SetTotalAssets(r.id, vaultID, mv.Asset, totalAssets)
}

// TransferVirtual moves a deposited claim from one vault's current batch
// into another's, together with the real tokens backing it. This is how
// a retail vault routes collected stakes into the underlying vault so
// they earn there instead of sitting idle. Relayer or admin only; both
// current batches must be accepting requests.
func (r *Router) TransferVirtual(caller, sourceVaultID, targetVaultID string, amount int64) error {
	if !r.registry.IsRelayer(caller) && !r.registry.IsAdmin(caller) {
		return fmt.Errorf("virtual transfer by %s: %w", caller, registry.ErrNotAuthorized)
	}
	if amount <= 0 {
		return fmt.Errorf("virtual transfer %d: amount must be positive", amount)
	}
	if sourceVaultID == targetVaultID {
		return fmt.Errorf("virtual transfer: source and target are both %s", sourceVaultID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.haltedLocked(sourceVaultID); err != nil {
		return err
	}
	if err := r.haltedLocked(targetVaultID); err != nil {
		return err
	}
	src, ok := r.vaults[sourceVaultID]
	if !ok {
		return fmt.Errorf("vault %s: %w", sourceVaultID, ErrVaultNotManaged)
	}
	dst, ok := r.vaults[targetVaultID]
	if !ok {
		return fmt.Errorf("vault %s: %w", targetVaultID, ErrVaultNotManaged)
	}
	// The moved tokens must denominate the target's batch 1:1: either the
	// same asset, or the target's own share token (minted 1:1 against it).
	if src.Asset != dst.Asset && src.Asset != dst.ShareToken {
		return fmt.Errorf("virtual transfer: %s into %s vault: %w", src.Asset, dst.Asset, ErrAssetMismatch)
	}

	srcBatch, err := src.Batches.CurrentBatchID()
	if err != nil {
		return err
	}
	dstBatch, err := dst.Batches.CurrentBatchID()
	if err != nil {
		return err
	}

	if have := r.tokens.Balance(src.Asset, src.ID); have < amount {
		return fmt.Errorf("virtual transfer: vault %s holds %d of %d: %w",
			src.ID, have, amount, token.ErrInsufficientBalance)
	}
	if err := r.virtual.Transfer(src.ID, srcBatch, dst.ID, dstBatch, amount); err != nil {
		return err
	}
	if err := r.tokens.Transfer(src.Asset, src.ID, dst.ID, amount); err != nil {
		return fmt.Errorf("virtual transfer: move tokens: %w", err)
	}

	r.logger.Info().
		Str("source", src.ID).
		Str("target", dst.ID).
		Str("asset", src.Asset).
		Int64("amount", amount).
		Msg("virtual claim transferred")
	r.emit(Event{Type: EventVirtualTransfer, VaultID: src.ID, Asset: src.Asset, At: r.nowFn(), Transfer: &VirtualTransfer{
		SourceVault: src.ID,
		SourceBatch: srcBatch,
		TargetVault: dst.ID,
		TargetBatch: dstBatch,
		Asset:       src.Asset,
		Amount:      amount,
	}})
	return nil
}

// Publish lets the gateway and staking vault route their request events
// through the same persistence and publish pipeline.
func (r *Router) Publish(evt Event) {
	r.emit(evt)
}

// emit fans one event out to persistence (blocking, lossless) and to
// the publisher (non-blocking, drop on full).
func (r *Router) emit(evt Event) {
	if r.persistCh != nil {
		r.persistCh <- evt
	}
	if r.publishCh != nil {
		select {
		case r.publishCh <- evt:
		default:
			r.metrics.PublishDrops.Inc()
		}
	}
}

func copyBatch(b vault.Batch) *vault.Batch {
	return &b
}
