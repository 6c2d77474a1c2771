package stake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"KamSettle/internal/kmath"
	"KamSettle/internal/observability"
	"KamSettle/internal/registry"
	"KamSettle/internal/router"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

var (
	ErrClaimsBlocked  = errors.New("claims blocked while paused")
	ErrWrongRequester = errors.New("request belongs to another staker")
	ErrWrongKind      = errors.New("request kind does not match operation")
)

// Vault is the retail staking surface over a managed staking vault.
// Stakes and unstakes queue into the current batch and everyone in the
// batch converts at the same settled share price, so request ordering
// inside a batch cannot be gamed.
type Vault struct {
	mu sync.Mutex

	registry  *registry.Registry
	tokens    *token.Ledger
	router    *router.Router
	receivers *vault.ReceiverFactory

	logger  zerolog.Logger
	metrics *observability.Metrics

	nowFn func() time.Time
}

func New(
	reg *registry.Registry,
	tokens *token.Ledger,
	rt *router.Router,
	receivers *vault.ReceiverFactory,
	metrics *observability.Metrics,
) *Vault {
	return &Vault{
		registry:  reg,
		tokens:    tokens,
		router:    rt,
		receivers: receivers,
		logger:    observability.NewLogger("stake"),
		metrics:   metrics,
		nowFn:     time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (s *Vault) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// RequestStake escrows the staker's kTokens into the current batch. The
// share amount is unknown until the batch settles; conversion happens at
// the settled net price on claim.
func (s *Vault) RequestStake(caller, vaultID, recipient string, amount int64) (vault.Request, error) {
	if err := s.router.Halted(vaultID); err != nil {
		return vault.Request{}, err
	}
	if amount <= 0 {
		return vault.Request{}, fmt.Errorf("stake %d: %w", amount, token.ErrZeroAmount)
	}

	mv, err := s.stakingVault(vaultID)
	if err != nil {
		return vault.Request{}, err
	}
	batchID, err := mv.Batches.CurrentBatchID()
	if err != nil {
		return vault.Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tokens.Transfer(mv.Asset, caller, mv.EscrowAccount(), amount); err != nil {
		return vault.Request{}, fmt.Errorf("stake: escrow: %w", err)
	}
	if err := s.router.Virtual().Push(mv.ID, batchID, amount); err != nil {
		return vault.Request{}, err
	}
	req := mv.Requests.Add(vault.KindStake, caller, recipient, amount, batchID, s.nowFn())

	s.metrics.RequestsCreated.WithLabelValues(mv.ID, vault.KindStake.String()).Inc()
	s.logger.Info().
		Str("vault", mv.ID).
		Str("staker", caller).
		Str("request", req.ID).
		Int64("amount", amount).
		Str("batch", string(batchID)).
		Msg("stake requested")
	s.router.Publish(router.Event{Type: router.EventRequestCreated, VaultID: mv.ID, Asset: mv.Asset, At: req.RequestedAt, Request: copyRequest(*req)})
	return *req, nil
}

// RequestUnstake escrows the staker's shares into the current batch for
// conversion back to kTokens at the settled net price.
func (s *Vault) RequestUnstake(caller, vaultID, recipient string, shares int64) (vault.Request, error) {
	if err := s.router.Halted(vaultID); err != nil {
		return vault.Request{}, err
	}
	if shares <= 0 {
		return vault.Request{}, fmt.Errorf("unstake %d: %w", shares, token.ErrZeroAmount)
	}

	mv, err := s.stakingVault(vaultID)
	if err != nil {
		return vault.Request{}, err
	}
	batchID, err := mv.Batches.CurrentBatchID()
	if err != nil {
		return vault.Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tokens.Transfer(mv.ShareToken, caller, mv.EscrowAccount(), shares); err != nil {
		return vault.Request{}, fmt.Errorf("unstake: escrow: %w", err)
	}
	if err := s.router.Virtual().RequestSharesPull(mv.ID, batchID, shares); err != nil {
		return vault.Request{}, err
	}
	req := mv.Requests.Add(vault.KindUnstake, caller, recipient, shares, batchID, s.nowFn())

	s.metrics.RequestsCreated.WithLabelValues(mv.ID, vault.KindUnstake.String()).Inc()
	s.logger.Info().
		Str("vault", mv.ID).
		Str("staker", caller).
		Str("request", req.ID).
		Int64("shares", shares).
		Str("batch", string(batchID)).
		Msg("unstake requested")
	s.router.Publish(router.Event{Type: router.EventRequestCreated, VaultID: mv.ID, Asset: mv.Asset, At: req.RequestedAt, Request: copyRequest(*req)})
	return *req, nil
}

// CancelRequest voids a pending stake or unstake while its batch is
// still open and returns the escrowed tokens.
func (s *Vault) CancelRequest(caller, vaultID, requestID string) error {
	mv, err := s.stakingVault(vaultID)
	if err != nil {
		return err
	}
	req, err := mv.Requests.Get(requestID)
	if err != nil {
		return err
	}
	b, err := mv.Batches.GetBatch(req.BatchID)
	if err != nil {
		return err
	}
	if b.IsClosed {
		return fmt.Errorf("cancel %s: %w", requestID, vault.ErrCancelWindowClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled, err := mv.Requests.Cancel(requestID, caller)
	if err != nil {
		return err
	}

	switch cancelled.Kind {
	case vault.KindStake:
		if err := s.router.Virtual().UnwindPush(mv.ID, req.BatchID, cancelled.Amount); err != nil {
			return err
		}
		if err := s.tokens.Transfer(mv.Asset, mv.EscrowAccount(), caller, cancelled.Amount); err != nil {
			return err
		}
	case vault.KindUnstake:
		if err := s.router.Virtual().UnwindSharesPull(mv.ID, req.BatchID, cancelled.Amount); err != nil {
			return err
		}
		if err := s.tokens.Transfer(mv.ShareToken, mv.EscrowAccount(), caller, cancelled.Amount); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cancel %s: %w", requestID, ErrWrongKind)
	}

	s.metrics.RequestsCancelled.WithLabelValues(mv.ID, cancelled.Kind.String()).Inc()
	s.logger.Info().
		Str("vault", mv.ID).
		Str("request", requestID).
		Str("kind", cancelled.Kind.String()).
		Int64("amount", cancelled.Amount).
		Msg("stake request cancelled")
	s.router.Publish(router.Event{Type: router.EventRequestCancelled, VaultID: mv.ID, Asset: mv.Asset, At: s.nowFn(), Request: &cancelled})
	return nil
}

// ClaimStakedShares converts a settled stake into shares at the batch's
// settled net price and mints them to the recipient.
func (s *Vault) ClaimStakedShares(caller, vaultID, requestID string) (int64, error) {
	if s.router.ClaimsBlocked() {
		return 0, ErrClaimsBlocked
	}

	mv, req, rec, err := s.settledRequest(caller, vaultID, requestID, vault.KindStake)
	if err != nil {
		return 0, err
	}

	shares := kmath.SharesForAssets(req.Amount, rec.NetSharePrice)

	claimed, err := mv.Requests.Claim(requestID)
	if err != nil {
		return 0, err
	}
	if shares > 0 {
		if err := s.tokens.Mint(mv.ShareToken, claimed.Recipient, shares); err != nil {
			return 0, err
		}
	}

	s.metrics.ClaimsExecuted.WithLabelValues(mv.ID, vault.KindStake.String()).Inc()
	s.logger.Info().
		Str("vault", mv.ID).
		Str("request", requestID).
		Str("recipient", claimed.Recipient).
		Int64("staked", claimed.Amount).
		Int64("shares", shares).
		Int64("price", rec.NetSharePrice).
		Msg("staked shares claimed")
	s.router.Publish(router.Event{Type: router.EventRequestClaimed, VaultID: mv.ID, Asset: mv.Asset, At: s.nowFn(), Request: &claimed})
	return shares, nil
}

// ClaimUnstakedAssets converts settled unstake shares back to kTokens at
// the batch's settled net price, burns the escrowed shares and pays the
// recipient from the batch receiver.
func (s *Vault) ClaimUnstakedAssets(caller, vaultID, requestID string) (int64, error) {
	if s.router.ClaimsBlocked() {
		return 0, ErrClaimsBlocked
	}

	mv, req, rec, err := s.settledRequest(caller, vaultID, requestID, vault.KindUnstake)
	if err != nil {
		return 0, err
	}

	assets := kmath.AssetsForShares(req.Amount, rec.NetSharePrice)

	claimed, err := mv.Requests.Claim(requestID)
	if err != nil {
		return 0, err
	}
	if err := s.tokens.Burn(mv.ShareToken, mv.EscrowAccount(), claimed.Amount); err != nil {
		return 0, err
	}
	if assets > 0 {
		if err := s.receivers.Pay(req.BatchID, claimed.Recipient, assets); err != nil {
			return 0, err
		}
	}

	s.metrics.ClaimsExecuted.WithLabelValues(mv.ID, vault.KindUnstake.String()).Inc()
	s.logger.Info().
		Str("vault", mv.ID).
		Str("request", requestID).
		Str("recipient", claimed.Recipient).
		Int64("shares", claimed.Amount).
		Int64("assets", assets).
		Int64("price", rec.NetSharePrice).
		Msg("unstaked assets claimed")
	s.router.Publish(router.Event{Type: router.EventRequestClaimed, VaultID: mv.ID, Asset: mv.Asset, At: s.nowFn(), Request: &claimed})
	return assets, nil
}

func (s *Vault) settledRequest(caller, vaultID, requestID string, kind vault.RequestKind) (*router.ManagedVault, vault.Request, router.SettlementRecord, error) {
	mv, err := s.stakingVault(vaultID)
	if err != nil {
		return nil, vault.Request{}, router.SettlementRecord{}, err
	}
	req, err := mv.Requests.Get(requestID)
	if err != nil {
		return nil, vault.Request{}, router.SettlementRecord{}, err
	}
	if req.Requester != caller {
		return nil, vault.Request{}, router.SettlementRecord{}, fmt.Errorf("claim %s by %s: %w", requestID, caller, ErrWrongRequester)
	}
	if req.Kind != kind {
		return nil, vault.Request{}, router.SettlementRecord{}, fmt.Errorf("claim %s is %s: %w", requestID, req.Kind, ErrWrongKind)
	}
	rec, err := s.router.SettlementFor(mv.ID, req.BatchID)
	if err != nil {
		return nil, vault.Request{}, router.SettlementRecord{}, err
	}
	return mv, req, rec, nil
}

func (s *Vault) stakingVault(vaultID string) (*router.ManagedVault, error) {
	mv, err := s.router.Vault(vaultID)
	if err != nil {
		return nil, err
	}
	if mv.Type != registry.VaultTypeStaking {
		return nil, fmt.Errorf("vault %s is not a staking vault: %w", vaultID, registry.ErrUnknownVault)
	}
	return mv, nil
}

func copyRequest(req vault.Request) *vault.Request {
	return &req
}
