package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"KamSettle/internal/adapter"
	"KamSettle/internal/observability"
	"KamSettle/internal/registry"
	"KamSettle/internal/router"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

var (
	ErrBelowMinimum   = errors.New("amount below dust minimum")
	ErrMintLimit      = errors.New("batch mint limit exceeded")
	ErrRedeemLimit    = errors.New("batch redeem limit exceeded")
	ErrClaimsBlocked  = errors.New("claims blocked while paused")
	ErrWrongRequester = errors.New("request belongs to another institution")
)

type Config struct {
	// MinMint and MinRedeem reject dust that would cost more to settle
	// than it is worth. Zero disables the floor.
	MinMint   int64
	MinRedeem int64
}

// Gateway is the institutional entry point: instant 1:1 mints of kTokens
// against deposited assets, and batched redemptions that settle at the
// batch boundary. One gateway serves every registered asset; it resolves
// the backing vault per call.
type Gateway struct {
	mu sync.Mutex

	cfg       Config
	registry  *registry.Registry
	tokens    *token.Ledger
	adapter   adapter.Adapter
	router    *router.Router
	receivers *vault.ReceiverFactory

	// Per-batch flow totals, enforced against the registry's asset limits.
	mintedInBatch   map[vault.BatchID]int64
	redeemedInBatch map[vault.BatchID]int64

	logger  zerolog.Logger
	metrics *observability.Metrics

	nowFn func() time.Time
}

func New(
	cfg Config,
	reg *registry.Registry,
	tokens *token.Ledger,
	adp adapter.Adapter,
	rt *router.Router,
	receivers *vault.ReceiverFactory,
	metrics *observability.Metrics,
) *Gateway {
	return &Gateway{
		cfg:             cfg,
		registry:        reg,
		tokens:          tokens,
		adapter:         adp,
		router:          rt,
		receivers:       receivers,
		mintedInBatch:   make(map[vault.BatchID]int64),
		redeemedInBatch: make(map[vault.BatchID]int64),
		logger:          observability.NewLogger("gateway"),
		metrics:         metrics,
		nowFn:           time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nowFn = now
}

// Mint deposits amount of asset and issues kTokens 1:1 to the recipient,
// immediately. The deposit lands in the current batch's virtual balance
// and reaches the custodian at the next settlement.
func (g *Gateway) Mint(caller, asset, to string, amount int64) error {
	if !g.registry.IsInstitution(caller) {
		return fmt.Errorf("mint by %s: %w", caller, registry.ErrNotAuthorized)
	}
	if g.router.IsPaused() {
		return router.ErrPaused
	}
	if amount <= 0 {
		return fmt.Errorf("mint %d: %w", amount, token.ErrZeroAmount)
	}
	if amount < g.cfg.MinMint {
		return fmt.Errorf("mint %d < %d: %w", amount, g.cfg.MinMint, ErrBelowMinimum)
	}

	mv, err := g.backingVault(asset)
	if err != nil {
		return err
	}
	if err := g.router.Halted(mv.ID); err != nil {
		return err
	}
	kToken, err := g.registry.AssetToKToken(asset)
	if err != nil {
		return err
	}
	batchID, err := mv.Batches.CurrentBatchID()
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	limits := g.registry.GetAssetLimits(asset)
	if limits.MaxMintPerBatch > 0 && g.mintedInBatch[batchID]+amount > limits.MaxMintPerBatch {
		return fmt.Errorf("mint %d with %d already in batch (cap %d): %w",
			amount, g.mintedInBatch[batchID], limits.MaxMintPerBatch, ErrMintLimit)
	}

	if err := g.tokens.Transfer(asset, caller, mv.ID, amount); err != nil {
		return fmt.Errorf("mint: collect deposit: %w", err)
	}
	if err := g.tokens.Mint(kToken, to, amount); err != nil {
		return err
	}
	if err := g.router.Virtual().Push(mv.ID, batchID, amount); err != nil {
		return err
	}
	if err := g.adapter.Deposit(asset, amount, mv.ID); err != nil {
		return err
	}
	g.mintedInBatch[batchID] += amount

	g.metrics.MintsExecuted.WithLabelValues(asset).Inc()
	g.logger.Info().
		Str("asset", asset).
		Str("institution", caller).
		Str("to", to).
		Int64("amount", amount).
		Str("batch", string(batchID)).
		Msg("kTokens minted")
	g.router.Publish(router.Event{Type: router.EventMintExecuted, VaultID: mv.ID, Asset: asset, At: g.nowFn()})
	return nil
}

// RequestRedeem escrows the caller's kTokens and queues a 1:1 redemption
// into the current batch. Assets become claimable once the batch settles.
func (g *Gateway) RequestRedeem(caller, asset, recipient string, amount int64) (vault.Request, error) {
	if !g.registry.IsInstitution(caller) {
		return vault.Request{}, fmt.Errorf("redeem request by %s: %w", caller, registry.ErrNotAuthorized)
	}
	if g.router.IsPaused() {
		return vault.Request{}, router.ErrPaused
	}
	if amount <= 0 {
		return vault.Request{}, fmt.Errorf("redeem request %d: %w", amount, token.ErrZeroAmount)
	}
	if amount < g.cfg.MinRedeem {
		return vault.Request{}, fmt.Errorf("redeem request %d < %d: %w", amount, g.cfg.MinRedeem, ErrBelowMinimum)
	}

	mv, err := g.backingVault(asset)
	if err != nil {
		return vault.Request{}, err
	}
	if err := g.router.Halted(mv.ID); err != nil {
		return vault.Request{}, err
	}
	kToken, err := g.registry.AssetToKToken(asset)
	if err != nil {
		return vault.Request{}, err
	}
	batchID, err := mv.Batches.CurrentBatchID()
	if err != nil {
		return vault.Request{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	limits := g.registry.GetAssetLimits(asset)
	if limits.MaxRedeemPerBatch > 0 && g.redeemedInBatch[batchID]+amount > limits.MaxRedeemPerBatch {
		return vault.Request{}, fmt.Errorf("redeem %d with %d already in batch (cap %d): %w",
			amount, g.redeemedInBatch[batchID], limits.MaxRedeemPerBatch, ErrRedeemLimit)
	}

	if err := g.tokens.Transfer(kToken, caller, mv.EscrowAccount(), amount); err != nil {
		return vault.Request{}, fmt.Errorf("redeem request: escrow: %w", err)
	}
	if err := g.router.Virtual().RequestPull(mv.ID, batchID, amount); err != nil {
		return vault.Request{}, err
	}
	req := mv.Requests.Add(vault.KindRedeem, caller, recipient, amount, batchID, g.nowFn())
	g.redeemedInBatch[batchID] += amount

	g.metrics.RequestsCreated.WithLabelValues(mv.ID, vault.KindRedeem.String()).Inc()
	g.logger.Info().
		Str("asset", asset).
		Str("institution", caller).
		Str("request", req.ID).
		Int64("amount", amount).
		Str("batch", string(batchID)).
		Msg("redeem requested")
	g.router.Publish(router.Event{Type: router.EventRequestCreated, VaultID: mv.ID, Asset: asset, At: req.RequestedAt, Request: copyRequest(*req)})
	return *req, nil
}

// CancelRequest voids a pending redeem while its batch is still open and
// returns the escrowed kTokens.
func (g *Gateway) CancelRequest(caller, asset, requestID string) error {
	mv, err := g.backingVault(asset)
	if err != nil {
		return err
	}
	kToken, err := g.registry.AssetToKToken(asset)
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

	g.mu.Lock()
	defer g.mu.Unlock()

	cancelled, err := mv.Requests.Cancel(requestID, caller)
	if err != nil {
		return err
	}
	if err := g.router.Virtual().UnwindPull(mv.ID, req.BatchID, cancelled.Amount); err != nil {
		return err
	}
	if err := g.tokens.Transfer(kToken, mv.EscrowAccount(), caller, cancelled.Amount); err != nil {
		return err
	}
	g.redeemedInBatch[req.BatchID] -= cancelled.Amount

	g.metrics.RequestsCancelled.WithLabelValues(mv.ID, vault.KindRedeem.String()).Inc()
	g.logger.Info().
		Str("asset", asset).
		Str("request", requestID).
		Int64("amount", cancelled.Amount).
		Msg("redeem request cancelled")
	g.router.Publish(router.Event{Type: router.EventRequestCancelled, VaultID: mv.ID, Asset: asset, At: g.nowFn(), Request: &cancelled})
	return nil
}

// Redeem claims a settled redemption: burns the escrowed kTokens and
// pays the recipient 1:1 from the batch receiver.
func (g *Gateway) Redeem(caller, asset, requestID string) error {
	if g.router.ClaimsBlocked() {
		return ErrClaimsBlocked
	}

	mv, err := g.backingVault(asset)
	if err != nil {
		return err
	}
	kToken, err := g.registry.AssetToKToken(asset)
	if err != nil {
		return err
	}
	req, err := mv.Requests.Get(requestID)
	if err != nil {
		return err
	}
	if req.Requester != caller {
		return fmt.Errorf("redeem %s by %s: %w", requestID, caller, ErrWrongRequester)
	}
	b, err := mv.Batches.GetBatch(req.BatchID)
	if err != nil {
		return err
	}
	if !b.IsSettled {
		return fmt.Errorf("redeem %s: %w", requestID, vault.ErrBatchNotSettled)
	}

	claimed, err := mv.Requests.Claim(requestID)
	if err != nil {
		return err
	}
	if err := g.tokens.Burn(kToken, mv.EscrowAccount(), claimed.Amount); err != nil {
		return err
	}
	if err := g.receivers.Pay(req.BatchID, claimed.Recipient, claimed.Amount); err != nil {
		return err
	}

	g.metrics.ClaimsExecuted.WithLabelValues(mv.ID, vault.KindRedeem.String()).Inc()
	g.logger.Info().
		Str("asset", asset).
		Str("request", requestID).
		Str("recipient", claimed.Recipient).
		Int64("amount", claimed.Amount).
		Msg("redemption claimed")
	g.router.Publish(router.Event{Type: router.EventRequestClaimed, VaultID: mv.ID, Asset: asset, At: g.nowFn(), Request: &claimed})
	return nil
}

// MintedInBatch reports the cumulative mint volume of a batch.
func (g *Gateway) MintedInBatch(batchID vault.BatchID) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mintedInBatch[batchID]
}

// RedeemedInBatch reports the cumulative redeem volume of a batch.
func (g *Gateway) RedeemedInBatch(batchID vault.BatchID) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.redeemedInBatch[batchID]
}

func (g *Gateway) backingVault(asset string) (*router.ManagedVault, error) {
	vaultID, err := g.registry.GetVaultByAssetAndType(asset, registry.VaultTypeDN)
	if err != nil {
		return nil, err
	}
	return g.router.Vault(vaultID)
}

func copyRequest(req vault.Request) *vault.Request {
	return &req
}
