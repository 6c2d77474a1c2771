package router_test

import (
	"errors"
	"testing"
	"time"

	"KamSettle/internal/adapter"
	"KamSettle/internal/fees"
	"KamSettle/internal/observability"
	"KamSettle/internal/registry"
	"KamSettle/internal/router"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

// Prometheus collectors register globally, so all tests in the package
// share one Metrics instance.
var testMetrics = observability.NewMetrics()

type fixture struct {
	t   *testing.T
	now time.Time

	reg       *registry.Registry
	tokens    *token.Ledger
	adp       *adapter.CustodialAdapter
	receivers *vault.ReceiverFactory
	rt        *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		now:    time.Unix(1_700_000_000, 0),
		reg:    registry.New(),
		tokens: token.NewLedger(),
	}
	f.adp = adapter.NewCustodialAdapter("kam-router")
	f.receivers = vault.NewReceiverFactory(f.tokens)
	f.rt = router.New(router.Config{ID: "kam-router"}, f.reg, f.tokens, f.adp, f.receivers, testMetrics, nil, nil)

	f.reg.Grant("", "admin", registry.RoleAdmin)
	f.reg.Grant("admin", "relayer", registry.RoleRelayer)
	f.reg.Grant("admin", "guard", registry.RoleGuardian)
	f.reg.Grant("admin", "emergency", registry.RoleEmergencyAdmin)
	f.reg.Grant("admin", "inst-a", registry.RoleInstitution)

	f.rt.SetClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time        { return f.now }
func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) addVault(id, asset, share string, vt registry.VaultType) *router.ManagedVault {
	f.t.Helper()

	if err := f.reg.RegisterVault("admin", id, asset, vt); err != nil {
		f.t.Fatal(err)
	}
	mv := &router.ManagedVault{
		ID:         id,
		Asset:      asset,
		ShareToken: share,
		Type:       vt,
		Batches:    vault.NewBatchManager(id, asset, 1),
		Requests:   vault.NewRequestLedger(),
		Fees:       fees.NewEngine(f.now),
	}
	if err := f.rt.RegisterVault(mv); err != nil {
		f.t.Fatal(err)
	}
	// Re-apply so the new vault's batch and fee clocks are wired too.
	f.rt.SetClock(f.clock)
	return mv
}

func (f *fixture) openBatch(vaultID string) vault.Batch {
	f.t.Helper()
	b, err := f.rt.CreateNewBatch("relayer", vaultID)
	if err != nil {
		f.t.Fatal(err)
	}
	return b
}

func (f *fixture) closeBatch(vaultID string, batchID vault.BatchID) {
	f.t.Helper()
	if _, err := f.rt.CloseBatch("relayer", vaultID, batchID, false); err != nil {
		f.t.Fatal(err)
	}
}

func TestCreateBatch_RelayerOrAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)

	if _, err := f.rt.CreateNewBatch("inst-a", "dn-1"); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("institution: got %v, want ErrNotAuthorized", err)
	}
	if _, err := f.rt.CreateNewBatch("relayer", "dn-1"); err != nil {
		t.Errorf("relayer: %v", err)
	}
}

func TestCreateBatch_UnmanagedVault(t *testing.T) {
	f := newFixture(t)
	if _, err := f.rt.CreateNewBatch("relayer", "ghost"); !errors.Is(err, router.ErrVaultNotManaged) {
		t.Errorf("got %v, want ErrVaultNotManaged", err)
	}
}

func TestPropose_RequiresClosedBatch(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	if _, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 100_000, 0, 0, false); !errors.Is(err, vault.ErrBatchNotClosed) {
		t.Errorf("open batch: got %v, want ErrBatchNotClosed", err)
	}
	if _, err := f.rt.ProposeSettleBatch("admin", "dn-1", b.ID, 100_000, 0, 0, false); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("non-relayer: got %v, want ErrNotAuthorized", err)
	}
	if _, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, -1, 0, 0, false); err == nil {
		t.Error("negative total assets should be rejected")
	}
	if _, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 100_000, 0, -5, false); err == nil {
		t.Error("negative yield should be rejected")
	}
}

func TestExecuteSettle_DN(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	// 100k kTokens outstanding; the vault holds the collected deposits.
	f.tokens.Mint("kUSDC", "inst-a", 100_000)
	f.tokens.Mint("USDC", "dn-1", 110_000)
	f.rt.Virtual().Push("dn-1", b.ID, 30_000)
	f.rt.Virtual().RequestPull("dn-1", b.ID, 10_000)

	f.closeBatch("dn-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 110_000, 20_000, 10_000, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.NettedAmount != 20_000 {
		t.Errorf("netted: got %d, want 20_000", p.NettedAmount)
	}

	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, router.ErrCooldownActive) {
		t.Fatalf("before cooldown: got %v, want ErrCooldownActive", err)
	}

	f.advance(time.Hour)
	rec, err := f.rt.ExecuteSettleBatch("relayer", p.ID)
	if err != nil {
		t.Fatal(err)
	}

	if rec.Yield != 10_000 || !rec.Profit {
		t.Errorf("yield: got %d/%v, want 10_000/true", rec.Yield, rec.Profit)
	}

	if rec.GrossSharePrice != 1_100_000 {
		t.Errorf("gross price: got %d, want 1_100_000", rec.GrossSharePrice)
	}
	if rec.NetSharePrice != 1_100_000 {
		t.Errorf("net price with no fees: got %d, want 1_100_000", rec.NetSharePrice)
	}
	// Institutional redemptions pay 1:1 in the underlying.
	if rec.Payout != 10_000 {
		t.Errorf("payout: got %d, want 10_000", rec.Payout)
	}

	// The payout sits in the batch receiver, isolated from the vault.
	if err := f.receivers.Pay(b.ID, "treasury-a", 10_001); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Errorf("overdraw receiver: got %v, want ErrInsufficientBalance", err)
	}
	if err := f.receivers.Pay(b.ID, "treasury-a", 10_000); err != nil {
		t.Fatal(err)
	}

	// Custodian reconciled to the observed total, minus the payout.
	if got := f.adp.TotalAssets("dn-1", "USDC"); got != 100_000 {
		t.Errorf("adapter: got %d, want 100_000", got)
	}

	if bal := f.rt.Virtual().Balance("dn-1", b.ID); bal != (router.VirtualBalance{}) {
		t.Errorf("virtual balance not released: %+v", bal)
	}
	if _, err := f.rt.SettlementFor("dn-1", b.ID); err != nil {
		t.Errorf("settlement record: %v", err)
	}
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, router.ErrProposalExecuted) {
		t.Errorf("execute twice: got %v, want ErrProposalExecuted", err)
	}
}

func TestExecuteSettle_ManagementFeeLowersNetPrice(t *testing.T) {
	f := newFixture(t)
	mv := f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	mv.Fees.SetManagementFee(100) // 1% annual

	b := f.openBatch("dn-1")
	f.tokens.Mint("kUSDC", "inst-a", 100_000)
	f.tokens.Mint("USDC", "dn-1", 100_000)

	f.closeBatch("dn-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 100_000, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	f.advance(30 * 24 * time.Hour)
	rec, err := f.rt.ExecuteSettleBatch("relayer", p.ID)
	if err != nil {
		t.Fatal(err)
	}

	// 1% of 100k prorated over 30 days of a 365.25-day year.
	if rec.ManagementFees != 82 {
		t.Errorf("management fees: got %d, want 82", rec.ManagementFees)
	}
	if rec.PerformanceFees != 0 {
		t.Errorf("performance fees: got %d, want 0", rec.PerformanceFees)
	}
	if rec.NetSharePrice != 999_180 {
		t.Errorf("net price: got %d, want 999_180", rec.NetSharePrice)
	}
	if rec.GrossSharePrice != 1_000_000 {
		t.Errorf("gross price: got %d, want 1_000_000", rec.GrossSharePrice)
	}
}

func TestExecuteSettle_StakingMovesEscrow(t *testing.T) {
	f := newFixture(t)
	mv := f.addVault("stk-1", "kUSDC", "stkUSDC", registry.VaultTypeStaking)
	b := f.openBatch("stk-1")

	f.tokens.Mint("stkUSDC", "staker", 100_000)
	f.tokens.Mint("kUSDC", "stk-1", 120_000)
	// 50k staked this batch, sitting in escrow until settlement.
	f.tokens.Mint("kUSDC", mv.EscrowAccount(), 50_000)
	f.rt.Virtual().Push("stk-1", b.ID, 50_000)
	f.rt.Virtual().RequestSharesPull("stk-1", b.ID, 10_000)

	f.closeBatch("stk-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "stk-1", b.ID, 120_000, 50_000, 20_000, true)
	if err != nil {
		t.Fatal(err)
	}

	f.advance(time.Hour)
	rec, err := f.rt.ExecuteSettleBatch("relayer", p.ID)
	if err != nil {
		t.Fatal(err)
	}

	if rec.NetSharePrice != 1_200_000 {
		t.Errorf("net price: got %d, want 1_200_000", rec.NetSharePrice)
	}
	// 10k shares at 1.2 convert to 12k assets for the unstakers.
	if rec.Payout != 12_000 {
		t.Errorf("payout: got %d, want 12_000", rec.Payout)
	}

	if got := f.tokens.Balance("kUSDC", mv.EscrowAccount()); got != 0 {
		t.Errorf("escrow after settle: got %d, want 0", got)
	}
	// 120k + 50k staked - 12k receiver funding.
	if got := f.tokens.Balance("kUSDC", "stk-1"); got != 158_000 {
		t.Errorf("vault balance: got %d, want 158_000", got)
	}
	// Staking settlements never touch the custody adapter.
	if got := f.adp.TotalAssets("stk-1", "kUSDC"); got != 0 {
		t.Errorf("adapter: got %d, want 0", got)
	}
}

func TestExecuteSettle_StakingEscrowShortfall(t *testing.T) {
	f := newFixture(t)
	mv := f.addVault("stk-1", "kUSDC", "stkUSDC", registry.VaultTypeStaking)
	b := f.openBatch("stk-1")

	f.tokens.Mint("stkUSDC", "staker", 100_000)
	f.tokens.Mint("kUSDC", mv.EscrowAccount(), 40_000)
	f.rt.Virtual().Push("stk-1", b.ID, 50_000)

	f.closeBatch("stk-1", b.ID)
	p, _ := f.rt.ProposeSettleBatch("relayer", "stk-1", b.ID, 120_000, 50_000, 0, false)

	f.advance(time.Hour)
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	// The failed settlement must leave the batch and proposal untouched.
	got, _ := mv.Batches.GetBatch(b.ID)
	if got.IsSettled {
		t.Error("batch marked settled after failed solvency check")
	}
	if _, err := f.rt.CanExecuteProposal(p.ID); err != nil {
		t.Errorf("proposal should remain executable: %v", err)
	}
}

func TestPause_BlocksLifecycleOperations(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")
	f.closeBatch("dn-1", b.ID)
	p, _ := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 0, 0, 0, false)
	f.advance(time.Hour)

	if err := f.rt.SetPaused("inst-a", true); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("pause by institution: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.SetPaused("guard", true); err != nil {
		t.Fatal(err)
	}

	if _, err := f.rt.CreateNewBatch("relayer", "dn-1"); !errors.Is(err, router.ErrPaused) {
		t.Errorf("create while paused: got %v, want ErrPaused", err)
	}
	if _, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 0, 0, 0, false); !errors.Is(err, router.ErrPaused) {
		t.Errorf("propose while paused: got %v, want ErrPaused", err)
	}
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, router.ErrPaused) {
		t.Errorf("execute while paused: got %v, want ErrPaused", err)
	}
	if _, err := f.rt.CanExecuteProposal(p.ID); !errors.Is(err, router.ErrPaused) {
		t.Errorf("can-execute while paused: got %v, want ErrPaused", err)
	}

	// Guardians can pause but only emergency admins unpause.
	if err := f.rt.SetPaused("guard", false); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("unpause by guardian: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.SetPaused("emergency", false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); err != nil {
		t.Errorf("execute after unpause: %v", err)
	}
}

func TestClaimsBlocked_FollowsConfig(t *testing.T) {
	f := newFixture(t)
	f.rt.SetPaused("guard", true)
	if f.rt.ClaimsBlocked() {
		t.Error("claims blocked without PauseBlocksClaims")
	}

	strict := router.New(router.Config{ID: "kam-router", PauseBlocksClaims: true},
		f.reg, f.tokens, f.adp, f.receivers, testMetrics, nil, nil)
	strict.SetPaused("guard", true)
	if !strict.ClaimsBlocked() {
		t.Error("claims should block when configured and paused")
	}
}

func TestCancelProposal_Roles(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")
	f.closeBatch("dn-1", b.ID)
	p, _ := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 0, 0, 0, false)

	if _, err := f.rt.CancelProposal("inst-a", p.ID); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("institution: got %v, want ErrNotAuthorized", err)
	}
	if _, err := f.rt.CancelProposal("guard", p.ID); err != nil {
		t.Fatal(err)
	}

	// The slot is free again for a corrected proposal.
	if _, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 1_000, 0, 0, false); err != nil {
		t.Errorf("repropose after cancel: %v", err)
	}
}

func TestSetSettlementCooldown(t *testing.T) {
	f := newFixture(t)

	if err := f.rt.SetSettlementCooldown("relayer", 2*time.Hour); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("non-admin: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.SetSettlementCooldown("admin", 25*time.Hour); !errors.Is(err, router.ErrCooldownOutOfRange) {
		t.Errorf("above max: got %v, want ErrCooldownOutOfRange", err)
	}
	if err := f.rt.SetSettlementCooldown("admin", 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if got := f.rt.Proposals().Cooldown(); got != 2*time.Hour {
		t.Errorf("cooldown: got %s, want 2h", got)
	}
}

func TestExecuteSettle_OpenToAnyCaller(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	f.tokens.Mint("kUSDC", "inst-a", 100_000)
	f.tokens.Mint("USDC", "dn-1", 100_000)

	f.closeBatch("dn-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 100_000, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	// The cooldown, not the caller's role, gates execution: once it has
	// matured anyone may finalize the already-reviewed proposal.
	f.advance(time.Hour)
	if _, err := f.rt.ExecuteSettleBatch("someone", p.ID); err != nil {
		t.Fatalf("execute by unprivileged caller: %v", err)
	}
	got, _ := f.rt.Vault("dn-1")
	settled, _ := got.Batches.GetBatch(b.ID)
	if !settled.IsSettled {
		t.Error("batch not settled")
	}
}

func TestPropose_NettedMustMatchLedger(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	f.rt.Virtual().Push("dn-1", b.ID, 30_000)
	f.rt.Virtual().RequestPull("dn-1", b.ID, 10_000)
	f.closeBatch("dn-1", b.ID)

	if _, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 110_000, 25_000, 0, false); !errors.Is(err, router.ErrNettedMismatch) {
		t.Errorf("stale netted: got %v, want ErrNettedMismatch", err)
	}

	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 110_000, 20_000, 10_000, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Yield != 10_000 || !p.Profit {
		t.Errorf("proposal yield: got %d/%v, want 10_000/true", p.Yield, p.Profit)
	}

	if _, err := f.rt.UpdateProposal("relayer", p.ID, 105_000, 19_000, 5_000, true); !errors.Is(err, router.ErrNettedMismatch) {
		t.Errorf("update with stale netted: got %v, want ErrNettedMismatch", err)
	}
	upd, err := f.rt.UpdateProposal("relayer", p.ID, 105_000, 20_000, 5_000, false)
	if err != nil {
		t.Fatal(err)
	}
	if upd.TotalAssets != 105_000 || upd.Yield != 5_000 || upd.Profit {
		t.Errorf("updated proposal: got %d/%d/%v, want 105_000/5_000/false", upd.TotalAssets, upd.Yield, upd.Profit)
	}
}

func TestExecuteSettle_DNVaultShortfallIsRetryable(t *testing.T) {
	f := newFixture(t)
	mv := f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	f.tokens.Mint("kUSDC", "inst-a", 100_000)
	// 10k owed to redeemers but the vault wallet only holds 4k.
	f.tokens.Mint("USDC", "dn-1", 4_000)
	f.rt.Virtual().RequestPull("dn-1", b.ID, 10_000)

	f.closeBatch("dn-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 100_000, -10_000, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	f.advance(time.Hour)
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("underfunded vault: got %v, want ErrInsufficientBalance", err)
	}

	// The failure must not move any state: the batch stays unsettled, the
	// redemption claims stay on the ledger and the proposal stays live.
	got, _ := mv.Batches.GetBatch(b.ID)
	if got.IsSettled {
		t.Fatal("batch marked settled after failed funding check")
	}
	if bal := f.rt.Virtual().Balance("dn-1", b.ID); bal.Requested != 10_000 {
		t.Errorf("virtual requested: got %d, want 10_000", bal.Requested)
	}
	if _, err := f.rt.CanExecuteProposal(p.ID); err != nil {
		t.Errorf("proposal should remain executable: %v", err)
	}

	// Top the vault up and the same proposal settles cleanly.
	f.tokens.Mint("USDC", "dn-1", 6_000)
	rec, err := f.rt.ExecuteSettleBatch("relayer", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Payout != 10_000 {
		t.Errorf("payout: got %d, want 10_000", rec.Payout)
	}
}

func TestExecuteSettle_DNPayoutExceedsCustody(t *testing.T) {
	f := newFixture(t)
	mv := f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	f.tokens.Mint("kUSDC", "inst-a", 100_000)
	f.tokens.Mint("USDC", "dn-1", 10_000)
	f.rt.Virtual().RequestPull("dn-1", b.ID, 10_000)

	f.closeBatch("dn-1", b.ID)
	// The custodian reports less than the batch owes out.
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 5_000, -10_000, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	f.advance(time.Hour)
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, adapter.ErrInsufficientAssets) {
		t.Fatalf("got %v, want ErrInsufficientAssets", err)
	}
	got, _ := mv.Batches.GetBatch(b.ID)
	if got.IsSettled {
		t.Error("batch marked settled after failed custody check")
	}

	// A corrected observation settles the same batch.
	if _, err := f.rt.UpdateProposal("relayer", p.ID, 100_000, -10_000, 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); err != nil {
		t.Fatal(err)
	}
}

func TestTransferVirtual_MovesClaimAndTokens(t *testing.T) {
	f := newFixture(t)
	f.addVault("stk-1", "kUSDC", "stkUSDC", registry.VaultTypeStaking)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	sb := f.openBatch("stk-1")
	db := f.openBatch("dn-1")

	// Settled stakes sit in the retail vault as kUSDC; route them into
	// the underlying vault's current batch so they earn there. The vault
	// wallet also holds 10k of already-settled backing with no live claim.
	f.tokens.Mint("kUSDC", "stk-1", 50_000)
	f.rt.Virtual().Push("stk-1", sb.ID, 40_000)

	if err := f.rt.TransferVirtual("inst-a", "stk-1", "dn-1", 25_000); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("institution: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.TransferVirtual("relayer", "stk-1", "dn-1", 45_000); !errors.Is(err, router.ErrVirtualUnderflow) {
		t.Errorf("overdraw: got %v, want ErrVirtualUnderflow", err)
	}
	if err := f.rt.TransferVirtual("relayer", "stk-1", "dn-1", 25_000); err != nil {
		t.Fatal(err)
	}

	if got := f.rt.Virtual().Balance("stk-1", sb.ID).Deposited; got != 15_000 {
		t.Errorf("source deposited: got %d, want 15_000", got)
	}
	if got := f.rt.Virtual().Balance("dn-1", db.ID).Deposited; got != 25_000 {
		t.Errorf("target deposited: got %d, want 25_000", got)
	}
	if got := f.tokens.Balance("kUSDC", "stk-1"); got != 25_000 {
		t.Errorf("source tokens: got %d, want 25_000", got)
	}
	if got := f.tokens.Balance("kUSDC", "dn-1"); got != 25_000 {
		t.Errorf("target tokens: got %d, want 25_000", got)
	}
}

func TestTransferVirtual_Rejections(t *testing.T) {
	f := newFixture(t)
	f.addVault("stk-1", "kUSDC", "stkUSDC", registry.VaultTypeStaking)
	f.addVault("dn-2", "EURC", "kEURC", registry.VaultTypeDN)
	f.openBatch("stk-1")
	f.openBatch("dn-2")

	f.tokens.Mint("kUSDC", "stk-1", 10_000)
	f.rt.Virtual().Push("stk-1", f.mustCurrentBatch("stk-1"), 10_000)

	// kUSDC claims cannot land in a EURC-denominated batch.
	if err := f.rt.TransferVirtual("relayer", "stk-1", "dn-2", 5_000); !errors.Is(err, router.ErrAssetMismatch) {
		t.Errorf("got %v, want ErrAssetMismatch", err)
	}
	if err := f.rt.TransferVirtual("relayer", "stk-1", "stk-1", 5_000); err == nil {
		t.Error("self transfer should be rejected")
	}
	if err := f.rt.TransferVirtual("relayer", "stk-1", "ghost", 5_000); !errors.Is(err, router.ErrVaultNotManaged) {
		t.Errorf("unknown target: got %v, want ErrVaultNotManaged", err)
	}

	if err := f.rt.SetVaultPaused("guard", "dn-2", true); err != nil {
		t.Fatal(err)
	}
	if err := f.rt.TransferVirtual("relayer", "stk-1", "dn-2", 5_000); !errors.Is(err, router.ErrVaultPaused) {
		t.Errorf("paused target: got %v, want ErrVaultPaused", err)
	}
}

func (f *fixture) mustCurrentBatch(vaultID string) vault.BatchID {
	f.t.Helper()
	mv, err := f.rt.Vault(vaultID)
	if err != nil {
		f.t.Fatal(err)
	}
	id, err := mv.Batches.CurrentBatchID()
	if err != nil {
		f.t.Fatal(err)
	}
	return id
}

func TestVaultPause_BlocksOnlyThatVault(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	f.addVault("dn-2", "EURC", "kEURC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")
	f.closeBatch("dn-1", b.ID)
	p, _ := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 0, 0, 0, false)
	f.advance(time.Hour)

	if err := f.rt.SetVaultPaused("inst-a", "dn-1", true); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("pause by institution: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.SetVaultPaused("guard", "ghost", true); !errors.Is(err, router.ErrVaultNotManaged) {
		t.Errorf("pause unknown vault: got %v, want ErrVaultNotManaged", err)
	}
	if err := f.rt.SetVaultPaused("guard", "dn-1", true); err != nil {
		t.Fatal(err)
	}
	if !f.rt.IsVaultPaused("dn-1") {
		t.Error("vault should report paused")
	}

	if _, err := f.rt.CreateNewBatch("relayer", "dn-1"); !errors.Is(err, router.ErrVaultPaused) {
		t.Errorf("create on paused vault: got %v, want ErrVaultPaused", err)
	}
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); !errors.Is(err, router.ErrVaultPaused) {
		t.Errorf("execute on paused vault: got %v, want ErrVaultPaused", err)
	}
	// The sibling vault keeps operating.
	if _, err := f.rt.CreateNewBatch("relayer", "dn-2"); err != nil {
		t.Errorf("sibling vault: %v", err)
	}

	if err := f.rt.SetVaultPaused("guard", "dn-1", false); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("unpause by guardian: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.SetVaultPaused("emergency", "dn-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rt.ExecuteSettleBatch("relayer", p.ID); err != nil {
		t.Errorf("execute after unpause: %v", err)
	}
}

func TestExecuteSettle_ConservesAssets(t *testing.T) {
	f := newFixture(t)
	mv := f.addVault("stk-1", "kUSDC", "stkUSDC", registry.VaultTypeStaking)
	b := f.openBatch("stk-1")

	f.tokens.Mint("stkUSDC", "staker", 100_000)
	f.tokens.Mint("kUSDC", "stk-1", 120_000)
	f.tokens.Mint("kUSDC", mv.EscrowAccount(), 50_000)
	f.rt.Virtual().Push("stk-1", b.ID, 50_000)
	f.rt.Virtual().RequestSharesPull("stk-1", b.ID, 10_000)

	before := f.tokens.Balance("kUSDC", "stk-1") + f.tokens.Balance("kUSDC", mv.EscrowAccount())

	f.closeBatch("stk-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "stk-1", b.ID, 120_000, 50_000, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	f.advance(time.Hour)
	rec, err := f.rt.ExecuteSettleBatch("relayer", p.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Settlement only shuffles custody: what the vault retains plus what
	// the receiver pays out must equal everything it held going in.
	rcv, err := f.receivers.Get(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	retained := f.tokens.Balance("kUSDC", "stk-1")
	payable := f.tokens.Balance("kUSDC", rcv.Account())
	if retained+payable != before {
		t.Errorf("conservation: retained %d + payable %d != %d", retained, payable, before)
	}
	if payable != rec.Payout {
		t.Errorf("receiver holds %d, settlement paid out %d", payable, rec.Payout)
	}
	if got := f.tokens.Balance("kUSDC", mv.EscrowAccount()); got != 0 {
		t.Errorf("escrow residue: %d", got)
	}
}

func TestExecuteSettle_DNConservesAssets(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)
	b := f.openBatch("dn-1")

	f.tokens.Mint("kUSDC", "inst-a", 100_000)
	f.tokens.Mint("USDC", "dn-1", 110_000)
	f.rt.Virtual().Push("dn-1", b.ID, 30_000)
	f.rt.Virtual().RequestPull("dn-1", b.ID, 10_000)

	f.closeBatch("dn-1", b.ID)
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 110_000, 20_000, 10_000, true)
	if err != nil {
		t.Fatal(err)
	}
	f.advance(time.Hour)
	rec, err := f.rt.ExecuteSettleBatch("relayer", p.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Custody after settlement plus the receiver's payable equals the
	// observed total: yield is distributed, never minted or burned.
	rcv, err := f.receivers.Get(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	custody := f.adp.TotalAssets("dn-1", "USDC")
	payable := f.tokens.Balance("USDC", rcv.Account())
	if custody+payable != p.TotalAssets {
		t.Errorf("conservation: custody %d + payable %d != %d", custody, payable, p.TotalAssets)
	}
	if payable != rec.Payout {
		t.Errorf("receiver holds %d, settlement paid out %d", payable, rec.Payout)
	}
}

func TestSetAdapterTotals(t *testing.T) {
	f := newFixture(t)
	f.addVault("dn-1", "USDC", "kUSDC", registry.VaultTypeDN)

	if err := f.rt.SetAdapterTotals("inst-a", "dn-1", 500); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("institution: got %v, want ErrNotAuthorized", err)
	}
	if err := f.rt.SetAdapterTotals("relayer", "ghost", 500); !errors.Is(err, router.ErrVaultNotManaged) {
		t.Errorf("unknown vault: got %v, want ErrVaultNotManaged", err)
	}
	if err := f.rt.SetAdapterTotals("relayer", "dn-1", 500); err != nil {
		t.Fatal(err)
	}
	if got := f.adp.TotalAssets("dn-1", "USDC"); got != 500 {
		t.Errorf("adapter: got %d, want 500", got)
	}
}
