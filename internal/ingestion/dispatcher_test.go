package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"KamSettle/internal/adapter"
	"KamSettle/internal/fees"
	"KamSettle/internal/ingestion"
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
	t      *testing.T
	rt     *router.Router
	tokens *token.Ledger

	acked []string
	naked []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New()
	tokens := token.NewLedger()
	adp := adapter.NewCustodialAdapter("kam-router")
	receivers := vault.NewReceiverFactory(tokens)

	f := &fixture{t: t, tokens: tokens}
	f.rt = router.New(router.Config{ID: "kam-router"}, reg, tokens, adp, receivers, testMetrics, nil, nil)

	reg.Grant("", "admin", registry.RoleAdmin)
	reg.Grant("admin", "relayer", registry.RoleRelayer)

	if err := reg.RegisterVault("admin", "dn-1", "USDC", registry.VaultTypeDN); err != nil {
		t.Fatal(err)
	}
	mv := &router.ManagedVault{
		ID:         "dn-1",
		Asset:      "USDC",
		ShareToken: "kUSDC",
		Type:       registry.VaultTypeDN,
		Batches:    vault.NewBatchManager("dn-1", "USDC", 1),
		Requests:   vault.NewRequestLedger(),
		Fees:       fees.NewEngine(time.Unix(1_700_000_000, 0)),
	}
	if err := f.rt.RegisterVault(mv); err != nil {
		t.Fatal(err)
	}
	return f
}

// cmd builds a raw command whose ack/nak outcome is recorded on the
// fixture under the given tag.
func (f *fixture) cmd(subject, tag string, body any) ingestion.RawCommand {
	f.t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		f.t.Fatal(err)
	}
	return ingestion.RawCommand{
		Subject:    subject,
		Data:       data,
		ReceivedAt: time.Now(),
		AckFunc:    func() { f.acked = append(f.acked, tag) },
		NakFunc:    func() { f.naked = append(f.naked, tag) },
	}
}

// run feeds the commands through a dispatcher and drains them to
// completion.
func (f *fixture) run(cmds ...ingestion.RawCommand) {
	f.t.Helper()
	input := make(chan ingestion.RawCommand, len(cmds))
	for _, c := range cmds {
		input <- c
	}
	close(input)

	d := ingestion.NewDispatcher(f.rt, input, testMetrics)
	if err := d.Run(context.Background()); err != nil {
		f.t.Fatalf("run: %v", err)
	}
}

func contains(list []string, tag string) bool {
	for _, v := range list {
		if v == tag {
			return true
		}
	}
	return false
}

func TestDispatcher_BatchLifecycleCommands(t *testing.T) {
	f := newFixture(t)

	f.run(f.cmd(ingestion.SubjectBatchCreate, "create", map[string]any{
		"caller": "relayer", "vault_id": "dn-1",
	}))
	if !contains(f.acked, "create") {
		t.Fatalf("create not acked: acked=%v naked=%v", f.acked, f.naked)
	}

	mv, err := f.rt.Vault("dn-1")
	if err != nil {
		t.Fatal(err)
	}
	batchID, err := mv.Batches.CurrentBatchID()
	if err != nil {
		t.Fatal(err)
	}

	f.run(f.cmd(ingestion.SubjectBatchClose, "close", map[string]any{
		"caller": "relayer", "vault_id": "dn-1", "batch_id": string(batchID),
	}))
	if !contains(f.acked, "close") {
		t.Errorf("close not acked: acked=%v naked=%v", f.acked, f.naked)
	}

	got, err := mv.Batches.GetBatch(batchID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsClosed {
		t.Errorf("batch %s still open after close command", batchID)
	}
}

func TestDispatcher_RejectedCommandsAreAcked(t *testing.T) {
	f := newFixture(t)

	f.run(
		// Malformed JSON can never succeed on redelivery.
		ingestion.RawCommand{
			Subject: ingestion.SubjectBatchCreate,
			Data:    []byte("{not json"),
			AckFunc: func() { f.acked = append(f.acked, "malformed") },
			NakFunc: func() { f.naked = append(f.naked, "malformed") },
		},
		f.cmd("kam.cmd.nope", "unknown", map[string]any{"caller": "relayer"}),
		// Unauthorized caller is a permanent rejection, not a retry.
		f.cmd(ingestion.SubjectBatchCreate, "unauthorized", map[string]any{
			"caller": "someone", "vault_id": "dn-1",
		}),
		f.cmd(ingestion.SubjectSettlementPropose, "negative", map[string]any{
			"caller": "relayer", "vault_id": "dn-1", "batch_id": "b", "total_assets": -1,
		}),
		f.cmd(ingestion.SubjectSettlementPropose, "negative_yield", map[string]any{
			"caller": "relayer", "vault_id": "dn-1", "batch_id": "b", "total_assets": 10, "yield": -5,
		}),
	)

	for _, tag := range []string{"malformed", "unknown", "unauthorized", "negative", "negative_yield"} {
		if !contains(f.acked, tag) {
			t.Errorf("%s: not acked (acked=%v)", tag, f.acked)
		}
		if contains(f.naked, tag) {
			t.Errorf("%s: unexpectedly naked", tag)
		}
	}
}

func TestDispatcher_VirtualTransferCommand(t *testing.T) {
	f := newFixture(t)

	// Retail vault whose kUSDC stakes route into dn-1's batch.
	stk := &router.ManagedVault{
		ID:         "stk-1",
		Asset:      "kUSDC",
		ShareToken: "stkUSDC",
		Type:       registry.VaultTypeStaking,
		Batches:    vault.NewBatchManager("stk-1", "kUSDC", 1),
		Requests:   vault.NewRequestLedger(),
		Fees:       fees.NewEngine(time.Unix(1_700_000_000, 0)),
	}
	if err := f.rt.RegisterVault(stk); err != nil {
		t.Fatal(err)
	}
	sb, err := f.rt.CreateNewBatch("relayer", "stk-1")
	if err != nil {
		t.Fatal(err)
	}
	db, err := f.rt.CreateNewBatch("relayer", "dn-1")
	if err != nil {
		t.Fatal(err)
	}
	f.tokens.Mint("kUSDC", "stk-1", 30_000)
	f.rt.Virtual().Push("stk-1", sb.ID, 30_000)

	f.run(f.cmd(ingestion.SubjectVirtualTransfer, "transfer", map[string]any{
		"caller": "relayer", "source_vault": "stk-1", "target_vault": "dn-1", "amount": 12_000,
	}))
	if !contains(f.acked, "transfer") {
		t.Fatalf("transfer not acked: acked=%v naked=%v", f.acked, f.naked)
	}

	if got := f.rt.Virtual().Balance("dn-1", db.ID).Deposited; got != 12_000 {
		t.Errorf("target deposited: got %d, want 12_000", got)
	}
	if got := f.tokens.Balance("kUSDC", "dn-1"); got != 12_000 {
		t.Errorf("target tokens: got %d, want 12_000", got)
	}
}

func TestDispatcher_CooldownFailureIsRedelivered(t *testing.T) {
	f := newFixture(t)

	b, err := f.rt.CreateNewBatch("relayer", "dn-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.rt.CloseBatch("relayer", "dn-1", b.ID, false); err != nil {
		t.Fatal(err)
	}
	p, err := f.rt.ProposeSettleBatch("relayer", "dn-1", b.ID, 100_000, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	// The cooldown has not elapsed, so execution should NAK for a later
	// redelivery instead of burning the message.
	f.run(f.cmd(ingestion.SubjectSettlementExecute, "early", map[string]any{
		"caller": "relayer", "proposal_id": p.ID,
	}))

	if !contains(f.naked, "early") {
		t.Errorf("early execute: not naked (acked=%v naked=%v)", f.acked, f.naked)
	}
	if contains(f.acked, "early") {
		t.Errorf("early execute: unexpectedly acked")
	}
}
