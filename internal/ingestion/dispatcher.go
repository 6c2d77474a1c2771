package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"KamSettle/internal/observability"
	"KamSettle/internal/router"
	"KamSettle/internal/vault"
)

// Command subjects. The relayer drives the batch and settlement
// lifecycle over these; everything else goes through the HTTP API.
const (
	SubjectBatchCreate       = "kam.cmd.batch.create"
	SubjectBatchClose        = "kam.cmd.batch.close"
	SubjectSettlementPropose = "kam.cmd.settlement.propose"
	SubjectSettlementUpdate  = "kam.cmd.settlement.update"
	SubjectSettlementCancel  = "kam.cmd.settlement.cancel"
	SubjectSettlementExecute = "kam.cmd.settlement.execute"
	SubjectAdapterTotals     = "kam.cmd.adapter.totals"
	SubjectVirtualTransfer   = "kam.cmd.virtual.transfer"
)

// Dispatcher parses raw command messages and applies them to the
// router. Commands carry the caller identity; authorization happens in
// the router against the role registry, not here.
type Dispatcher struct {
	rt      *router.Router
	input   <-chan RawCommand
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(rt *router.Router, input <-chan RawCommand, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		rt:      rt,
		input:   input,
		logger:  observability.NewLogger("dispatcher"),
		metrics: metrics,
	}
}

// Run drains the command channel until ctx is cancelled or the channel
// closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

// handle applies one command. Malformed or rejected commands are ACKed
// so JetStream does not redeliver something that can never succeed;
// only transient internal failures get a NAK.
func (d *Dispatcher) handle(raw RawCommand) {
	start := time.Now()

	err := d.dispatch(raw)
	d.metrics.IngestDuration.WithLabelValues(raw.Subject).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		d.metrics.IngestMessages.WithLabelValues(raw.Subject, "ok").Inc()
		raw.AckFunc()

	case isTransient(err):
		d.metrics.IngestMessages.WithLabelValues(raw.Subject, "retry").Inc()
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command failed, will redeliver")
		raw.NakFunc()

	default:
		d.metrics.IngestMessages.WithLabelValues(raw.Subject, "rejected").Inc()
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command rejected")
		raw.AckFunc()
	}
}

func (d *Dispatcher) dispatch(raw RawCommand) error {
	switch raw.Subject {
	case SubjectBatchCreate:
		var c batchCreateCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		b, err := d.rt.CreateNewBatch(c.Caller, c.VaultID)
		if err != nil {
			return err
		}
		d.logger.Info().Str("vault", c.VaultID).Str("batch", string(b.ID)).Msg("batch created")
		return nil

	case SubjectBatchClose:
		var c batchCloseCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		_, err := d.rt.CloseBatch(c.Caller, c.VaultID, vault.BatchID(c.BatchID), c.CreateNext)
		return err

	case SubjectSettlementPropose:
		var c proposeCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		if c.TotalAssets < 0 {
			return fmt.Errorf("%w: negative total_assets", errInvalidCommand)
		}
		if c.Yield < 0 {
			return fmt.Errorf("%w: negative yield", errInvalidCommand)
		}
		p, err := d.rt.ProposeSettleBatch(c.Caller, c.VaultID, vault.BatchID(c.BatchID), c.TotalAssets, c.Netted, c.Yield, c.Profit)
		if err != nil {
			return err
		}
		d.logger.Info().
			Str("vault", c.VaultID).
			Str("proposal", p.ID).
			Int64("total_assets", c.TotalAssets).
			Int64("netted", c.Netted).
			Int64("yield", c.Yield).
			Bool("profit", c.Profit).
			Time("execute_after", p.ExecuteAfter).
			Msg("settlement proposed")
		return nil

	case SubjectSettlementUpdate:
		var c proposalUpdateCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		if c.TotalAssets < 0 {
			return fmt.Errorf("%w: negative total_assets", errInvalidCommand)
		}
		if c.Yield < 0 {
			return fmt.Errorf("%w: negative yield", errInvalidCommand)
		}
		_, err := d.rt.UpdateProposal(c.Caller, c.ProposalID, c.TotalAssets, c.Netted, c.Yield, c.Profit)
		return err

	case SubjectSettlementCancel:
		var c proposalRefCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		_, err := d.rt.CancelProposal(c.Caller, c.ProposalID)
		return err

	case SubjectSettlementExecute:
		var c proposalRefCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		rec, err := d.rt.ExecuteSettleBatch(c.Caller, c.ProposalID)
		if err != nil {
			return err
		}
		d.logger.Info().
			Str("vault", rec.VaultID).
			Str("batch", string(rec.BatchID)).
			Int64("net_share_price", rec.NetSharePrice).
			Int64("total_fees", rec.TotalFees).
			Msg("batch settled")
		return nil

	case SubjectAdapterTotals:
		var c adapterTotalsCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		if c.TotalAssets < 0 {
			return fmt.Errorf("%w: negative total_assets", errInvalidCommand)
		}
		return d.rt.SetAdapterTotals(c.Caller, c.VaultID, c.TotalAssets)

	case SubjectVirtualTransfer:
		var c virtualTransferCmd
		if err := parseCmd(raw.Data, &c); err != nil {
			return err
		}
		if err := d.rt.TransferVirtual(c.Caller, c.SourceVault, c.TargetVault, c.Amount); err != nil {
			return err
		}
		d.logger.Info().
			Str("source", c.SourceVault).
			Str("target", c.TargetVault).
			Int64("amount", c.Amount).
			Msg("virtual claim transferred")
		return nil

	default:
		return fmt.Errorf("%w: unknown subject %s", errInvalidCommand, raw.Subject)
	}
}

var errInvalidCommand = errors.New("invalid command")

// isTransient reports whether a command failure is worth redelivering.
// A cooldown that has not elapsed will elapse; everything else is a
// permanent rejection for this message.
func isTransient(err error) bool {
	return errors.Is(err, router.ErrCooldownActive)
}

func parseCmd(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	return nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type batchCreateCmd struct {
	Caller  string `json:"caller"`
	VaultID string `json:"vault_id"`
}

type batchCloseCmd struct {
	Caller     string `json:"caller"`
	VaultID    string `json:"vault_id"`
	BatchID    string `json:"batch_id"`
	CreateNext bool   `json:"create_next"`
}

type proposeCmd struct {
	Caller      string `json:"caller"`
	VaultID     string `json:"vault_id"`
	BatchID     string `json:"batch_id"`
	TotalAssets int64  `json:"total_assets"`
	Netted      int64  `json:"netted"`
	Yield       int64  `json:"yield"`
	Profit      bool   `json:"profit"`
}

type proposalUpdateCmd struct {
	Caller      string `json:"caller"`
	ProposalID  string `json:"proposal_id"`
	TotalAssets int64  `json:"total_assets"`
	Netted      int64  `json:"netted"`
	Yield       int64  `json:"yield"`
	Profit      bool   `json:"profit"`
}

type proposalRefCmd struct {
	Caller     string `json:"caller"`
	ProposalID string `json:"proposal_id"`
}

type adapterTotalsCmd struct {
	Caller      string `json:"caller"`
	VaultID     string `json:"vault_id"`
	TotalAssets int64  `json:"total_assets"`
}

type virtualTransferCmd struct {
	Caller      string `json:"caller"`
	SourceVault string `json:"source_vault"`
	TargetVault string `json:"target_vault"`
	Amount      int64  `json:"amount"`
}
