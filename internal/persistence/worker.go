package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"KamSettle/internal/observability"
	"KamSettle/internal/router"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

// Worker drains the router's persist channel and batch-writes state to
// Postgres. The channel uses blocking sends, so if the worker falls
// behind the router stalls rather than losing a mutation.
type Worker struct {
	store  *Store
	input  <-chan router.Event
	rt     *router.Router
	tokens *token.Ledger

	batchSize    int
	flushTimeout time.Duration

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewWorker(
	store *Store,
	input <-chan router.Event,
	rt *router.Router,
	tokens *token.Ledger,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		store:        store,
		input:        input,
		rt:           rt,
		tokens:       tokens,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       observability.NewLogger("persistence"),
		metrics:      metrics,
	}
}

// Run starts the worker loop. It batches incoming events and flushes
// either when the batch is full or the flush timeout expires. Blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]router.Event, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, evt)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never
// drops a batch: it retries until the write succeeds or shutdown forces
// one last attempt on a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []router.Event) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.metrics.PersistRetry.Inc()
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
	}
}

// flush writes one event batch in a single transaction, then refreshes
// the balance snapshots for every vault the batch touched.
func (w *Worker) flush(ctx context.Context, batch []router.Event) error {
	start := time.Now()

	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		return err
	}
	defer tx.Rollback()

	touched := make(map[string]bool)
	for _, evt := range batch {
		if err := w.apply(ctx, tx, evt); err != nil {
			w.metrics.PersistErrors.WithLabelValues("apply").Inc()
			return fmt.Errorf("apply %s: %w", evt.Type, err)
		}
		if err := w.store.AppendEvent(ctx, tx, evt); err != nil {
			w.metrics.PersistErrors.WithLabelValues("event_log").Inc()
			return err
		}
		if evt.VaultID != "" {
			touched[evt.VaultID] = true
		}
		if evt.Transfer != nil {
			touched[evt.Transfer.TargetVault] = true
		}
	}

	if len(touched) > 0 {
		snapshot := w.rt.Virtual().Snapshot()
		for vaultID := range touched {
			if err := w.store.ReplaceVirtualBalances(ctx, tx, vaultID, snapshot[vaultID]); err != nil {
				w.metrics.PersistErrors.WithLabelValues("virtual_balances").Inc()
				return err
			}
		}
		if err := w.store.ReplaceTokenBalances(ctx, tx, w.tokens.Snapshot()); err != nil {
			w.metrics.PersistErrors.WithLabelValues("token_balances").Inc()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		return err
	}

	w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	w.metrics.PersistWrites.Add(float64(len(batch)))
	return nil
}

func (w *Worker) apply(ctx context.Context, tx *sql.Tx, evt router.Event) error {
	switch evt.Type {
	case router.EventBatchCreated:
		return w.store.UpsertBatch(ctx, tx, batchRowFrom(evt, true))

	case router.EventBatchClosed:
		return w.store.UpsertBatch(ctx, tx, batchRowFrom(evt, false))

	case router.EventBatchSettled:
		rec := evt.Settlement
		if err := w.store.MarkBatchSettled(ctx, tx, rec.BatchID, rec.ReceiverID); err != nil {
			return err
		}
		if err := w.store.InsertSettlement(ctx, tx, *rec); err != nil {
			return err
		}
		if err := w.store.UpsertFeeState(ctx, tx, rec.VaultID, *rec); err != nil {
			return err
		}
		return w.store.UpsertReceiver(ctx, tx, vault.BatchReceiver{
			ID:      rec.ReceiverID,
			BatchID: rec.BatchID,
			VaultID: rec.VaultID,
			Asset:   rec.Asset,
		})

	case router.EventProposalCreated, router.EventProposalUpdated,
		router.EventProposalCancelled, router.EventProposalExecuted:
		return w.store.UpsertProposal(ctx, tx, *evt.Proposal)

	case router.EventRequestCreated, router.EventRequestCancelled, router.EventRequestClaimed:
		return w.store.UpsertRequest(ctx, tx, evt.VaultID, *evt.Request)

	case router.EventPauseChanged:
		key := "paused"
		if evt.VaultID != "" {
			key = "vault_paused:" + evt.VaultID
		}
		return w.store.SetDaemonState(ctx, tx, key, strconv.FormatBool(*evt.Paused))

	case router.EventCooldownChanged:
		return w.store.SetDaemonState(ctx, tx, "settlement_cooldown", evt.Cooldown.String())
	}
	return nil
}

func batchRowFrom(evt router.Event, isCurrent bool) BatchRow {
	b := evt.Batch
	return BatchRow{
		BatchID:    string(b.ID),
		VaultID:    b.VaultID,
		Asset:      b.Asset,
		Number:     b.Number,
		CreatedAt:  b.CreatedAt,
		IsClosed:   b.IsClosed,
		IsSettled:  b.IsSettled,
		IsCurrent:  isCurrent && !b.IsClosed,
		ReceiverID: b.Receiver,
	}
}
