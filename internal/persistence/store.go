package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"KamSettle/internal/router"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

// Store reads and writes the daemon's durable state in Postgres. All
// writes are idempotent upserts so a replayed event batch cannot corrupt
// rows, and all writers accept an open transaction.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB { return s.db }

// BatchRow mirrors kam.batches.
type BatchRow struct {
	BatchID    string
	VaultID    string
	Asset      string
	Number     uint64
	CreatedAt  time.Time
	IsClosed   bool
	IsSettled  bool
	IsCurrent  bool
	ReceiverID string
}

// RequestRow mirrors kam.requests. VaultID routes the row back to its
// vault's request ledger on startup.
type RequestRow struct {
	VaultID string
	Request vault.Request
}

// UpsertBatch writes one batch row, clearing the vault's previous
// current flag when this batch takes it over.
func (s *Store) UpsertBatch(ctx context.Context, tx *sql.Tx, row BatchRow) error {
	if row.IsCurrent {
		if _, err := tx.ExecContext(ctx,
			`UPDATE kam.batches SET is_current = FALSE WHERE vault_id = $1 AND is_current`,
			row.VaultID,
		); err != nil {
			return fmt.Errorf("clear current batch: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.batches
			(batch_id, vault_id, asset, number, created_at, is_closed, is_settled, is_current, receiver_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (batch_id) DO UPDATE SET
			is_closed = EXCLUDED.is_closed,
			is_settled = EXCLUDED.is_settled,
			is_current = EXCLUDED.is_current,
			receiver_id = EXCLUDED.receiver_id`,
		row.BatchID, row.VaultID, row.Asset, int64(row.Number), row.CreatedAt,
		row.IsClosed, row.IsSettled, row.IsCurrent, row.ReceiverID,
	)
	return err
}

func (s *Store) UpsertProposal(ctx context.Context, tx *sql.Tx, p router.SettlementProposal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.settlement_proposals
			(proposal_id, vault_id, batch_id, asset, total_assets, netted_amount,
			 yield, profit, proposed_at, execute_after, last_updated, executed, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (proposal_id) DO UPDATE SET
			total_assets = EXCLUDED.total_assets,
			netted_amount = EXCLUDED.netted_amount,
			yield = EXCLUDED.yield,
			profit = EXCLUDED.profit,
			execute_after = EXCLUDED.execute_after,
			last_updated = EXCLUDED.last_updated,
			executed = EXCLUDED.executed,
			cancelled = EXCLUDED.cancelled`,
		p.ID, p.VaultID, string(p.BatchID), p.Asset, p.TotalAssets, p.NettedAmount,
		p.Yield, p.Profit, p.ProposedAt, p.ExecuteAfter, p.LastUpdated, p.Executed, p.Cancelled,
	)
	return err
}

func (s *Store) InsertSettlement(ctx context.Context, tx *sql.Tx, rec router.SettlementRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.settlements
			(vault_id, batch_id, proposal_id, asset, total_assets, yield, profit,
			 gross_share_price, net_share_price, management_fees, performance_fees, total_fees,
			 deposited, requested, requested_shares, payout, receiver_id, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (vault_id, batch_id) DO NOTHING`,
		rec.VaultID, string(rec.BatchID), rec.ProposalID, rec.Asset, rec.TotalAssets, rec.Yield, rec.Profit,
		rec.GrossSharePrice, rec.NetSharePrice, rec.ManagementFees, rec.PerformanceFees, rec.TotalFees,
		rec.Deposited, rec.Requested, rec.RequestedShares, rec.Payout, rec.ReceiverID, rec.SettledAt,
	)
	return err
}

// MarkBatchSettled flips the terminal flag and records the receiver.
func (s *Store) MarkBatchSettled(ctx context.Context, tx *sql.Tx, batchID vault.BatchID, receiverID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE kam.batches SET is_settled = TRUE, receiver_id = $2 WHERE batch_id = $1`,
		string(batchID), receiverID,
	)
	return err
}

// UpsertFeeState ratchets the durable fee checkpoints after a
// settlement. The watermark only ever moves up, enforced with GREATEST.
func (s *Store) UpsertFeeState(ctx context.Context, tx *sql.Tx, vaultID string, rec router.SettlementRecord) error {
	netAssets := rec.TotalAssets - rec.TotalFees
	if netAssets < 0 {
		netAssets = 0
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.fee_state (vault_id, watermark, last_mgmt_ts, last_perf_ts, last_total_assets)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (vault_id) DO UPDATE SET
			watermark = GREATEST(kam.fee_state.watermark, EXCLUDED.watermark),
			last_mgmt_ts = EXCLUDED.last_mgmt_ts,
			last_perf_ts = EXCLUDED.last_perf_ts,
			last_total_assets = EXCLUDED.last_total_assets`,
		vaultID, rec.NetSharePrice, rec.SettledAt.Unix(), netAssets,
	)
	return err
}

func (s *Store) UpsertRequest(ctx context.Context, tx *sql.Tx, vaultID string, req vault.Request) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.requests
			(request_id, vault_id, kind, requester, recipient, amount, batch_id, requested_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO UPDATE SET status = EXCLUDED.status`,
		req.ID, vaultID, int16(req.Kind), req.Requester, req.Recipient,
		req.Amount, string(req.BatchID), req.RequestedAt, int16(req.Status),
	)
	return err
}

// ReplaceVirtualBalances rewrites a vault's live accumulators with a
// multi-row upsert and drops rows for batches no longer live.
func (s *Store) ReplaceVirtualBalances(ctx context.Context, tx *sql.Tx, vaultID string, balances map[vault.BatchID]router.VirtualBalance) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kam.virtual_balances WHERE vault_id = $1`, vaultID,
	); err != nil {
		return err
	}
	if len(balances) == 0 {
		return nil
	}

	values := make([]string, 0, len(balances))
	args := make([]interface{}, 0, len(balances)*5)
	i := 0
	for batchID, b := range balances {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, vaultID, string(batchID), b.Deposited, b.Requested, b.RequestedShares)
		i++
	}

	query := `INSERT INTO kam.virtual_balances (vault_id, batch_id, deposited, requested, requested_shares) VALUES ` +
		strings.Join(values, ", ")
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ReplaceTokenBalances rewrites the token balance snapshot with
// multi-row upserts, chunked to stay under Postgres parameter limits.
func (s *Store) ReplaceTokenBalances(ctx context.Context, tx *sql.Tx, snapshot map[token.HolderKey]int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM kam.token_balances`); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	const chunkSize = 1000
	values := make([]string, 0, chunkSize)
	args := make([]interface{}, 0, chunkSize*3)

	flush := func() error {
		if len(values) == 0 {
			return nil
		}
		query := `INSERT INTO kam.token_balances (token, holder, amount) VALUES ` +
			strings.Join(values, ", ")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		values = values[:0]
		args = args[:0]
		return nil
	}

	for key, amount := range snapshot {
		base := len(values) * 3
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, key.Token, key.Holder, amount)
		if len(values) >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// UpsertReceiver records a deployed batch receiver.
func (s *Store) UpsertReceiver(ctx context.Context, tx *sql.Tx, r vault.BatchReceiver) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.receivers (receiver_id, batch_id, vault_id, asset)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO NOTHING`,
		r.ID, string(r.BatchID), r.VaultID, r.Asset,
	)
	return err
}

// SetDaemonState stores one operator-controlled setting (pause flag,
// cooldown duration).
func (s *Store) SetDaemonState(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kam.daemon_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value,
	)
	return err
}

// AppendEvent writes one row to the append-only event log.
func (s *Store) AppendEvent(ctx context.Context, tx *sql.Tx, evt router.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kam.events (event_type, vault_id, asset, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(evt.Type), evt.VaultID, evt.Asset, payload, evt.At,
	)
	return err
}

// --- Startup loaders ---

func (s *Store) LoadBatches(ctx context.Context) ([]BatchRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, vault_id, asset, number, created_at, is_closed, is_settled, is_current, receiver_id
		FROM kam.batches ORDER BY vault_id, number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRow
	for rows.Next() {
		var r BatchRow
		var number int64
		if err := rows.Scan(&r.BatchID, &r.VaultID, &r.Asset, &number, &r.CreatedAt,
			&r.IsClosed, &r.IsSettled, &r.IsCurrent, &r.ReceiverID); err != nil {
			return nil, err
		}
		r.Number = uint64(number)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LoadProposals(ctx context.Context) ([]router.SettlementProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, vault_id, batch_id, asset, total_assets, netted_amount,
		       yield, profit, proposed_at, execute_after, last_updated, executed, cancelled
		FROM kam.settlement_proposals ORDER BY proposed_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []router.SettlementProposal
	for rows.Next() {
		var p router.SettlementProposal
		var batchID string
		if err := rows.Scan(&p.ID, &p.VaultID, &batchID, &p.Asset, &p.TotalAssets, &p.NettedAmount,
			&p.Yield, &p.Profit, &p.ProposedAt, &p.ExecuteAfter, &p.LastUpdated, &p.Executed, &p.Cancelled); err != nil {
			return nil, err
		}
		p.BatchID = vault.BatchID(batchID)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) LoadSettlements(ctx context.Context) ([]router.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, batch_id, proposal_id, asset, total_assets, yield, profit,
		       gross_share_price, net_share_price, management_fees, performance_fees, total_fees,
		       deposited, requested, requested_shares, payout, receiver_id, settled_at
		FROM kam.settlements`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []router.SettlementRecord
	for rows.Next() {
		var rec router.SettlementRecord
		var batchID string
		if err := rows.Scan(&rec.VaultID, &batchID, &rec.ProposalID, &rec.Asset, &rec.TotalAssets, &rec.Yield, &rec.Profit,
			&rec.GrossSharePrice, &rec.NetSharePrice, &rec.ManagementFees, &rec.PerformanceFees, &rec.TotalFees,
			&rec.Deposited, &rec.Requested, &rec.RequestedShares, &rec.Payout, &rec.ReceiverID, &rec.SettledAt); err != nil {
			return nil, err
		}
		rec.BatchID = vault.BatchID(batchID)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LoadRequests(ctx context.Context) ([]RequestRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, vault_id, kind, requester, recipient, amount, batch_id, requested_at, status
		FROM kam.requests ORDER BY requested_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestRow
	for rows.Next() {
		var r RequestRow
		var kind, status int16
		var batchID string
		if err := rows.Scan(&r.Request.ID, &r.VaultID, &kind, &r.Request.Requester, &r.Request.Recipient,
			&r.Request.Amount, &batchID, &r.Request.RequestedAt, &status); err != nil {
			return nil, err
		}
		r.Request.Kind = vault.RequestKind(kind)
		r.Request.Status = vault.RequestStatus(status)
		r.Request.BatchID = vault.BatchID(batchID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// VirtualBalanceRow pairs an accumulator with its owning vault and batch.
type VirtualBalanceRow struct {
	VaultID string
	BatchID vault.BatchID
	Balance router.VirtualBalance
}

func (s *Store) LoadVirtualBalances(ctx context.Context) ([]VirtualBalanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, batch_id, deposited, requested, requested_shares
		FROM kam.virtual_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VirtualBalanceRow
	for rows.Next() {
		var r VirtualBalanceRow
		var batchID string
		if err := rows.Scan(&r.VaultID, &batchID, &r.Balance.Deposited,
			&r.Balance.Requested, &r.Balance.RequestedShares); err != nil {
			return nil, err
		}
		r.BatchID = vault.BatchID(batchID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TokenBalanceRow mirrors kam.token_balances.
type TokenBalanceRow struct {
	Token  string
	Holder string
	Amount int64
}

func (s *Store) LoadTokenBalances(ctx context.Context) ([]TokenBalanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, holder, amount FROM kam.token_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TokenBalanceRow
	for rows.Next() {
		var r TokenBalanceRow
		if err := rows.Scan(&r.Token, &r.Holder, &r.Amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LoadReceivers(ctx context.Context) ([]vault.BatchReceiver, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT receiver_id, batch_id, vault_id, asset FROM kam.receivers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vault.BatchReceiver
	for rows.Next() {
		var r vault.BatchReceiver
		var batchID string
		if err := rows.Scan(&r.ID, &batchID, &r.VaultID, &r.Asset); err != nil {
			return nil, err
		}
		r.BatchID = vault.BatchID(batchID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FeeStateRow mirrors kam.fee_state.
type FeeStateRow struct {
	VaultID         string
	Watermark       int64
	LastMgmtTs      int64
	LastPerfTs      int64
	LastTotalAssets int64
}

func (s *Store) LoadFeeState(ctx context.Context) ([]FeeStateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, watermark, last_mgmt_ts, last_perf_ts, last_total_assets FROM kam.fee_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeeStateRow
	for rows.Next() {
		var r FeeStateRow
		if err := rows.Scan(&r.VaultID, &r.Watermark, &r.LastMgmtTs, &r.LastPerfTs, &r.LastTotalAssets); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetDaemonState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kam.daemon_state WHERE key = $1`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
