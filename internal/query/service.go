package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Service serves history reads straight from Postgres. The in-memory
// state answers "what is" questions; this answers "what happened",
// including events and requests that predate the current process.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Events returns audit log rows newest first, with cursor pagination on
// the row id. Empty vaultID and eventType match everything.
func (s *Service) Events(ctx context.Context, vaultID, eventType string, limit int, beforeID int64) ([]EventEntry, error) {
	q := `
		SELECT id, event_type, vault_id, asset, payload, occurred_at
		FROM kam.events
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if vaultID != "" {
		q += fmt.Sprintf(" AND vault_id = $%d", argIdx)
		args = append(args, vaultID)
		argIdx++
	}
	if eventType != "" {
		q += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}
	if beforeID > 0 {
		q += fmt.Sprintf(" AND id < $%d", argIdx)
		args = append(args, beforeID)
		argIdx++
	}

	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventEntry
	for rows.Next() {
		var e EventEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.VaultID, &e.Asset, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Settlements returns a vault's settlement history newest first.
func (s *Service) Settlements(ctx context.Context, vaultID string, limit int) ([]SettlementEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, batch_id, proposal_id, asset, total_assets,
		       yield, profit, gross_share_price, net_share_price,
		       management_fees, performance_fees, total_fees,
		       payout, settled_at
		FROM kam.settlements
		WHERE vault_id = $1
		ORDER BY settled_at DESC
		LIMIT $2
	`, vaultID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()

	var out []SettlementEntry
	for rows.Next() {
		var e SettlementEntry
		if err := rows.Scan(
			&e.VaultID, &e.BatchID, &e.ProposalID, &e.Asset, &e.TotalAssets,
			&e.Yield, &e.Profit, &e.GrossSharePrice, &e.NetSharePrice,
			&e.ManagementFees, &e.PerformanceFees, &e.TotalFees,
			&e.Payout, &e.SettledAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RequestHistory returns a requester's full request history, terminal
// states included, newest first with cursor pagination on requested_at.
func (s *Service) RequestHistory(ctx context.Context, requester, vaultID string, limit int, beforeID string) ([]RequestEntry, error) {
	q := `
		SELECT request_id, vault_id, kind, requester, recipient,
		       amount, batch_id, requested_at, status
		FROM kam.requests
		WHERE requester = $1
	`
	args := []interface{}{requester}
	argIdx := 2

	if vaultID != "" {
		q += fmt.Sprintf(" AND vault_id = $%d", argIdx)
		args = append(args, vaultID)
		argIdx++
	}
	if beforeID != "" {
		q += fmt.Sprintf(" AND requested_at < (SELECT requested_at FROM kam.requests WHERE request_id = $%d)", argIdx)
		args = append(args, beforeID)
		argIdx++
	}

	q += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []RequestEntry
	for rows.Next() {
		var e RequestEntry
		if err := rows.Scan(
			&e.RequestID, &e.VaultID, &e.Kind, &e.Requester, &e.Recipient,
			&e.Amount, &e.BatchID, &e.RequestedAt, &e.Status,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
