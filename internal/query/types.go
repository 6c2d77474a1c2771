package query

import "time"

// EventEntry is one row of the append-only audit log.
type EventEntry struct {
	ID         int64          `json:"id"`
	EventType  string         `json:"event_type"`
	VaultID    string         `json:"vault_id,omitempty"`
	Asset      string         `json:"asset,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// SettlementEntry mirrors one settled batch's immutable snapshot.
type SettlementEntry struct {
	VaultID         string    `json:"vault_id"`
	BatchID         string    `json:"batch_id"`
	ProposalID      string    `json:"proposal_id"`
	Asset           string    `json:"asset"`
	TotalAssets     int64     `json:"total_assets"`
	Yield           int64     `json:"yield"`
	Profit          bool      `json:"profit"`
	GrossSharePrice int64     `json:"gross_share_price"`
	NetSharePrice   int64     `json:"net_share_price"`
	ManagementFees  int64     `json:"management_fees"`
	PerformanceFees int64     `json:"performance_fees"`
	TotalFees       int64     `json:"total_fees"`
	Payout          int64     `json:"payout"`
	SettledAt       time.Time `json:"settled_at"`
}

// RequestEntry is one user request, including the terminal ones the
// in-memory active index no longer tracks.
type RequestEntry struct {
	RequestID   string    `json:"request_id"`
	VaultID     string    `json:"vault_id"`
	Kind        int16     `json:"kind"`
	Requester   string    `json:"requester"`
	Recipient   string    `json:"recipient"`
	Amount      int64     `json:"amount"`
	BatchID     string    `json:"batch_id"`
	RequestedAt time.Time `json:"requested_at"`
	Status      int16     `json:"status"`
}
