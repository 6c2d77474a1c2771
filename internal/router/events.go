package router

import (
	"time"

	"KamSettle/internal/vault"
)

// EventType tags every state mutation the router emits.
type EventType string

const (
	EventBatchCreated      EventType = "batch.created"
	EventBatchClosed       EventType = "batch.closed"
	EventBatchSettled      EventType = "batch.settled"
	EventProposalCreated   EventType = "proposal.created"
	EventProposalUpdated   EventType = "proposal.updated"
	EventProposalCancelled EventType = "proposal.cancelled"
	EventProposalExecuted  EventType = "proposal.executed"
	EventRequestCreated    EventType = "request.created"
	EventRequestCancelled  EventType = "request.cancelled"
	EventRequestClaimed    EventType = "request.claimed"
	EventMintExecuted      EventType = "mint.executed"
	EventVirtualTransfer   EventType = "virtual.transferred"
	EventPauseChanged      EventType = "pause.changed"
	EventCooldownChanged   EventType = "cooldown.changed"
)

// Event is the router's outbound mutation record. One copy goes to the
// persistence worker (blocking, never dropped), one to the NATS
// publisher (best effort).
type Event struct {
	Type       EventType
	VaultID    string
	Asset      string
	At         time.Time
	Batch      *vault.Batch
	Proposal   *SettlementProposal
	Settlement *SettlementRecord
	Request    *vault.Request
	Transfer   *VirtualTransfer
	Paused     *bool
	Cooldown   *time.Duration
}

// VirtualTransfer records a cross-vault claim move, such as a retail
// vault routing collected stakes into its underlying vault's batch.
type VirtualTransfer struct {
	SourceVault string
	SourceBatch vault.BatchID
	TargetVault string
	TargetBatch vault.BatchID
	Asset       string
	Amount      int64
}

// SettlementRecord is the immutable snapshot written when a batch
// settles. Claims price against it forever after.
type SettlementRecord struct {
	VaultID         string
	BatchID         vault.BatchID
	ProposalID      string
	Asset           string
	TotalAssets     int64
	Yield           int64
	Profit          bool
	GrossSharePrice int64
	NetSharePrice   int64
	ManagementFees  int64
	PerformanceFees int64
	TotalFees       int64
	Deposited       int64
	Requested       int64
	RequestedShares int64
	Payout          int64
	ReceiverID      string
	SettledAt       time.Time
}
