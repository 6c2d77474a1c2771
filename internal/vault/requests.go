package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRequestNotFound    = errors.New("request not found")
	ErrRequestNotPending  = errors.New("request not pending")
	ErrRequestNotOwned    = errors.New("request owned by another requester")
	ErrCancelWindowClosed = errors.New("owning batch no longer accepts cancellation")
)

// RequestStatus transitions one-way: PENDING -> CANCELLED (batch still
// open) or PENDING -> CLAIMED (batch settled). Never both.
type RequestStatus uint8

const (
	RequestPending RequestStatus = iota
	RequestCancelled
	RequestClaimed
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "PENDING"
	case RequestCancelled:
		return "CANCELLED"
	case RequestClaimed:
		return "CLAIMED"
	default:
		return "UNKNOWN"
	}
}

// RequestKind discriminates the three batched flows.
type RequestKind uint8

const (
	KindStake RequestKind = iota
	KindUnstake
	KindRedeem
)

func (k RequestKind) String() string {
	switch k {
	case KindStake:
		return "stake"
	case KindUnstake:
		return "unstake"
	case KindRedeem:
		return "redeem"
	default:
		return "unknown"
	}
}

// Request is a user's pending action against a specific batch. Amount is
// in kToken units for stakes and redeems, share units for unstakes.
type Request struct {
	ID          string
	Kind        RequestKind
	Requester   string
	Recipient   string
	Amount      int64
	BatchID     BatchID
	RequestedAt time.Time
	Status      RequestStatus
}

// RequestLedger holds one vault's requests. Requests are never deleted:
// cancel and claim remove them from the requester's active index but the
// history stays in the map.
type RequestLedger struct {
	mu       sync.RWMutex
	requests map[string]*Request
	active   map[string]map[string]bool // requester -> request ids
}

func NewRequestLedger() *RequestLedger {
	return &RequestLedger{
		requests: make(map[string]*Request),
		active:   make(map[string]map[string]bool),
	}
}

func (rl *RequestLedger) Add(kind RequestKind, requester, recipient string, amount int64, batchID BatchID, now time.Time) *Request {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	req := &Request{
		ID:          uuid.New().String(),
		Kind:        kind,
		Requester:   requester,
		Recipient:   recipient,
		Amount:      amount,
		BatchID:     batchID,
		RequestedAt: now,
		Status:      RequestPending,
	}
	rl.requests[req.ID] = req
	if rl.active[requester] == nil {
		rl.active[requester] = make(map[string]bool)
	}
	rl.active[requester][req.ID] = true
	return req
}

func (rl *RequestLedger) Get(id string) (Request, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	req, ok := rl.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	return *req, nil
}

// Cancel moves a pending request to CANCELLED. The caller has already
// verified the owning batch is still open; the ledger verifies ownership
// and status.
func (rl *RequestLedger) Cancel(id, requester string) (Request, error) {
	return rl.transition(id, requester, RequestCancelled)
}

// Claim moves a pending request to CLAIMED after its batch settled.
func (rl *RequestLedger) Claim(id string) (Request, error) {
	return rl.transition(id, "", RequestClaimed)
}

func (rl *RequestLedger) transition(id, requester string, to RequestStatus) (Request, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	req, ok := rl.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	if requester != "" && req.Requester != requester {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrRequestNotOwned)
	}
	if req.Status != RequestPending {
		return Request{}, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrRequestNotPending)
	}

	req.Status = to
	delete(rl.active[req.Requester], id)
	return *req, nil
}

// ActiveRequests lists a user's pending request ids.
func (rl *RequestLedger) ActiveRequests(requester string) []Request {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var out []Request
	for id := range rl.active[requester] {
		out = append(out, *rl.requests[id])
	}
	return out
}

// PendingByBatch returns all pending requests of a kind in a batch,
// used when funding the batch receiver at settlement.
func (rl *RequestLedger) PendingByBatch(batchID BatchID, kind RequestKind) []Request {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var out []Request
	for _, req := range rl.requests {
		if req.BatchID == batchID && req.Kind == kind && req.Status == RequestPending {
			out = append(out, *req)
		}
	}
	return out
}

// All returns copies of every request (persistence snapshots).
func (rl *RequestLedger) All() []Request {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	out := make([]Request, 0, len(rl.requests))
	for _, req := range rl.requests {
		out = append(out, *req)
	}
	return out
}

// Restore loads a request row during startup.
func (rl *RequestLedger) Restore(req Request) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	copied := req
	rl.requests[req.ID] = &copied
	if req.Status == RequestPending {
		if rl.active[req.Requester] == nil {
			rl.active[req.Requester] = make(map[string]bool)
		}
		rl.active[req.Requester][req.ID] = true
	}
}
