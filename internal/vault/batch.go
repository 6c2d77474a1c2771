package vault

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrBatchNotFound   = errors.New("batch not found")
	ErrBatchClosed     = errors.New("batch already closed")
	ErrBatchNotClosed  = errors.New("batch not closed")
	ErrBatchSettled    = errors.New("batch already settled")
	ErrBatchNotSettled = errors.New("batch not settled")
	ErrNoCurrentBatch  = errors.New("no current batch open")
)

// BatchID is the collision-resistant identifier of one settlement window,
// derived from the vault, a per-vault counter, the chain id, the creation
// timestamp and the underlying asset. Hex-encoded sha256.
type BatchID string

func deriveBatchID(vaultID string, counter uint64, chainID int64, createdAt time.Time, asset string) BatchID {
	h := sha256.New()
	h.Write([]byte(vaultID))

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], counter)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(chainID))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(createdAt.UnixMicro()))
	h.Write(buf[:])

	h.Write([]byte(asset))
	return BatchID(hex.EncodeToString(h.Sum(nil)))
}

// Batch is one settlement window for one vault. Flags are monotonic:
// open -> closed -> settled, never backwards.
type Batch struct {
	ID        BatchID
	VaultID   string
	Asset     string
	Number    uint64
	CreatedAt time.Time
	IsClosed  bool
	IsSettled bool
	Receiver  string // receiver id, empty until settlement
}

// BatchManager tracks all batches of a single vault and which one is
// current (accepting requests). Callers hold role checks; the manager
// enforces only state preconditions.
type BatchManager struct {
	mu      sync.RWMutex
	vaultID string
	asset   string
	chainID int64
	counter uint64
	current BatchID
	batches map[BatchID]*Batch
	nowFn   func() time.Time
}

func NewBatchManager(vaultID, asset string, chainID int64) *BatchManager {
	return &BatchManager{
		vaultID: vaultID,
		asset:   asset,
		chainID: chainID,
		batches: make(map[BatchID]*Batch),
		nowFn:   time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (m *BatchManager) SetClock(now func() time.Time) {
	m.nowFn = now
}

// CreateNewBatch opens a fresh batch and makes it current. The previous
// current batch, if any, must already be closed.
func (m *BatchManager) CreateNewBatch() (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked()
}

func (m *BatchManager) createLocked() (*Batch, error) {
	if m.current != "" {
		if cur, ok := m.batches[m.current]; ok && !cur.IsClosed {
			return nil, fmt.Errorf("vault %s: current batch %s still open", m.vaultID, cur.ID)
		}
	}

	m.counter++
	createdAt := m.nowFn()
	b := &Batch{
		ID:        deriveBatchID(m.vaultID, m.counter, m.chainID, createdAt, m.asset),
		VaultID:   m.vaultID,
		Asset:     m.asset,
		Number:    m.counter,
		CreatedAt: createdAt,
	}
	m.batches[b.ID] = b
	m.current = b.ID
	return b, nil
}

// CloseBatch seals a batch against new requests. With createNext the
// replacement batch opens atomically in the same call, so there is no
// window where the vault has no current batch.
func (m *BatchManager) CloseBatch(id BatchID, createNext bool) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("close %s: %w", id, ErrBatchNotFound)
	}
	if b.IsClosed {
		return nil, fmt.Errorf("close %s: %w", id, ErrBatchClosed)
	}
	b.IsClosed = true

	if createNext {
		return m.createLocked()
	}
	if m.current == id {
		m.current = ""
	}
	return nil, nil
}

// SettleBatch marks a closed batch settled. Settlement is terminal.
func (m *BatchManager) SettleBatch(id BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return fmt.Errorf("settle %s: %w", id, ErrBatchNotFound)
	}
	if !b.IsClosed {
		return fmt.Errorf("settle %s: %w", id, ErrBatchNotClosed)
	}
	if b.IsSettled {
		return fmt.Errorf("settle %s: %w", id, ErrBatchSettled)
	}
	b.IsSettled = true
	return nil
}

// AssignReceiver records the payout receiver deployed at settlement.
func (m *BatchManager) AssignReceiver(id BatchID, receiver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return fmt.Errorf("set receiver %s: %w", id, ErrBatchNotFound)
	}
	b.Receiver = receiver
	return nil
}

// CurrentBatchID returns the batch currently accepting requests.
func (m *BatchManager) CurrentBatchID() (BatchID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == "" {
		return "", fmt.Errorf("vault %s: %w", m.vaultID, ErrNoCurrentBatch)
	}
	return m.current, nil
}

// GetBatch returns a copy so callers cannot mutate manager state.
func (m *BatchManager) GetBatch(id BatchID) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("get %s: %w", id, ErrBatchNotFound)
	}
	return *b, nil
}

// AllBatches returns copies of every batch (persistence snapshots).
func (m *BatchManager) AllBatches() []Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, *b)
	}
	return out
}

// Restore loads a batch row during startup and advances the counter.
func (m *BatchManager) Restore(b Batch, isCurrent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := b
	m.batches[b.ID] = &copied
	if b.Number > m.counter {
		m.counter = b.Number
	}
	if isCurrent {
		m.current = b.ID
	}
}
