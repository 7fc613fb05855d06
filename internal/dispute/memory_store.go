package dispute

import (
	"context"
	"fmt"
	"sync"

	"github.com/parcelmarket/escrowd/internal/escrow"
)

// MemoryStore is the in-memory Store. It composes the escrow memory store
// so Open and Resolve can commit across both under one lock, mirroring
// the Postgres transactions.
type MemoryStore struct {
	mu       sync.RWMutex
	escrows  *escrow.MemoryStore
	disputes map[string]*Dispute
	byEscrow map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store bound to the escrow store.
func NewMemoryStore(escrows *escrow.MemoryStore) *MemoryStore {
	return &MemoryStore{
		escrows:  escrows,
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
	}
}

// Open transitions the escrow FUNDED -> DISPUTED and inserts the dispute.
// The escrow write goes through the escrow store's CAS; the dispute
// insert cannot fail afterwards, so the pair is atomic.
func (m *MemoryStore) Open(ctx context.Context, d *Dispute, escrowVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEscrow[d.EscrowID]; exists {
		return fmt.Errorf("%w: escrow %s already disputed", escrow.ErrInvalidStatus, d.EscrowID)
	}

	e, err := m.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	if e.Status != escrow.StatusFunded {
		return fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidStatus, e.Status)
	}
	if e.Version != escrowVersion {
		return escrow.ErrVersionConflict
	}

	e.Status = escrow.StatusDisputed
	e.DisputeID = d.ID
	e.UpdatedAt = d.CreatedAt
	if err := m.escrows.Update(ctx, e); err != nil {
		return err
	}

	m.disputes[d.ID] = d.clone()
	m.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.disputes[id].clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != d.Version {
		return ErrVersionConflict
	}

	cp := d.clone()
	cp.Version++
	m.disputes[d.ID] = cp
	d.Version = cp.Version
	return nil
}

// Resolve commits the resolved dispute and its escrow together. The
// escrow CAS runs first; a conflict there leaves the dispute untouched.
func (m *MemoryStore) Resolve(ctx context.Context, d *Dispute, e *escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != d.Version {
		return ErrVersionConflict
	}

	if err := m.escrows.Update(ctx, e); err != nil {
		return err
	}

	cp := d.clone()
	cp.Version++
	m.disputes[d.ID] = cp
	d.Version = cp.Version
	return nil
}
