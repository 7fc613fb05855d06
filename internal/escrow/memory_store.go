package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is the in-memory Store used in development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	escrows       map[string]*Escrow
	byOrderSeller map[string]string // orderID+"/"+sellerGroupID -> escrow id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:       make(map[string]*Escrow),
		byOrderSeller: make(map[string]string),
	}
}

func orderSellerKey(orderID, sellerGroupID string) string {
	return orderID + "/" + sellerGroupID
}

// Create stores a new escrow; ErrDuplicate when the (order, seller) pair
// already has one.
func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderSellerKey(e.OrderID, e.SellerGroupID)
	if _, exists := m.byOrderSeller[key]; exists {
		return ErrDuplicate
	}
	if _, exists := m.escrows[e.ID]; exists {
		return ErrDuplicate
	}

	cp := *e
	m.escrows[e.ID] = &cp
	m.byOrderSeller[key] = e.ID
	return nil
}

// Get returns a copy of the escrow.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// GetByOrderSeller returns the contract for one (order, seller) pair.
func (m *MemoryStore) GetByOrderSeller(ctx context.Context, orderID, sellerGroupID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrderSeller[orderSellerKey(orderID, sellerGroupID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

// Update commits e if its Version matches the stored record, bumping the
// version on both.
func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != e.Version {
		return ErrVersionConflict
	}

	cp := *e
	cp.Version++
	m.escrows[e.ID] = &cp
	e.Version = cp.Version
	return nil
}

// ListByWallet returns contracts where the wallet plays the given role,
// newest first.
func (m *MemoryStore) ListByWallet(ctx context.Context, wallet string, role Role) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		isBuyer := e.Buyer == wallet
		isSeller := e.Seller == wallet
		match := false
		switch role {
		case RoleBuyer:
			match = isBuyer
		case RoleSeller:
			match = isSeller
		default:
			match = isBuyer || isSeller
		}
		if match {
			cp := *e
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListExpired returns up to limit FUNDED contracts with ExpiresAt before
// the cutoff, oldest deadline first.
func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusFunded && e.ExpiresAt.Before(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates counts and amounts per status.
func (m *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StoreStats{
		CountByStatus:  make(map[Status]int64),
		AmountByStatus: make(map[Status]decimal.Decimal),
	}
	for _, e := range m.escrows {
		stats.CountByStatus[e.Status]++
		prev, ok := stats.AmountByStatus[e.Status]
		if !ok {
			prev = decimal.Zero
		}
		stats.AmountByStatus[e.Status] = prev.Add(e.Amount)
	}
	return stats, nil
}
