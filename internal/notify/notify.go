// Package notify delivers escrow lifecycle events to webhook endpoints
// registered per wallet. Deliveries are signed with the subscription
// secret so receivers can authenticate the payload.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("subscription not found")
	ErrValidation = errors.New("invalid subscription request")
)

// Events a subscription can select. An empty selection receives all.
const (
	EventEscrowCreated      = "escrow.created"
	EventEscrowReleased     = "escrow.released"
	EventEscrowAutoReleased = "escrow.auto_released"
	EventDisputeOpened      = "dispute.opened"
	EventDisputeVote        = "dispute.vote"
	EventDisputeEvidence    = "dispute.evidence"
	EventDisputeResolved    = "dispute.resolved"
)

// KnownEvents lists every event type the engine emits.
var KnownEvents = []string{
	EventEscrowCreated,
	EventEscrowReleased,
	EventEscrowAutoReleased,
	EventDisputeOpened,
	EventDisputeVote,
	EventDisputeEvidence,
	EventDisputeResolved,
}

// Event is the delivered payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Wallet    string                 `json:"wallet"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a webhook registration for one wallet.
type Subscription struct {
	ID               string     `json:"id"`
	Wallet           string     `json:"wallet"`
	URL              string     `json:"url"`
	Secret           string     `json:"-"`
	Events           []string   `json:"events"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastSuccess      *time.Time `json:"lastSuccess,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	ConsecutiveFails int        `json:"consecutiveFails"`
}

// wants reports whether the subscription selects the event type.
func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByWallet(ctx context.Context, wallet string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the in-memory Store used in development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, wallet string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Wallet == wallet {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
