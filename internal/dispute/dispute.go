// Package dispute freezes a FUNDED escrow, collects evidence and weighted
// community votes, and resolves the contract exactly once when the vote
// count reaches quorum.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parcelmarket/escrowd/internal/escrow"
	"github.com/parcelmarket/escrowd/internal/idgen"
	"github.com/parcelmarket/escrowd/internal/metrics"
	"github.com/parcelmarket/escrowd/internal/syncutil"
	"github.com/parcelmarket/escrowd/internal/traces"
	"github.com/parcelmarket/escrowd/internal/validation"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrNotOpen         = errors.New("dispute is not open")
	ErrUnauthorized    = errors.New("caller is not a party to this dispute")
	ErrDuplicateVote   = errors.New("voter has already voted on this dispute")
	ErrVersionConflict = errors.New("dispute was modified concurrently")
	ErrValidation      = errors.New("invalid dispute request")
)

// Status of a dispute. OPEN accepts evidence and votes; RESOLVED is final.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Choice is a vote target.
type Choice string

const (
	ChoiceBuyer  Choice = "buyer"
	ChoiceSeller Choice = "seller"
)

// DefaultQuorum is the vote weight that triggers resolution.
const DefaultQuorum = int64(10)

// Resolution records the outcome, set exactly once.
type Resolution struct {
	Winner     Choice    `json:"winner"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// VoteCount is the derived tally; total is never stored.
type VoteCount struct {
	ForBuyer  int64 `json:"forBuyer"`
	ForSeller int64 `json:"forSeller"`
	Total     int64 `json:"total"`
}

// Dispute is the voting record attached 1:1 to a DISPUTED escrow.
type Dispute struct {
	ID             string          `json:"id"`
	EscrowID       string          `json:"escrowId"`
	Reason         string          `json:"reason"`
	EvidenceRefs   []string        `json:"evidenceRefs"`
	Disputant      string          `json:"disputant"`
	Status         Status          `json:"status"`
	VotesForBuyer  int64           `json:"-"`
	VotesForSeller int64           `json:"-"`
	Voters         map[string]bool `json:"-"`
	Resolution     *Resolution     `json:"resolution,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Version        int64           `json:"version"`
}

// Votes returns the tally.
func (d *Dispute) Votes() VoteCount {
	return VoteCount{
		ForBuyer:  d.VotesForBuyer,
		ForSeller: d.VotesForSeller,
		Total:     d.VotesForBuyer + d.VotesForSeller,
	}
}

// MarshalJSON exposes the derived tally and the voter count; individual
// voter identities stay internal.
func (d *Dispute) MarshalJSON() ([]byte, error) {
	type alias Dispute
	return json.Marshal(struct {
		*alias
		Votes      VoteCount `json:"votes"`
		VoterCount int       `json:"voterCount"`
	}{(*alias)(d), d.Votes(), len(d.Voters)})
}

// clone deep-copies the dispute so store snapshots don't alias.
func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.EvidenceRefs = append([]string(nil), d.EvidenceRefs...)
	cp.Voters = make(map[string]bool, len(d.Voters))
	for k, v := range d.Voters {
		cp.Voters[k] = v
	}
	if d.Resolution != nil {
		r := *d.Resolution
		cp.Resolution = &r
	}
	return &cp
}

// Store persists disputes. Open and Resolve are transactional across the
// dispute and its escrow: both writes land or neither does. Update is a
// compare-and-swap on Version like the escrow store's.
type Store interface {
	// Open inserts d and transitions its escrow FUNDED -> DISPUTED,
	// checking the escrow version seen by the caller.
	Open(ctx context.Context, d *Dispute, escrowVersion int64) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	// Resolve commits the resolved dispute and its RESOLVED escrow
	// together.
	Resolve(ctx context.Context, d *Dispute, e *escrow.Escrow) error
}

// SettlementService pays the dispute winner.
type SettlementService interface {
	Settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error)
}

// Notifier delivers best-effort party notifications.
type Notifier interface {
	Notify(ctx context.Context, party, event string, data map[string]interface{})
}

// EventEmitter publishes realtime events.
type EventEmitter interface {
	Emit(event string, data map[string]interface{})
}

// Manager owns the dispute lifecycle and the voting engine.
type Manager struct {
	store         Store
	escrows       escrow.Store
	settler       SettlementService
	notifier      Notifier
	events        EventEmitter
	locks         *syncutil.ShardedMutex
	logger        *slog.Logger
	quorum        int64
	settleTimeout time.Duration
}

// Option configures the manager.
type Option func(*Manager)

// WithQuorum sets the resolution threshold.
func WithQuorum(q int64) Option {
	return func(m *Manager) { m.quorum = q }
}

// WithNotifier wires the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithEvents wires the realtime event emitter.
func WithEvents(e EventEmitter) Option {
	return func(m *Manager) { m.events = e }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithLocks shares a lock set with the escrow service so dispute opening
// and escrow release serialize per contract.
func WithLocks(locks *syncutil.ShardedMutex) Option {
	return func(m *Manager) { m.locks = locks }
}

// WithSettleTimeout bounds the winner payout call.
func WithSettleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.settleTimeout = d }
}

// NewManager creates the dispute manager with the default quorum.
func NewManager(store Store, escrows escrow.Store, settler SettlementService, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		escrows:       escrows,
		settler:       settler,
		locks:         &syncutil.ShardedMutex{},
		logger:        slog.Default(),
		quorum:        DefaultQuorum,
		settleTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open freezes a FUNDED escrow under a new dispute. Only the escrow's
// buyer or seller may open one; the escrow transition and the dispute
// insert commit atomically.
func (m *Manager) Open(ctx context.Context, escrowID, reason string, evidenceRefs []string, disputant string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	reason = validation.SanitizeString(reason)
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 2000),
		validation.Required("disputantAddress", disputant),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	unlock := m.locks.Lock(escrowID)
	defer unlock()

	e, err := m.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	party := validation.NormalizeAddress(disputant)
	if party != e.Buyer && party != e.Seller {
		return nil, fmt.Errorf("%w: disputant is neither buyer nor seller", ErrUnauthorized)
	}
	if e.Status != escrow.StatusFunded {
		return nil, fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidStatus, e.Status)
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:           idgen.WithPrefix("dsp_"),
		EscrowID:     escrowID,
		Reason:       reason,
		EvidenceRefs: append([]string(nil), evidenceRefs...),
		Disputant:    party,
		Status:       StatusOpen,
		Voters:       make(map[string]bool),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	if err := m.store.Open(ctx, d, e.Version); err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	span.SetAttributes(traces.DisputeID(d.ID))
	data := m.eventData(d, e)
	m.notify(ctx, e.Buyer, "dispute.opened", data)
	m.notify(ctx, e.Seller, "dispute.opened", data)
	m.emit("dispute.opened", data)

	m.logger.Info("dispute opened",
		"dispute_id", d.ID, "escrow_id", escrowID, "disputant", party)
	return d, nil
}

// SubmitEvidence appends an evidence reference while the dispute is OPEN.
// Only the escrow's parties may submit.
func (m *Manager) SubmitEvidence(ctx context.Context, disputeID, evidenceRef, submitter string) (*Dispute, error) {
	evidenceRef = validation.SanitizeString(evidenceRef)
	if err := validation.Validate(
		validation.Required("evidenceRef", evidenceRef),
		validation.MaxLength("evidenceRef", evidenceRef, 1000),
		validation.Required("submitterAddress", submitter),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	unlock := m.locks.Lock(disputeID)
	defer unlock()

	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s", ErrNotOpen, d.Status)
	}

	e, err := m.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	party := validation.NormalizeAddress(submitter)
	if party != e.Buyer && party != e.Seller {
		return nil, fmt.Errorf("%w: submitter is neither buyer nor seller", ErrUnauthorized)
	}

	d.EvidenceRefs = append(d.EvidenceRefs, evidenceRef)
	d.UpdatedAt = time.Now().UTC()
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}

	data := m.eventData(d, e)
	m.notify(ctx, e.Buyer, "dispute.evidence", data)
	m.notify(ctx, e.Seller, "dispute.evidence", data)
	m.emit("dispute.evidence", data)
	return d, nil
}

// Get returns a dispute together with its escrow contract.
func (m *Manager) Get(ctx context.Context, disputeID string) (*Dispute, *escrow.Escrow, error) {
	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	e, err := m.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	return d, e, nil
}

// GetByEscrow returns the dispute attached to an escrow.
func (m *Manager) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return m.store.GetByEscrow(ctx, escrowID)
}

func (m *Manager) notify(ctx context.Context, party, event string, data map[string]interface{}) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, party, event, data)
	}
}

func (m *Manager) emit(event string, data map[string]interface{}) {
	if m.events != nil {
		m.events.Emit(event, data)
	}
}

func (m *Manager) eventData(d *Dispute, e *escrow.Escrow) map[string]interface{} {
	votes := d.Votes()
	data := map[string]interface{}{
		"disputeId": d.ID,
		"escrowId":  d.EscrowID,
		"status":    string(d.Status),
		"forBuyer":  votes.ForBuyer,
		"forSeller": votes.ForSeller,
		"total":     votes.Total,
	}
	if e != nil {
		data["orderId"] = e.OrderID
		data["amount"] = e.Amount.String()
	}
	if d.Resolution != nil {
		data["winner"] = string(d.Resolution.Winner)
	}
	return data
}
