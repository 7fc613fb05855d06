// Package escrow implements the escrow contract lifecycle: multi-seller
// group creation, buyer release, deadline auto-release and grouped views.
//
// Funds enter FUNDED and leave through exactly one of three doors: buyer
// release (RELEASED), expiry auto-release (RELEASED), or dispute
// resolution (DISPUTED then RESOLVED, owned by the dispute package).
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parcelmarket/escrowd/internal/idgen"
	"github.com/parcelmarket/escrowd/internal/metrics"
	"github.com/parcelmarket/escrowd/internal/syncutil"
	"github.com/parcelmarket/escrowd/internal/traces"
	"github.com/parcelmarket/escrowd/internal/validation"
)

var (
	ErrNotFound        = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("escrow status does not allow this operation")
	ErrUnauthorized    = errors.New("caller is not authorized for this escrow")
	ErrVersionConflict = errors.New("escrow was modified concurrently")
	ErrValidation      = errors.New("invalid escrow request")
	ErrDuplicate       = errors.New("escrow already exists for this order and seller")
)

// Status is the escrow contract state. Legal transitions: FUNDED→RELEASED,
// FUNDED→DISPUTED, DISPUTED→RESOLVED. Everything else is rejected.
type Status string

const (
	StatusFunded   Status = "FUNDED"
	StatusReleased Status = "RELEASED"
	StatusDisputed Status = "DISPUTED"
	StatusResolved Status = "RESOLVED"
)

// Role filters wallet views.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAll    Role = "all"
)

// DefaultAutoReleaseWindow is how long a FUNDED escrow waits before the
// sweeper pays the seller.
const DefaultAutoReleaseWindow = 168 * time.Hour

// Escrow is one contract between the order's buyer and a single seller.
// Amount and FeeAmount are fixed at creation; Version backs optimistic
// concurrency in the stores.
type Escrow struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"orderId"`
	SellerGroupID string          `json:"sellerGroupId"`
	Buyer         string          `json:"buyer"`
	Seller        string          `json:"seller"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FeeAmount     decimal.Decimal `json:"feeAmount"`
	Status        Status          `json:"status"`
	DisputeID     string          `json:"disputeId,omitempty"`
	SettlementRef string          `json:"settlementRef,omitempty"`
	AutoReleased  bool            `json:"autoReleased"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	ReleasedAt    *time.Time      `json:"releasedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Version       int64           `json:"version"`
}

// Terminal reports whether no further transition is possible.
func (e *Escrow) Terminal() bool {
	return e.Status == StatusReleased || e.Status == StatusResolved
}

// Store persists escrow contracts. Update is a compare-and-swap on
// Version: it fails with ErrVersionConflict when the stored version
// differs, and increments the version (both stored and on the passed
// struct) on success. Records are never deleted.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrderSeller(ctx context.Context, orderID, sellerGroupID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByWallet(ctx context.Context, wallet string, role Role) ([]*Escrow, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	Stats(ctx context.Context) (*StoreStats, error)
}

// StoreStats aggregates contract counts and amounts per status.
type StoreStats struct {
	CountByStatus  map[Status]int64           `json:"countByStatus"`
	AmountByStatus map[Status]decimal.Decimal `json:"amountByStatus"`
}

// SettlementService pays the recipient and returns a settlement reference.
type SettlementService interface {
	Settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error)
}

// Notifier delivers best-effort party notifications. Implementations must
// not block.
type Notifier interface {
	Notify(ctx context.Context, party, event string, data map[string]interface{})
}

// EventEmitter publishes realtime events. Implementations must not block.
type EventEmitter interface {
	Emit(event string, data map[string]interface{})
}

// Service coordinates the escrow lifecycle.
type Service struct {
	store         Store
	settler       SettlementService
	notifier      Notifier
	events        EventEmitter
	locks         *syncutil.ShardedMutex
	logger        *slog.Logger
	feeRate       decimal.Decimal
	releaseWindow time.Duration
	settleTimeout time.Duration
	sweepBatch    int
}

// Option configures the service.
type Option func(*Service)

// WithNotifier wires the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithEvents wires the realtime event emitter.
func WithEvents(e EventEmitter) Option {
	return func(s *Service) { s.events = e }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLocks shares a lock set with other services touching the same
// escrows (the dispute manager).
func WithLocks(locks *syncutil.ShardedMutex) Option {
	return func(s *Service) { s.locks = locks }
}

// WithFeePercent sets the platform fee frozen into new contracts.
func WithFeePercent(percent int64) Option {
	return func(s *Service) {
		s.feeRate = decimal.New(percent, -2)
	}
}

// WithReleaseWindow sets the FUNDED-to-expiry duration for new contracts.
func WithReleaseWindow(d time.Duration) Option {
	return func(s *Service) { s.releaseWindow = d }
}

// WithSettleTimeout bounds each settlement call.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Service) { s.settleTimeout = d }
}

// WithSweepBatchSize caps how many expired contracts one sweep processes.
func WithSweepBatchSize(n int) Option {
	return func(s *Service) { s.sweepBatch = n }
}

// NewService creates the lifecycle service with a 1% fee, the default
// release window and a 30s settlement timeout.
func NewService(store Store, settler SettlementService, opts ...Option) *Service {
	s := &Service{
		store:         store,
		settler:       settler,
		locks:         &syncutil.ShardedMutex{},
		logger:        slog.Default(),
		feeRate:       decimal.New(1, -2),
		releaseWindow: DefaultAutoReleaseWindow,
		settleTimeout: 30 * time.Second,
		sweepBatch:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SellerGroup is one seller's slice of an order.
type SellerGroup struct {
	SellerID      string          `json:"sellerId"`
	SellerAddress string          `json:"sellerAddress"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Currency      string          `json:"currency"`
}

// CreateGroupRequest creates one escrow per seller group.
type CreateGroupRequest struct {
	OrderID          string
	Buyer            string
	OrderTotal       decimal.Decimal // zero means "not supplied"
	SellerGroups     []SellerGroup
	AutoReleaseHours int // zero means service default
}

// CreateGroupResult reports what CreateGroup did.
type CreateGroupResult struct {
	Escrows     []*Escrow
	TotalAmount decimal.Decimal
	Created     int // freshly created; the rest already existed
}

// CreateGroup creates one FUNDED escrow per seller group. The operation is
// idempotent per (orderID, sellerGroupID): a group that already has a
// contract contributes the existing record instead of a new one.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*CreateGroupResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateGroup")
	defer span.End()
	span.SetAttributes(traces.OrderID(req.OrderID))

	if err := validateCreateGroup(&req); err != nil {
		return nil, err
	}

	window := s.releaseWindow
	if req.AutoReleaseHours > 0 {
		window = time.Duration(req.AutoReleaseHours) * time.Hour
	}

	result := &CreateGroupResult{TotalAmount: decimal.Zero}
	for _, group := range req.SellerGroups {
		e, created, err := s.createOne(ctx, &req, group, window)
		if err != nil {
			return nil, err
		}
		result.Escrows = append(result.Escrows, e)
		result.TotalAmount = result.TotalAmount.Add(e.Amount)
		if created {
			result.Created++
		}
	}

	s.logger.Info("escrow group created",
		"order_id", req.OrderID,
		"contracts", len(result.Escrows),
		"created", result.Created,
		"total", result.TotalAmount.String())
	return result, nil
}

func (s *Service) createOne(ctx context.Context, req *CreateGroupRequest, group SellerGroup, window time.Duration) (*Escrow, bool, error) {
	lockKey := req.OrderID + "/" + group.SellerID
	unlock := s.locks.Lock(lockKey)
	defer unlock()

	if existing, err := s.store.GetByOrderSeller(ctx, req.OrderID, group.SellerID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		OrderID:       req.OrderID,
		SellerGroupID: group.SellerID,
		Buyer:         validation.NormalizeAddress(req.Buyer),
		Seller:        validation.NormalizeAddress(group.SellerAddress),
		Amount:        group.TotalAmount,
		Currency:      group.Currency,
		FeeAmount:     group.TotalAmount.Mul(s.feeRate).Round(2),
		Status:        StatusFunded,
		CreatedAt:     now,
		ExpiresAt:     now.Add(window),
		UpdatedAt:     now,
		Version:       1,
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Lost a cross-process race; the winner's record is the answer.
		if errors.Is(err, ErrDuplicate) {
			existing, getErr := s.store.GetByOrderSeller(ctx, req.OrderID, group.SellerID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	metrics.EscrowsCreatedTotal.Inc()
	s.notify(ctx, e.Buyer, "escrow.created", eventData(e))
	s.notify(ctx, e.Seller, "escrow.created", eventData(e))
	s.emit("escrow.created", eventData(e))
	return e, true, nil
}

func validateCreateGroup(req *CreateGroupRequest) error {
	err := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("buyerAddress", req.Buyer),
		validation.ValidAddress("buyerAddress", req.Buyer),
		validation.MaxLength("orderId", req.OrderID, 128),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(req.SellerGroups) == 0 {
		return fmt.Errorf("%w: sellerGroups must not be empty", ErrValidation)
	}

	buyer := validation.NormalizeAddress(req.Buyer)
	sum := decimal.Zero
	seen := make(map[string]bool, len(req.SellerGroups))
	for i, g := range req.SellerGroups {
		err := validation.Validate(
			validation.Required("sellerId", g.SellerID),
			validation.Required("sellerAddress", g.SellerAddress),
			validation.ValidAddress("sellerAddress", g.SellerAddress),
			validation.PositiveAmount("totalAmount", g.TotalAmount),
			validation.Required("currency", g.Currency),
		)
		if err != nil {
			return fmt.Errorf("%w: sellerGroups[%d]: %v", ErrValidation, i, err)
		}
		if validation.NormalizeAddress(g.SellerAddress) == buyer {
			return fmt.Errorf("%w: sellerGroups[%d]: buyer cannot be the seller", ErrValidation, i)
		}
		if seen[g.SellerID] {
			return fmt.Errorf("%w: sellerGroups[%d]: duplicate sellerId %q", ErrValidation, i, g.SellerID)
		}
		seen[g.SellerID] = true
		sum = sum.Add(g.TotalAmount)
	}

	if !req.OrderTotal.IsZero() && !sum.Equal(req.OrderTotal) {
		return fmt.Errorf("%w: seller group amounts sum to %s, order total is %s",
			ErrValidation, sum, req.OrderTotal)
	}
	return nil
}

// Release pays the seller and marks the escrow RELEASED. Only the buyer of
// a FUNDED escrow may call it; a second call fails with ErrInvalidStatus.
func (s *Service) Release(ctx context.Context, escrowID, requester string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release")
	defer span.End()
	span.SetAttributes(traces.EscrowID(escrowID))

	unlock := s.locks.Lock(escrowID)
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if validation.NormalizeAddress(requester) != e.Buyer {
		return nil, fmt.Errorf("%w: only the buyer can release", ErrUnauthorized)
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}

	return s.payAndRelease(ctx, e, false)
}

// autoRelease is Release on behalf of the expiry sweeper: no caller check,
// marks the record AutoReleased. The caller holds the escrow lock.
func (s *Service) autoRelease(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		// Raced with a release or dispute since the expired listing.
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	return s.payAndRelease(ctx, e, true)
}

// payAndRelease settles to the seller, then commits RELEASED. Settlement
// failure leaves the record untouched. If the commit itself fails after
// funds moved, it retries once and then logs for manual reconciliation;
// there is no inverse of a payout.
func (s *Service) payAndRelease(ctx context.Context, e *Escrow, auto bool) (*Escrow, error) {
	ref, err := s.settle(ctx, e.ID, e.Seller, e.Amount, e.Currency)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e.Status = StatusReleased
	e.SettlementRef = ref
	e.AutoReleased = auto
	e.ReleasedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		fresh, getErr := s.store.Get(ctx, e.ID)
		if getErr == nil && fresh.Status == StatusFunded {
			fresh.Status = StatusReleased
			fresh.SettlementRef = ref
			fresh.AutoReleased = auto
			fresh.ReleasedAt = &now
			fresh.UpdatedAt = now
			if retryErr := s.store.Update(ctx, fresh); retryErr == nil {
				e = fresh
				err = nil
			}
		}
		if err != nil {
			s.logger.Error("CRITICAL: funds settled but release not recorded",
				"escrow_id", e.ID, "settlement_ref", ref, "error", err)
			return nil, fmt.Errorf("settled (%s) but failed to record release: %w", ref, err)
		}
	}

	trigger := "buyer"
	event := "escrow.released"
	if auto {
		trigger = "expiry"
		event = "escrow.auto_released"
	}
	metrics.EscrowsReleasedTotal.WithLabelValues(trigger).Inc()
	s.notify(ctx, e.Buyer, event, eventData(e))
	s.notify(ctx, e.Seller, event, eventData(e))
	s.emit(event, eventData(e))

	s.logger.Info("escrow released",
		"escrow_id", e.ID, "trigger", trigger, "settlement_ref", ref)
	return e, nil
}

// settle runs the settlement collaborator under the configured timeout.
func (s *Service) settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()

	ref, err := s.settler.Settle(sctx, escrowID, recipient, amount, currency)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("escrow", "failure").Inc()
		return "", err
	}
	metrics.SettlementsTotal.WithLabelValues("escrow", "success").Inc()
	return ref, nil
}

// Get returns one contract.
func (s *Service) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	return s.store.Get(ctx, escrowID)
}

// Stats returns aggregate contract counts and amounts.
func (s *Service) Stats(ctx context.Context) (*StoreStats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) notify(ctx context.Context, party, event string, data map[string]interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, party, event, data)
	}
}

func (s *Service) emit(event string, data map[string]interface{}) {
	if s.events != nil {
		s.events.Emit(event, data)
	}
}

func eventData(e *Escrow) map[string]interface{} {
	return map[string]interface{}{
		"escrowId":     e.ID,
		"orderId":      e.OrderID,
		"buyer":        e.Buyer,
		"seller":       e.Seller,
		"amount":       e.Amount.String(),
		"currency":     e.Currency,
		"status":       string(e.Status),
		"autoReleased": e.AutoReleased,
	}
}
