package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelmarket/escrowd/internal/escrow"
	"github.com/parcelmarket/escrowd/internal/metrics"
	"github.com/parcelmarket/escrowd/internal/traces"
	"github.com/parcelmarket/escrowd/internal/validation"
)

// VoteResult is what CastVote reports back.
type VoteResult struct {
	Dispute  *Dispute
	Resolved bool
}

// CastVote records one weighted vote. Each voter id counts once per
// dispute. The tally update and the quorum check run inside the same
// per-dispute critical section, so of two concurrent threshold-crossing
// votes exactly one triggers resolution.
//
// When the accepted vote reaches quorum the dispute resolves immediately:
// winner is the side with the higher weight, the buyer on a tie (escrow
// protects the paying side when the community is split). The payout runs
// first; if it fails the vote is not recorded and the caller may retry.
func (m *Manager) CastVote(ctx context.Context, disputeID, voterID string, choice Choice, power int64) (*VoteResult, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.CastVote")
	defer span.End()
	span.SetAttributes(traces.DisputeID(disputeID))

	if power == 0 {
		power = 1
	}
	if power < 0 {
		return nil, fmt.Errorf("%w: votingPower must be positive", ErrValidation)
	}
	if choice != ChoiceBuyer && choice != ChoiceSeller {
		return nil, fmt.Errorf("%w: vote must be %q or %q", ErrValidation, ChoiceBuyer, ChoiceSeller)
	}
	if err := validation.Validate(validation.Required("voterAddress", voterID)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	unlock := m.locks.Lock(disputeID)
	defer unlock()

	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		metrics.VoteRejectionsTotal.WithLabelValues("not_open").Inc()
		return nil, fmt.Errorf("%w: dispute is %s", ErrNotOpen, d.Status)
	}

	voter := validation.NormalizeAddress(voterID)
	if d.Voters[voter] {
		metrics.VoteRejectionsTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateVote
	}

	d.Voters[voter] = true
	if choice == ChoiceBuyer {
		d.VotesForBuyer += power
	} else {
		d.VotesForSeller += power
	}
	d.UpdatedAt = time.Now().UTC()

	if d.Votes().Total < m.quorum {
		if err := m.store.Update(ctx, d); err != nil {
			return nil, err
		}
		metrics.VotesCastTotal.Inc()
		m.emit("dispute.vote", m.eventData(d, nil))
		return &VoteResult{Dispute: d}, nil
	}

	if err := m.resolve(ctx, d); err != nil {
		return nil, err
	}
	metrics.VotesCastTotal.Inc()
	return &VoteResult{Dispute: d, Resolved: true}, nil
}

// resolve settles to the winner and commits dispute + escrow RESOLVED
// atomically. Caller holds the dispute lock and has already applied the
// final vote to d.
func (m *Manager) resolve(ctx context.Context, d *Dispute) error {
	e, err := m.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	if e.Status != escrow.StatusDisputed {
		return fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidStatus, e.Status)
	}

	winner := ChoiceSeller
	recipient := e.Seller
	if d.VotesForBuyer >= d.VotesForSeller {
		winner = ChoiceBuyer
		recipient = e.Buyer
	}

	sctx, cancel := context.WithTimeout(ctx, m.settleTimeout)
	ref, err := m.settler.Settle(sctx, e.ID, recipient, e.Amount, e.Currency)
	cancel()
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("dispute", "failure").Inc()
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("dispute", "success").Inc()

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Resolution = &Resolution{Winner: winner, ResolvedAt: now}
	d.UpdatedAt = now

	e.Status = escrow.StatusResolved
	e.SettlementRef = ref
	e.ReleasedAt = &now
	e.UpdatedAt = now

	if err := m.store.Resolve(ctx, d, e); err != nil {
		// Funds moved; retry the commit once against fresh state before
		// surfacing for manual reconciliation.
		if retryErr := m.retryResolve(ctx, d, ref, now); retryErr != nil {
			m.logger.Error("CRITICAL: winner paid but resolution not recorded",
				"dispute_id", d.ID, "escrow_id", e.ID,
				"settlement_ref", ref, "error", retryErr)
			return fmt.Errorf("settled (%s) but failed to record resolution: %w", ref, retryErr)
		}
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(winner)).Inc()
	data := m.eventData(d, e)
	m.notify(ctx, e.Buyer, "dispute.resolved", data)
	m.notify(ctx, e.Seller, "dispute.resolved", data)
	m.emit("dispute.resolved", data)

	m.logger.Info("dispute resolved",
		"dispute_id", d.ID, "escrow_id", e.ID,
		"winner", winner, "for_buyer", d.VotesForBuyer, "for_seller", d.VotesForSeller,
		"settlement_ref", ref)
	return nil
}

func (m *Manager) retryResolve(ctx context.Context, d *Dispute, ref string, now time.Time) error {
	freshEscrow, err := m.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return err
	}
	if freshEscrow.Status != escrow.StatusDisputed {
		return fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidStatus, freshEscrow.Status)
	}
	freshEscrow.Status = escrow.StatusResolved
	freshEscrow.SettlementRef = ref
	freshEscrow.ReleasedAt = &now
	freshEscrow.UpdatedAt = now
	return m.store.Resolve(ctx, d, freshEscrow)
}
