package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/parcelmarket/escrowd/internal/escrow"
	"github.com/parcelmarket/escrowd/internal/settlement"
)

func voterAddr(i int) string {
	return fmt.Sprintf("0x%040d", i+1000)
}

func openTestDispute(t *testing.T, m *Manager, escrows *escrow.MemoryStore) *Dispute {
	t.Helper()
	seedEscrow(t, escrows, "esc_1", escrow.StatusFunded)
	d, err := m.Open(context.Background(), "esc_1", "item never arrived", nil, buyerAddr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestVotesBelowQuorumAccumulate(t *testing.T) {
	m, escrows, settler := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	for i := 0; i < 9; i++ {
		choice := ChoiceBuyer
		if i%2 == 0 {
			choice = ChoiceSeller
		}
		result, err := m.CastVote(context.Background(), d.ID, voterAddr(i), choice, 1)
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		if result.Resolved {
			t.Fatalf("vote %d resolved below quorum", i)
		}
	}

	got, err := m.store.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	votes := got.Votes()
	if votes.Total != 9 || votes.ForBuyer != 4 || votes.ForSeller != 5 {
		t.Errorf("tally = %+v", votes)
	}
	if settler.callCount() != 0 {
		t.Errorf("settled before quorum: %d calls", settler.callCount())
	}
}

func TestQuorumResolvesForMajority(t *testing.T) {
	m, escrows, settler := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	// 6 for the buyer, 4 for the seller.
	for i := 0; i < 9; i++ {
		choice := ChoiceBuyer
		if i >= 6 {
			choice = ChoiceSeller
		}
		if _, err := m.CastVote(context.Background(), d.ID, voterAddr(i), choice, 1); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	result, err := m.CastVote(context.Background(), d.ID, voterAddr(9), ChoiceSeller, 1)
	if err != nil {
		t.Fatalf("quorum vote: %v", err)
	}
	if !result.Resolved {
		t.Fatal("quorum vote did not resolve")
	}
	if result.Dispute.Resolution == nil || result.Dispute.Resolution.Winner != ChoiceBuyer {
		t.Errorf("resolution = %+v", result.Dispute.Resolution)
	}
	if settler.lastRecipient() != buyerAddr {
		t.Errorf("paid %s, want buyer", settler.lastRecipient())
	}

	e, err := escrows.Get(context.Background(), "esc_1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != escrow.StatusResolved || e.SettlementRef == "" {
		t.Errorf("escrow after resolution = %+v", e)
	}
}

func TestTieGoesToBuyer(t *testing.T) {
	m, escrows, settler := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	for i := 0; i < 10; i++ {
		choice := ChoiceBuyer
		if i%2 == 1 {
			choice = ChoiceSeller
		}
		if _, err := m.CastVote(context.Background(), d.ID, voterAddr(i), choice, 1); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}

	got, err := m.store.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resolution == nil || got.Resolution.Winner != ChoiceBuyer {
		t.Errorf("tie resolution = %+v", got.Resolution)
	}
	if settler.lastRecipient() != buyerAddr {
		t.Errorf("tie paid %s, want buyer", settler.lastRecipient())
	}
}

func TestWeightedVotesCountAgainstQuorum(t *testing.T) {
	m, escrows, settler := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	if _, err := m.CastVote(context.Background(), d.ID, voterAddr(0), ChoiceSeller, 7); err != nil {
		t.Fatal(err)
	}
	result, err := m.CastVote(context.Background(), d.ID, voterAddr(1), ChoiceSeller, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Resolved {
		t.Fatal("10 weight across two voters should resolve")
	}
	if result.Dispute.Resolution.Winner != ChoiceSeller {
		t.Errorf("winner = %s, want seller", result.Dispute.Resolution.Winner)
	}
	if settler.lastRecipient() != sellerAddr {
		t.Errorf("paid %s, want seller", settler.lastRecipient())
	}
}

func TestZeroPowerDefaultsToOne(t *testing.T) {
	m, escrows, _ := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	result, err := m.CastVote(context.Background(), d.ID, voterAddr(0), ChoiceBuyer, 0)
	if err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if result.Dispute.Votes().ForBuyer != 1 {
		t.Errorf("tally = %+v", result.Dispute.Votes())
	}
}

func TestVoteValidation(t *testing.T) {
	m, escrows, _ := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	if _, err := m.CastVote(context.Background(), d.ID, voterAddr(0), ChoiceBuyer, -5); !errors.Is(err, ErrValidation) {
		t.Errorf("negative power: expected ErrValidation, got %v", err)
	}
	if _, err := m.CastVote(context.Background(), d.ID, voterAddr(0), Choice("abstain"), 1); !errors.Is(err, ErrValidation) {
		t.Errorf("bad choice: expected ErrValidation, got %v", err)
	}
	if _, err := m.CastVote(context.Background(), d.ID, "", ChoiceBuyer, 1); !errors.Is(err, ErrValidation) {
		t.Errorf("empty voter: expected ErrValidation, got %v", err)
	}
}

func TestDuplicateVoterRejected(t *testing.T) {
	m, escrows, _ := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	const mixedCase = "0xAbCdEf1234567890aBcDeF1234567890ABCDEF12"
	if _, err := m.CastVote(context.Background(), d.ID, mixedCase, ChoiceBuyer, 1); err != nil {
		t.Fatal(err)
	}
	// Same voter again, and once more with different casing.
	if _, err := m.CastVote(context.Background(), d.ID, mixedCase, ChoiceSeller, 1); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	_, err := m.CastVote(context.Background(), d.ID, strings.ToLower(mixedCase), ChoiceSeller, 1)
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote for recased voter, got %v", err)
	}

	got, _ := m.store.Get(context.Background(), d.ID)
	if got.Votes().Total != 1 {
		t.Errorf("tally after duplicate = %+v", got.Votes())
	}
}

func TestVoteOnResolvedDispute(t *testing.T) {
	m, escrows, _ := newTestManager(t, WithQuorum(1))
	d := openTestDispute(t, m, escrows)

	if _, err := m.CastVote(context.Background(), d.ID, voterAddr(0), ChoiceBuyer, 1); err != nil {
		t.Fatal(err)
	}
	_, err := m.CastVote(context.Background(), d.ID, voterAddr(1), ChoiceBuyer, 1)
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestVoteUnknownDispute(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.CastVote(context.Background(), "dsp_nope", voterAddr(0), ChoiceBuyer, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettlementFailureLeavesVoteUnrecorded(t *testing.T) {
	m, escrows, settler := newTestManager(t, WithQuorum(2))
	d := openTestDispute(t, m, escrows)

	if _, err := m.CastVote(context.Background(), d.ID, voterAddr(0), ChoiceBuyer, 1); err != nil {
		t.Fatal(err)
	}

	settler.fail = &settlement.Error{Backend: "ledger", EscrowID: "esc_1", Err: errors.New("backend down")}
	_, err := m.CastVote(context.Background(), d.ID, voterAddr(1), ChoiceBuyer, 1)
	if err == nil {
		t.Fatal("expected settlement failure")
	}
	var serr *settlement.Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected settlement.Error, got %v", err)
	}

	// The failed vote must not be recorded and the dispute stays OPEN.
	got, _ := m.store.Get(context.Background(), d.ID)
	if got.Status != StatusOpen || got.Votes().Total != 1 {
		t.Errorf("after failure: status=%s tally=%+v", got.Status, got.Votes())
	}
	e, _ := escrows.Get(context.Background(), "esc_1")
	if e.Status != escrow.StatusDisputed {
		t.Errorf("escrow status = %s, want DISPUTED", e.Status)
	}

	// Backend recovers; the same voter retries and resolution lands.
	settler.fail = nil
	result, err := m.CastVote(context.Background(), d.ID, voterAddr(1), ChoiceBuyer, 1)
	if err != nil {
		t.Fatalf("retry vote: %v", err)
	}
	if !result.Resolved {
		t.Fatal("retry vote should resolve")
	}
}

func TestConcurrentQuorumVotesResolveOnce(t *testing.T) {
	m, escrows, settler := newTestManager(t)
	d := openTestDispute(t, m, escrows)

	// Nine votes in; twenty racers try to land the tenth.
	for i := 0; i < 9; i++ {
		if _, err := m.CastVote(context.Background(), d.ID, voterAddr(i), ChoiceBuyer, 1); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	resolved := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := m.CastVote(context.Background(), d.ID, voterAddr(100+i), ChoiceBuyer, 1)
			if err == nil && result.Resolved {
				resolved <- true
			}
		}(i)
	}
	wg.Wait()
	close(resolved)

	var count int
	for range resolved {
		count++
	}
	if count != 1 {
		t.Errorf("resolved %d times, want exactly 1", count)
	}
	if settler.callCount() != 1 {
		t.Errorf("settled %d times, want exactly 1", settler.callCount())
	}

	got, _ := m.store.Get(context.Background(), d.ID)
	if got.Status != StatusResolved {
		t.Errorf("status = %s, want RESOLVED", got.Status)
	}
}
