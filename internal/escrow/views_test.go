package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func seedView(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// Two sellers; seller-a gets two contracts across two orders.
	if _, err := svc.CreateGroup(ctx, twoSellerRequest()); err != nil {
		t.Fatalf("seed order 1: %v", err)
	}
	if _, err := svc.CreateGroup(ctx, CreateGroupRequest{
		OrderID: "ord-1002",
		Buyer:   buyerAddr,
		SellerGroups: []SellerGroup{
			{SellerID: "seller-a", SellerAddress: sellerAddr, TotalAmount: decimal.NewFromInt(30), Currency: "USDC"},
		},
	}); err != nil {
		t.Fatalf("seed order 2: %v", err)
	}
	return svc, store
}

func TestGroupedViewBuyer(t *testing.T) {
	svc, _ := seedView(t)

	view, err := svc.GroupedView(context.Background(), buyerAddr, RoleBuyer)
	if err != nil {
		t.Fatalf("GroupedView: %v", err)
	}
	if view.Summary.Total != 3 {
		t.Fatalf("total = %d, want 3", view.Summary.Total)
	}
	if !view.Summary.TotalAmount.Equal(decimal.NewFromInt(130)) {
		t.Errorf("totalAmount = %s, want 130", view.Summary.TotalAmount)
	}
	if !view.Summary.ActiveAmount.Equal(decimal.NewFromInt(130)) {
		t.Errorf("activeAmount = %s, want 130", view.Summary.ActiveAmount)
	}
	if len(view.GroupedBySeller) != 2 {
		t.Fatalf("groups = %d, want 2", len(view.GroupedBySeller))
	}
	for _, g := range view.GroupedBySeller {
		if g.Status != GroupFunded {
			t.Errorf("group %s status = %s, want funded", g.Seller, g.Status)
		}
	}
}

func TestGroupedViewSellerRole(t *testing.T) {
	svc, _ := seedView(t)

	view, err := svc.GroupedView(context.Background(), sellerAddr, RoleSeller)
	if err != nil {
		t.Fatalf("GroupedView: %v", err)
	}
	if view.Summary.Total != 2 {
		t.Errorf("seller-a sees %d contracts, want 2", view.Summary.Total)
	}

	other, err := svc.GroupedView(context.Background(), sellerAddr, RoleBuyer)
	if err != nil {
		t.Fatalf("GroupedView buyer role: %v", err)
	}
	if other.Summary.Total != 0 {
		t.Errorf("seller as buyer sees %d contracts, want 0", other.Summary.Total)
	}
}

func TestGroupedViewStatusRules(t *testing.T) {
	svc, store := seedView(t)
	ctx := context.Background()

	// Release one of seller-a's two contracts: partial.
	view, _ := svc.GroupedView(ctx, buyerAddr, RoleAll)
	var sellerAGroup *SellerGroupView
	for _, g := range view.GroupedBySeller {
		if g.Seller == sellerAddr {
			sellerAGroup = g
		}
	}
	if sellerAGroup == nil || len(sellerAGroup.Contracts) != 2 {
		t.Fatal("expected seller-a group with 2 contracts")
	}

	if _, err := svc.Release(ctx, sellerAGroup.Contracts[0].ID, buyerAddr); err != nil {
		t.Fatalf("Release: %v", err)
	}
	view, _ = svc.GroupedView(ctx, buyerAddr, RoleAll)
	for _, g := range view.GroupedBySeller {
		if g.Seller == sellerAddr && g.Status != GroupPartial {
			t.Errorf("mixed group status = %s, want partial", g.Status)
		}
	}

	// Release the second: completed.
	if _, err := svc.Release(ctx, sellerAGroup.Contracts[1].ID, buyerAddr); err != nil {
		t.Fatalf("Release second: %v", err)
	}
	view, _ = svc.GroupedView(ctx, buyerAddr, RoleAll)
	for _, g := range view.GroupedBySeller {
		if g.Seller == sellerAddr && g.Status != GroupCompleted {
			t.Errorf("settled group status = %s, want completed", g.Status)
		}
	}

	// Disputed dominates for the other seller.
	var otherID string
	for _, e := range view.Contracts {
		if e.Seller == seller2Addr {
			otherID = e.ID
		}
	}
	e, _ := store.Get(ctx, otherID)
	e.Status = StatusDisputed
	e.DisputeID = "dsp_1"
	if err := store.Update(ctx, e); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	view, _ = svc.GroupedView(ctx, buyerAddr, RoleAll)
	for _, g := range view.GroupedBySeller {
		if g.Seller == seller2Addr && g.Status != GroupDisputed {
			t.Errorf("disputed group status = %s, want disputed", g.Status)
		}
	}
}

func TestGroupedViewRejectsBadRole(t *testing.T) {
	svc, _ := seedView(t)

	if _, err := svc.GroupedView(context.Background(), buyerAddr, Role("arbiter")); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestGroupedViewEmptyWallet(t *testing.T) {
	svc, _, _ := newTestService(t)

	view, err := svc.GroupedView(context.Background(), buyerAddr, RoleAll)
	if err != nil {
		t.Fatalf("GroupedView: %v", err)
	}
	if view.Summary.Total != 0 || len(view.GroupedBySeller) != 0 {
		t.Errorf("empty wallet view not empty: %+v", view.Summary)
	}
}

func TestStats(t *testing.T) {
	svc, _ := seedView(t)
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CountByStatus[StatusFunded] != 3 {
		t.Errorf("funded count = %d, want 3", stats.CountByStatus[StatusFunded])
	}
	if !stats.AmountByStatus[StatusFunded].Equal(decimal.NewFromInt(130)) {
		t.Errorf("funded amount = %s, want 130", stats.AmountByStatus[StatusFunded])
	}
}
