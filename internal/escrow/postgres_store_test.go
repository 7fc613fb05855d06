package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parcelmarket/escrowd/internal/testutil"
)

func pgEscrow(id, orderID, sellerGroupID string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID: id, OrderID: orderID, SellerGroupID: sellerGroupID,
		Buyer: buyerAddr, Seller: sellerAddr,
		Amount:    decimal.NewFromInt(60),
		Currency:  "USDC",
		FeeAmount: decimal.RequireFromString("0.6"),
		Status:    StatusFunded,
		CreatedAt: now,
		ExpiresAt: now.Add(168 * time.Hour),
		UpdatedAt: now,
		Version:   1,
	}
}

func TestPostgresCreateGet(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow("esc_pg1", "ord-1", "seller-a")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OrderID != "ord-1" || got.Status != StatusFunded || got.Version != 1 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if !got.Amount.Equal(e.Amount) || !got.FeeAmount.Equal(e.FeeAmount) {
		t.Errorf("amounts mismatch: %s/%s", got.Amount, got.FeeAmount)
	}

	if _, err := store.Get(ctx, "esc_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresUniqueOrderSeller(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_a", "ord-1", "seller-a")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.Create(ctx, pgEscrow("esc_b", "ord-1", "seller-a"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := store.GetByOrderSeller(ctx, "ord-1", "seller-a")
	if err != nil {
		t.Fatalf("GetByOrderSeller: %v", err)
	}
	if got.ID != "esc_a" {
		t.Errorf("winner id = %s, want esc_a", got.ID)
	}
}

func TestPostgresUpdateCAS(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow("esc_cas", "ord-1", "seller-a")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := store.Get(ctx, "esc_cas")
	b, _ := store.Get(ctx, "esc_cas")

	now := time.Now().UTC()
	a.Status = StatusReleased
	a.SettlementRef = "stl_1"
	a.ReleasedAt = &now
	a.UpdatedAt = now
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}

	b.Status = StatusDisputed
	if err := store.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update: expected ErrVersionConflict, got %v", err)
	}

	missing := pgEscrow("esc_gone", "ord-9", "seller-z")
	if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("update of missing row: expected ErrNotFound, got %v", err)
	}
}

func TestPostgresListByWallet(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_1", "ord-1", "seller-a")); err != nil {
		t.Fatal(err)
	}
	e2 := pgEscrow("esc_2", "ord-2", "seller-a")
	e2.Buyer = seller2Addr // different buyer, same seller
	if err := store.Create(ctx, e2); err != nil {
		t.Fatal(err)
	}

	asBuyer, err := store.ListByWallet(ctx, buyerAddr, RoleBuyer)
	if err != nil {
		t.Fatalf("ListByWallet buyer: %v", err)
	}
	if len(asBuyer) != 1 {
		t.Errorf("buyer list = %d, want 1", len(asBuyer))
	}

	asSeller, err := store.ListByWallet(ctx, sellerAddr, RoleSeller)
	if err != nil {
		t.Fatalf("ListByWallet seller: %v", err)
	}
	if len(asSeller) != 2 {
		t.Errorf("seller list = %d, want 2", len(asSeller))
	}

	all, err := store.ListByWallet(ctx, seller2Addr, RoleAll)
	if err != nil {
		t.Fatalf("ListByWallet all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("all list = %d, want 1", len(all))
	}
}

func TestPostgresListExpired(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	expired := pgEscrow("esc_exp", "ord-1", "seller-a")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Create(ctx, expired); err != nil {
		t.Fatal(err)
	}
	live := pgEscrow("esc_live", "ord-2", "seller-a")
	if err := store.Create(ctx, live); err != nil {
		t.Fatal(err)
	}
	released := pgEscrow("esc_rel", "ord-3", "seller-a")
	released.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	released.Status = StatusReleased
	if err := store.Create(ctx, released); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListExpired(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_exp" {
		t.Errorf("expired list = %+v, want only esc_exp", got)
	}
}

func TestPostgresStats(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_1", "ord-1", "seller-a")); err != nil {
		t.Fatal(err)
	}
	rel := pgEscrow("esc_2", "ord-2", "seller-a")
	rel.Status = StatusReleased
	if err := store.Create(ctx, rel); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CountByStatus[StatusFunded] != 1 || stats.CountByStatus[StatusReleased] != 1 {
		t.Errorf("counts = %+v", stats.CountByStatus)
	}
	if !stats.AmountByStatus[StatusFunded].Equal(decimal.NewFromInt(60)) {
		t.Errorf("funded amount = %s, want 60", stats.AmountByStatus[StatusFunded])
	}
}
