package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLedgerSettlerRecordsEntry(t *testing.T) {
	l := NewLedgerSettler()

	ref, err := l.Settle(context.Background(), "esc_1", "0xseller", decimal.NewFromInt(60), "USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(ref, "stl_") {
		t.Errorf("expected stl_ reference, got %q", ref)
	}

	entry, ok := l.Lookup(ref)
	if !ok {
		t.Fatal("entry not recorded")
	}
	if entry.EscrowID != "esc_1" || entry.Recipient != "0xseller" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if !entry.Amount.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected amount 60, got %s", entry.Amount)
	}
}

func TestLedgerSettlerRejectsNonPositive(t *testing.T) {
	l := NewLedgerSettler()

	_, err := l.Settle(context.Background(), "esc_1", "0xseller", decimal.Zero, "USDC")
	if err == nil {
		t.Fatal("expected error for zero amount")
	}
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *settlement.Error, got %T", err)
	}
	if serr.Backend != "ledger" {
		t.Errorf("unexpected backend %q", serr.Backend)
	}
}

func TestLedgerSettlerHonorsContext(t *testing.T) {
	l := NewLedgerSettler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Settle(ctx, "esc_1", "0xseller", decimal.NewFromInt(1), "USDC"); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if len(l.Entries()) != 0 {
		t.Error("canceled settle must not record an entry")
	}
}

func TestLedgerSettlerDistinctRefs(t *testing.T) {
	l := NewLedgerSettler()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ref, err := l.Settle(context.Background(), "esc_1", "0xseller", decimal.NewFromInt(1), "USDC")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[ref] {
			t.Fatalf("duplicate settlement reference %q", ref)
		}
		seen[ref] = true
	}
}

func TestToRawUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"1", 1000000},
		{"1.50", 1500000},
		{"0.000001", 1},
		{"0.0000009", 0}, // finer than USDC precision truncates
		{"60", 60000000},
	}
	for _, tt := range tests {
		d, err := decimal.NewFromString(tt.amount)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.amount, err)
		}
		if got := toRawUnits(d).Int64(); got != tt.want {
			t.Errorf("toRawUnits(%s) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}
