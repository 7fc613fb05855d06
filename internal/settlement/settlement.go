// Package settlement moves escrowed value to its recipient. The lifecycle
// services decide who gets paid; a Settler executes the payout and returns
// a reference. Settlement failures never commit a state transition.
package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/parcelmarket/escrowd/internal/idgen"
)

// Settler executes one payout. Implementations must be safe for concurrent
// use and must respect ctx cancellation; callers bound every call with a
// timeout.
type Settler interface {
	// Settle pays amount of currency to recipient on behalf of escrowID
	// and returns an opaque settlement reference.
	Settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error)
}

// Error wraps a failed settlement attempt. Handlers map it to 502.
type Error struct {
	Backend  string
	EscrowID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement (%s) failed for %s: %v", e.Backend, e.EscrowID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Entry is one recorded ledger payout.
type Entry struct {
	Ref       string
	EscrowID  string
	Recipient string
	Amount    decimal.Decimal
	Currency  string
}

// LedgerSettler records payouts in memory. It backs development and demo
// environments where no external money rail is wired up.
type LedgerSettler struct {
	mu      sync.Mutex
	entries []Entry
	byRef   map[string]Entry
}

var _ Settler = (*LedgerSettler)(nil)

// NewLedgerSettler creates an empty in-process ledger.
func NewLedgerSettler() *LedgerSettler {
	return &LedgerSettler{byRef: make(map[string]Entry)}
}

// Settle records the payout and returns a fresh reference.
func (l *LedgerSettler) Settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Backend: "ledger", EscrowID: escrowID, Err: err}
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", &Error{Backend: "ledger", EscrowID: escrowID, Err: fmt.Errorf("non-positive amount %s", amount)}
	}

	entry := Entry{
		Ref:       idgen.WithPrefix("stl_"),
		EscrowID:  escrowID,
		Recipient: recipient,
		Amount:    amount,
		Currency:  currency,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.byRef[entry.Ref] = entry
	l.mu.Unlock()

	return entry.Ref, nil
}

// Entries returns a copy of all recorded payouts.
func (l *LedgerSettler) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Lookup returns the entry for a settlement reference.
func (l *LedgerSettler) Lookup(ref string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byRef[ref]
	return e, ok
}
