package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeSettler pays recipients through Stripe Transfers. Recipients are
// connected-account ids ("acct_..."); the returned reference is the
// transfer id.
type StripeSettler struct {
	api *client.API
}

var _ Settler = (*StripeSettler)(nil)

// NewStripeSettler creates a settler bound to the given secret key.
func NewStripeSettler(apiKey string) *StripeSettler {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeSettler{api: api}
}

// Settle creates a Transfer to the recipient's connected account, grouped
// under the escrow id so payouts reconcile per contract.
func (s *StripeSettler) Settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error) {
	if !strings.HasPrefix(recipient, "acct_") {
		return "", &Error{Backend: "stripe", EscrowID: escrowID, Err: fmt.Errorf("recipient %q is not a connected account id", recipient)}
	}

	// Stripe amounts are integer minor units.
	cents := amount.Shift(2).Truncate(0)
	if cents.Sign() <= 0 {
		return "", &Error{Backend: "stripe", EscrowID: escrowID, Err: fmt.Errorf("non-positive amount %s", amount)}
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(cents.IntPart()),
		Currency:      stripe.String(strings.ToLower(currency)),
		Destination:   stripe.String(recipient),
		TransferGroup: stripe.String(escrowID),
	}
	params.Context = ctx

	transfer, err := s.api.Transfers.New(params)
	if err != nil {
		return "", &Error{Backend: "stripe", EscrowID: escrowID, Err: err}
	}
	return transfer.ID, nil
}
