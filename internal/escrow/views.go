package escrow

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/parcelmarket/escrowd/internal/validation"
)

// GroupStatus summarizes one seller's contracts within a wallet view.
type GroupStatus string

const (
	GroupCompleted GroupStatus = "completed"
	GroupDisputed  GroupStatus = "disputed"
	GroupFunded    GroupStatus = "funded"
	GroupPartial   GroupStatus = "partial"
)

// SellerGroupView is the per-seller slice of a wallet view.
type SellerGroupView struct {
	Seller      string          `json:"seller"`
	Status      GroupStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Contracts   []*Escrow       `json:"contracts"`
}

// WalletSummary aggregates a wallet's contracts.
type WalletSummary struct {
	Total        int              `json:"total"`
	ByStatus     map[Status]int   `json:"byStatus"`
	TotalAmount  decimal.Decimal  `json:"totalAmount"`
	ActiveAmount decimal.Decimal  `json:"activeAmount"`
}

// WalletView is everything one wallet sees: the flat contract list, the
// same contracts grouped by seller, and a summary.
type WalletView struct {
	Wallet          string             `json:"wallet"`
	Role            Role               `json:"role"`
	Contracts       []*Escrow          `json:"contracts"`
	GroupedBySeller []*SellerGroupView `json:"groupedBySeller"`
	Summary         WalletSummary      `json:"summary"`
}

// GroupedView is a pure read over the store; it never mutates state.
// Group status rules, in priority order: every contract settled
// (RELEASED, or RESOLVED with a settlement reference) is "completed"; any
// DISPUTED makes the group "disputed"; all FUNDED is "funded"; any other
// mix is "partial".
func (s *Service) GroupedView(ctx context.Context, wallet string, role Role) (*WalletView, error) {
	switch role {
	case RoleBuyer, RoleSeller, RoleAll:
	case "":
		role = RoleAll
	default:
		return nil, fmt.Errorf("%w: role must be buyer, seller or all", ErrValidation)
	}

	wallet = validation.NormalizeAddress(wallet)
	contracts, err := s.store.ListByWallet(ctx, wallet, role)
	if err != nil {
		return nil, err
	}

	view := &WalletView{
		Wallet:    wallet,
		Role:      role,
		Contracts: contracts,
		Summary: WalletSummary{
			ByStatus:     make(map[Status]int),
			TotalAmount:  decimal.Zero,
			ActiveAmount: decimal.Zero,
		},
	}

	bySeller := make(map[string][]*Escrow)
	for _, e := range contracts {
		bySeller[e.Seller] = append(bySeller[e.Seller], e)
		view.Summary.Total++
		view.Summary.ByStatus[e.Status]++
		view.Summary.TotalAmount = view.Summary.TotalAmount.Add(e.Amount)
		if !e.Terminal() {
			view.Summary.ActiveAmount = view.Summary.ActiveAmount.Add(e.Amount)
		}
	}

	sellers := make([]string, 0, len(bySeller))
	for seller := range bySeller {
		sellers = append(sellers, seller)
	}
	sort.Strings(sellers)

	for _, seller := range sellers {
		group := bySeller[seller]
		gv := &SellerGroupView{
			Seller:      seller,
			Status:      groupStatus(group),
			TotalAmount: decimal.Zero,
			Contracts:   group,
		}
		for _, e := range group {
			gv.TotalAmount = gv.TotalAmount.Add(e.Amount)
		}
		view.GroupedBySeller = append(view.GroupedBySeller, gv)
	}
	return view, nil
}

func groupStatus(contracts []*Escrow) GroupStatus {
	settled := 0
	funded := 0
	for _, e := range contracts {
		switch {
		case e.Status == StatusReleased:
			settled++
		case e.Status == StatusResolved && e.SettlementRef != "":
			settled++
		case e.Status == StatusDisputed:
			return GroupDisputed
		case e.Status == StatusFunded:
			funded++
		}
	}
	switch {
	case settled == len(contracts):
		return GroupCompleted
	case funded == len(contracts):
		return GroupFunded
	default:
		return GroupPartial
	}
}
