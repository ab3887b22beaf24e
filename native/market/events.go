package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"galleria/core/types"
)

const (
	EventTypeListingCreated      = "market.listing.created"
	EventTypeCollateralDeposited = "market.collateral.deposited"
	EventTypeCollateralWithdrawn = "market.collateral.withdrawn"
	EventTypePurchaseCreated     = "market.purchase.created"
	EventTypePurchaseResolved    = "market.purchase.resolved"
	EventTypePurchaseDisputed    = "market.purchase.disputed"
	EventTypePurchaseForced      = "market.purchase.forced"
	EventTypePurchaseSettled     = "market.purchase.settled"
	EventTypePurchaseRefunded    = "market.purchase.refunded"
)

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewListingCreatedEvent returns the canonical payload for a new listing.
func NewListingCreatedEvent(l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l != nil {
		attrs["listingId"] = strconv.FormatUint(l.ID, 10)
		attrs["artist"] = hexAddr(l.Artist)
		attrs["name"] = l.Name
		attrs["contentRef"] = l.ContentRef
		attrs["supplyLimit"] = strconv.FormatUint(l.SupplyLimit, 10)
		attrs["price"] = amountString(l.Price)
	}
	return &types.Event{Type: EventTypeListingCreated, Attributes: attrs}
}

// NewCollateralDepositedEvent records an artist topping up free collateral.
func NewCollateralDepositedEvent(artist [20]byte, amount, balance *big.Int) *types.Event {
	return &types.Event{Type: EventTypeCollateralDeposited, Attributes: map[string]string{
		"artist":  hexAddr(artist),
		"amount":  amountString(amount),
		"balance": amountString(balance),
	}}
}

// NewCollateralWithdrawnEvent records an artist withdrawing free collateral.
func NewCollateralWithdrawnEvent(artist [20]byte, amount, balance *big.Int) *types.Event {
	return &types.Event{Type: EventTypeCollateralWithdrawn, Attributes: map[string]string{
		"artist":  hexAddr(artist),
		"amount":  amountString(amount),
		"balance": amountString(balance),
	}}
}

// NewPurchaseCreatedEvent records a new active purchase with its escrowed
// amounts.
func NewPurchaseCreatedEvent(p *Purchase) *types.Event {
	return newPurchaseEvent(EventTypePurchaseCreated, p, nil)
}

// NewPurchaseDisputedEvent records a buyer rejecting delivery. No funds move
// until the dispute is arbitrated.
func NewPurchaseDisputedEvent(p *Purchase) *types.Event {
	return newPurchaseEvent(EventTypePurchaseDisputed, p, nil)
}

// Settlement describes the redistribution applied by a terminal transition.
// The amounts always sum to the value escrowed for the purchase.
type Settlement struct {
	RefundToBuyer  *big.Int
	CreditToSeller *big.Int
	Fees           *big.Int
	Forfeit        *big.Int
}

// NewPurchaseResolvedEvent records a buyer-confirmed settlement.
func NewPurchaseResolvedEvent(p *Purchase, s *Settlement) *types.Event {
	return newPurchaseEvent(EventTypePurchaseResolved, p, s)
}

// NewPurchaseForcedEvent records an artist-forced settlement after the
// confirmation timeout elapsed.
func NewPurchaseForcedEvent(p *Purchase, s *Settlement) *types.Event {
	return newPurchaseEvent(EventTypePurchaseForced, p, s)
}

// NewPurchaseSettledEvent records an arbiter ruling in favour of the artist.
func NewPurchaseSettledEvent(p *Purchase, s *Settlement) *types.Event {
	return newPurchaseEvent(EventTypePurchaseSettled, p, s)
}

// NewPurchaseRefundedEvent records an arbiter ruling in favour of the buyer.
func NewPurchaseRefundedEvent(p *Purchase, s *Settlement) *types.Event {
	return newPurchaseEvent(EventTypePurchaseRefunded, p, s)
}

func newPurchaseEvent(eventType string, p *Purchase, s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["listingId"] = strconv.FormatUint(p.ListingID, 10)
		attrs["purchaseIndex"] = strconv.FormatUint(p.Index, 10)
		attrs["buyer"] = hexAddr(p.Buyer)
		attrs["status"] = p.Status.String()
		attrs["paid"] = amountString(p.Paid)
		attrs["lockedDeposit"] = amountString(p.LockedDeposit)
		attrs["purchasedAt"] = strconv.FormatInt(p.PurchasedAt, 10)
	}
	if s != nil {
		attrs["refundToBuyer"] = amountString(s.RefundToBuyer)
		attrs["creditToSeller"] = amountString(s.CreditToSeller)
		attrs["fees"] = amountString(s.Fees)
		attrs["forfeit"] = amountString(s.Forfeit)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
