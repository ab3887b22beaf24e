package market

import (
	"fmt"
	"math/big"
	"strings"
)

// Role identifiers consulted through the state backend's role registry.
const (
	RoleArtist  = "ROLE_ARTIST"
	RoleArbiter = "ROLE_ARBITER"
	RoleAdmin   = "ROLE_ADMIN"
)

// PurchaseStatus tracks a purchase through the settlement state machine.
type PurchaseStatus uint8

const (
	PurchaseActive PurchaseStatus = iota + 1
	PurchaseDisputed
	PurchaseResolved
	PurchaseRefunded
)

// Valid reports whether the status value is within the supported range.
func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchaseActive, PurchaseDisputed, PurchaseResolved, PurchaseRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseResolved || s == PurchaseRefunded
}

func (s PurchaseStatus) String() string {
	switch s {
	case PurchaseActive:
		return "active"
	case PurchaseDisputed:
		return "disputed"
	case PurchaseResolved:
		return "resolved"
	case PurchaseRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Listing is an artist's template for a repeatedly sellable sealed artwork.
// Everything except Minted is immutable after creation.
type Listing struct {
	ID          uint64   `json:"id"`
	Artist      [20]byte `json:"artist"`
	Name        string   `json:"name"`
	ContentRef  string   `json:"contentRef"`
	SupplyLimit uint64   `json:"supplyLimit"`
	Minted      uint64   `json:"minted"`
	Price       *big.Int `json:"price"`
	CreatedAt   int64    `json:"createdAt"`
}

// Clone returns a deep copy of the listing.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// SanitizeListing validates a listing definition and returns a normalised deep
// copy. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	clone.ContentRef = strings.TrimSpace(clone.ContentRef)
	if clone.Name == "" {
		return nil, fmt.Errorf("listing name required")
	}
	if clone.ContentRef == "" {
		return nil, fmt.Errorf("listing content reference required")
	}
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("listing price must be non-negative")
	}
	if clone.Minted > clone.SupplyLimit {
		return nil, fmt.Errorf("listing minted %d exceeds supply limit %d", clone.Minted, clone.SupplyLimit)
	}
	return clone, nil
}

// Purchase is one buyer's instance of acquiring a listing. Records are
// append-only per listing and are never deleted; a settled record is the
// permanent receipt of the sale.
type Purchase struct {
	ListingID     uint64         `json:"listingId"`
	Index         uint64         `json:"index"`
	Buyer         [20]byte       `json:"buyer"`
	Status        PurchaseStatus `json:"status"`
	Paid          *big.Int       `json:"paid"`
	LockedDeposit *big.Int       `json:"lockedDeposit"`
	PurchasedAt   int64          `json:"purchasedAt"`
}

// Clone returns a deep copy of the purchase.
func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Paid != nil {
		clone.Paid = new(big.Int).Set(p.Paid)
	} else {
		clone.Paid = big.NewInt(0)
	}
	if p.LockedDeposit != nil {
		clone.LockedDeposit = new(big.Int).Set(p.LockedDeposit)
	} else {
		clone.LockedDeposit = big.NewInt(0)
	}
	return &clone
}

// SanitizePurchase validates a purchase record and returns a normalised deep
// copy. The original value is not mutated.
func SanitizePurchase(p *Purchase) (*Purchase, error) {
	if p == nil {
		return nil, fmt.Errorf("nil purchase")
	}
	clone := p.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid purchase status: %d", clone.Status)
	}
	if clone.Paid.Sign() < 0 {
		return nil, fmt.Errorf("purchase paid amount must be non-negative")
	}
	if clone.LockedDeposit.Sign() < 0 {
		return nil, fmt.Errorf("purchase locked deposit must be non-negative")
	}
	if clone.Status.Terminal() && clone.LockedDeposit.Sign() != 0 {
		return nil, fmt.Errorf("terminal purchase must carry no locked deposit")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}
