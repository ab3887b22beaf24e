package market

import (
	"fmt"
	"math/big"
)

// FeePayout is a single fee share distributed during a positive settlement.
type FeePayout struct {
	Recipient [20]byte
	Amount    *big.Int
}

// FeePolicy externalises platform fee computation. The engine consults the
// policy at listing creation (price admission) and during each positive
// settlement (fee split), rather than hardcoding percentages per action.
type FeePolicy interface {
	// ValidatePrice rejects listing prices the policy cannot split cleanly.
	ValidatePrice(price *big.Int) error
	// Assess returns the fee payouts owed for a sale at the given price. The
	// sum of the returned amounts must never exceed the price.
	Assess(price *big.Int) []FeePayout
}

// NoFee is the zero-fee policy. Any non-negative price is admissible and no
// fee is ever skimmed.
type NoFee struct{}

// ValidatePrice implements FeePolicy.
func (NoFee) ValidatePrice(price *big.Int) error {
	if price == nil || price.Sign() < 0 {
		return ErrInvalidPrice
	}
	return nil
}

// Assess implements FeePolicy.
func (NoFee) Assess(*big.Int) []FeePayout { return nil }

// BpsFeePolicy skims a basis-point share of the price to a collector address
// during positive settlements. Prices must be divisible by the configured
// granularity so the split is exact.
type BpsFeePolicy struct {
	bps         uint32
	granularity *big.Int
	collector   [20]byte
}

// NewBpsFeePolicy builds a basis-point fee policy. The granularity defaults to
// 100 smallest units when zero.
func NewBpsFeePolicy(bps uint32, granularity uint64, collector [20]byte) (*BpsFeePolicy, error) {
	if bps > 10_000 {
		return nil, fmt.Errorf("market: fee bps out of range: %d", bps)
	}
	if bps > 0 && isZeroAddress(collector) {
		return nil, fmt.Errorf("market: fee collector required for non-zero fee")
	}
	if granularity == 0 {
		granularity = 100
	}
	return &BpsFeePolicy{
		bps:         bps,
		granularity: new(big.Int).SetUint64(granularity),
		collector:   collector,
	}, nil
}

// ValidatePrice implements FeePolicy.
func (p *BpsFeePolicy) ValidatePrice(price *big.Int) error {
	if price == nil || price.Sign() < 0 {
		return ErrInvalidPrice
	}
	if p.bps == 0 {
		return nil
	}
	if new(big.Int).Mod(price, p.granularity).Sign() != 0 {
		return fmt.Errorf("%w: must be divisible by %s", ErrInvalidPrice, p.granularity)
	}
	return nil
}

// Assess implements FeePolicy.
func (p *BpsFeePolicy) Assess(price *big.Int) []FeePayout {
	if p.bps == 0 || price == nil || price.Sign() <= 0 {
		return nil
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(uint64(p.bps)))
	fee.Div(fee, big.NewInt(10_000))
	if fee.Sign() == 0 {
		return nil
	}
	return []FeePayout{{Recipient: p.collector, Amount: fee}}
}
