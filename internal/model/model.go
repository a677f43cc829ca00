// Package model defines the core data structures for the autocompound-apr-ea.
package model

import (
	"errors"
	"fmt"
	"math/big"
)

// InvestorID identifies an investor (vault position) on chain. It is stable for the
// lifetime of the position.
type InvestorID string

// PoolName identifies a pool configuration, e.g. "ALPHA-SUI" or "CETUS-USDC-SUI".
type PoolName string

// EventKind discriminates the two compounding event shapes.
type EventKind int

// Compounding event shapes
const (
	KindUnknown     EventKind = iota
	KindSingleAsset           // one token side, e.g. lending pools
	KindDualAsset             // two token sides, e.g. concentrated liquidity pools
)

func (k EventKind) String() string {
	switch k {
	case KindSingleAsset:
		return "single_asset"
	case KindDualAsset:
		return "dual_asset"
	default:
		return "unknown"
	}
}

// ErrUnknownEventShape is returned when an event carries neither the single-asset nor the
// dual-asset amount fields.
var ErrUnknownEventShape = errors.New("unknown compounding event shape")

// DualAssetAmounts holds the amounts of a two-token compounding event, in token minor units.
type DualAssetAmounts struct {
	CompoundA *big.Int
	CompoundB *big.Int
	TotalA    *big.Int
	TotalB    *big.Int
}

// SingleAssetAmounts holds the amounts of a single-token compounding event, in token minor units.
type SingleAssetAmounts struct {
	Compound *big.Int
	Total    *big.Int
}

// CompoundingEvent is an on-chain auto-compounding or rebalance record.
// Exactly one of Dual and Single is set.
type CompoundingEvent struct {
	// InvestorID of the position that compounded
	InvestorID InvestorID

	// Timestamp in epoch milliseconds
	Timestamp int64

	Dual   *DualAssetAmounts
	Single *SingleAssetAmounts
}

// NewDualAssetEvent creates a two-token compounding event.
func NewDualAssetEvent(investor InvestorID, timestamp int64, amounts DualAssetAmounts) CompoundingEvent {
	return CompoundingEvent{
		InvestorID: investor,
		Timestamp:  timestamp,
		Dual:       &amounts,
	}
}

// NewSingleAssetEvent creates a single-token compounding event.
func NewSingleAssetEvent(investor InvestorID, timestamp int64, amounts SingleAssetAmounts) CompoundingEvent {
	return CompoundingEvent{
		InvestorID: investor,
		Timestamp:  timestamp,
		Single:     &amounts,
	}
}

// Kind reports which shape the event has.
func (e CompoundingEvent) Kind() EventKind {
	switch {
	case e.Dual != nil && e.Single == nil:
		return KindDualAsset
	case e.Single != nil && e.Dual == nil:
		return KindSingleAsset
	default:
		return KindUnknown
	}
}

// Validate checks the shape invariant and that all amounts are present and non-negative.
func (e CompoundingEvent) Validate() error {
	if e.InvestorID == "" {
		return errors.New("missing investor id")
	}

	var amounts map[string]*big.Int
	switch e.Kind() {
	case KindDualAsset:
		amounts = map[string]*big.Int{
			"compound_amount_a": e.Dual.CompoundA,
			"compound_amount_b": e.Dual.CompoundB,
			"total_amount_a":    e.Dual.TotalA,
			"total_amount_b":    e.Dual.TotalB,
		}
	case KindSingleAsset:
		amounts = map[string]*big.Int{
			"compound_amount": e.Single.Compound,
			"total_amount":    e.Single.Total,
		}
	default:
		return ErrUnknownEventShape
	}

	for field, v := range amounts {
		if v == nil {
			return fmt.Errorf("missing %s", field)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("negative %s: %s", field, v)
		}
	}
	return nil
}

// EventBatch is an unordered sequence of compounding events, possibly mixing investors and shapes.
type EventBatch []CompoundingEvent

// PoolInfo is the registry metadata of a pool.
type PoolInfo struct {
	Name PoolName `json:"name" yaml:"-"`

	// InvestorID owned by this pool
	InvestorID InvestorID `json:"investor_id" yaml:"investor_id"`

	// AutoCompoundingEventType is the fully-qualified Move event type emitted on compounding.
	// Empty when the pool emits no compounding events.
	AutoCompoundingEventType string `json:"auto_compounding_event_type,omitempty" yaml:"auto_compounding_event_type"`
}

// AprResult maps a pool to its APR, as a percentage. Values may be zero or negative.
type AprResult map[PoolName]float64
