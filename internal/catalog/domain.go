// Package catalog exposes the reference data the ledger consumes but does not
// own: products, units of measure, movement types, and suppliers.
package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CostingMethod enumerates supported inventory costing methods.
type CostingMethod string

const (
	// CostingWeightedAverage recomputes unit cost as a quantity-weighted mean
	// on every stock increase.
	CostingWeightedAverage CostingMethod = "WEIGHTED_AVERAGE"
	// CostingStandard keeps a fixed standard cost.
	CostingStandard CostingMethod = "STANDARD"
)

// MovementDirection describes where a movement type moves stock.
type MovementDirection string

const (
	DirectionIn         MovementDirection = "IN"
	DirectionOut        MovementDirection = "OUT"
	DirectionTransfer   MovementDirection = "TRANSFER"
	DirectionAdjustment MovementDirection = "ADJUSTMENT"
)

// MovementEffect describes the ledger effect of a movement type.
type MovementEffect string

const (
	EffectIncrease MovementEffect = "INCREASE"
	EffectDecrease MovementEffect = "DECREASE"
	EffectNeutral  MovementEffect = "NEUTRAL"
)

// Product domain model.
type Product struct {
	ID              int64
	Code            string
	Name            string
	UnitID          int64
	TracksInventory bool
	TrackLots       bool
	TrackSerials    bool
	TrackExpiry     bool
	Costing         CostingMethod
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UnitOfMeasure with its conversion factor to the base unit.
type UnitOfMeasure struct {
	ID               int64
	Code             string
	Name             string
	ConversionFactor decimal.Decimal
	IsBase           bool
}

// MovementType describes how a class of movements behaves.
type MovementType struct {
	ID                  int64
	Code                string
	Name                string
	Direction           MovementDirection
	Effect              MovementEffect
	RequiresSource      bool
	RequiresDestination bool
}

// Supplier domain model.
type Supplier struct {
	ID               int64
	Code             string
	Name             string
	TaxID            string
	Email            string
	Phone            string
	PaymentTermsDays int
	CreditLimit      decimal.Decimal
	CurrentBalance   decimal.Decimal
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasAvailableCredit reports whether the supplier can absorb an additional
// amount of exposure. A zero credit limit means unlimited.
func (s Supplier) HasAvailableCredit(amount decimal.Decimal) bool {
	if s.CreditLimit.IsZero() {
		return true
	}
	return s.CurrentBalance.Add(amount).LessThanOrEqual(s.CreditLimit)
}

var (
	// ErrNotFound indicates a missing reference record.
	ErrNotFound = errors.New("catalog: not found")
)
