// Package stock maintains the inventory valuation ledger: the per-key
// quantity/cost snapshot, the append-only kardex behind it, and the movement
// documents that drive both.
package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementStatus enumerates movement document statuses.
type MovementStatus string

const (
	MovementStatusDraft     MovementStatus = "DRAFT"
	MovementStatusPending   MovementStatus = "PENDING"
	MovementStatusApproved  MovementStatus = "APPROVED"
	MovementStatusCompleted MovementStatus = "COMPLETED"
	MovementStatusCancelled MovementStatus = "CANCELLED"
)

// Editable reports whether lines may still change.
func (s MovementStatus) Editable() bool {
	return s == MovementStatusDraft || s == MovementStatusPending
}

// TransactionType signs kardex quantities.
type TransactionType string

const (
	TransactionTypeIn  TransactionType = "IN"
	TransactionTypeOut TransactionType = "OUT"
)

// Key identifies a stock position. AreaID and Lot are optional dimensions;
// zero values mean the dimension is unused.
type Key struct {
	ProductID  int64
	LocationID int64
	AreaID     int64
	Lot        string
}

// Entry is the current snapshot for a key.
type Entry struct {
	Key              Key
	Quantity         decimal.Decimal
	ReservedQuantity decimal.Decimal
	UnitCost         decimal.Decimal
	TotalCost        decimal.Decimal
	LastMovementID   int64
	UpdatedAt        time.Time
}

// Available is the quantity not held by reservations. Derived, never stored.
func (e Entry) Available() decimal.Decimal {
	return e.Quantity.Sub(e.ReservedQuantity)
}

// KardexEntry is one immutable row of the per-key history. Balances are
// running totals carried forward from the previous row.
type KardexEntry struct {
	ID              int64
	Key             Key
	TransactionType TransactionType
	Quantity        decimal.Decimal
	BalanceQuantity decimal.Decimal
	UnitCost        decimal.Decimal
	TotalCost       decimal.Decimal
	BalanceValue    decimal.Decimal
	MovementID      int64
	PostedAt        time.Time
}

// SignedQuantity returns the quantity with its ledger sign applied.
func (e KardexEntry) SignedQuantity() decimal.Decimal {
	if e.TransactionType == TransactionTypeOut {
		return e.Quantity.Neg()
	}
	return e.Quantity
}

// Movement is an inventory movement document header.
type Movement struct {
	ID                    int64
	Number                string
	MovementTypeID        int64
	SourceLocationID      int64
	DestinationLocationID int64
	Status                MovementStatus
	TotalQuantity         decimal.Decimal
	TotalCost             decimal.Decimal
	Reference             string
	RefID                 string
	Note                  string
	PostedAt              *time.Time
	CreatedBy             int64
	ApprovedBy            int64
	CancelledBy           int64
	CancelReason          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// MovementLine is one product movement within a document.
type MovementLine struct {
	ID           int64
	MovementID   int64
	ProductID    int64
	UnitID       int64
	Quantity     decimal.Decimal
	BaseQuantity decimal.Decimal
	UnitCost     decimal.Decimal
	Lot          string
	SerialNumber string
	ExpiryDate   *time.Time
}

// KardexFilter filters kardex range queries.
type KardexFilter struct {
	Key   Key
	From  time.Time
	To    time.Time
	Limit int
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("stock: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("stock: invalid input")
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("stock: invalid state transition")
	// ErrInsufficientStock triggered when a decrease would take quantity below zero.
	ErrInsufficientStock = errors.New("stock: insufficient quantity")
	// ErrInsufficientAvailable triggered when a reservation exceeds available quantity.
	ErrInsufficientAvailable = errors.New("stock: insufficient available quantity")
)

// RecalculateTotals derives header totals from lines: sum of base quantities
// and sum of line costs. Callers invoke it explicitly after any line change.
func RecalculateTotals(m *Movement, lines []MovementLine) {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, line := range lines {
		totalQty = totalQty.Add(line.BaseQuantity)
		totalCost = totalCost.Add(line.BaseQuantity.Mul(line.UnitCost))
	}
	m.TotalQuantity = totalQty.Round(4)
	m.TotalCost = totalCost.Round(4)
}
