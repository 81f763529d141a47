// Package procurement owns purchase orders and goods receipts, including the
// receipt-completion cascade that fans out to the stock ledger and payables.
package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates purchase order lifecycle statuses.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "DRAFT"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusApproved  OrderStatus = "APPROVED"
	OrderStatusSent      OrderStatus = "SENT"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Receivable reports whether goods may still be received against the order.
func (s OrderStatus) Receivable() bool {
	switch s {
	case OrderStatusApproved, OrderStatusSent, OrderStatusConfirmed, OrderStatusPartial:
		return true
	}
	return false
}

// Receipt lifecycle statuses.
type ReceiptStatus string

const (
	ReceiptStatusDraft     ReceiptStatus = "DRAFT"
	ReceiptStatusPending   ReceiptStatus = "PENDING"
	ReceiptStatusCompleted ReceiptStatus = "COMPLETED"
	ReceiptStatusCancelled ReceiptStatus = "CANCELLED"
)

// Editable reports whether the receipt may still change. Completion is a
// one-way gate.
func (s ReceiptStatus) Editable() bool {
	return s == ReceiptStatusDraft || s == ReceiptStatusPending
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID              int64
	Number          string
	SupplierID      int64
	LocationID      int64
	Status          OrderStatus
	OrderDate       time.Time
	ExpectedDate    time.Time
	Currency        string
	ExchangeRate    decimal.Decimal
	Subtotal        decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	TaxAmount       decimal.Decimal
	ShippingCost    decimal.Decimal
	Total           decimal.Decimal
	Note            string
	CreatedBy       int64
	ApprovedBy      int64
	ApprovedAt      *time.Time
	CancelledBy     int64
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PurchaseOrderLine represents ordered goods with fulfillment tracking.
type PurchaseOrderLine struct {
	ID               int64
	OrderID          int64
	ProductID        int64
	UnitID           int64
	QuantityOrdered  decimal.Decimal
	QuantityReceived decimal.Decimal
	UnitPrice        decimal.Decimal
	DiscountPercent  decimal.Decimal
	DiscountAmount   decimal.Decimal
	TaxRate          decimal.Decimal
	LineTotal        decimal.Decimal
	Note             string
}

// QuantityPending is the remaining open quantity. Derived, never stored.
func (l PurchaseOrderLine) QuantityPending() decimal.Decimal {
	pending := l.QuantityOrdered.Sub(l.QuantityReceived)
	if pending.IsNegative() {
		return decimal.Zero
	}
	return pending
}

func (l PurchaseOrderLine) discount() decimal.Decimal {
	gross := l.QuantityOrdered.Mul(l.UnitPrice)
	if l.DiscountPercent.IsPositive() {
		return gross.Mul(l.DiscountPercent).Div(decimal.NewFromInt(100))
	}
	return l.DiscountAmount
}

// PurchaseReceipt domain model. OrderID is zero for unreferenced receipts.
type PurchaseReceipt struct {
	ID             int64
	Number         string
	OrderID        int64
	SupplierID     int64
	LocationID     int64
	Status         ReceiptStatus
	ReceiptDate    time.Time
	SupplierDocRef string
	Currency       string
	ExchangeRate   decimal.Decimal
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
	Note           string
	CreatedBy      int64
	CompletedBy    int64
	CompletedAt    *time.Time
	CancelledBy    int64
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PurchaseReceiptLine describes received goods. OrderLineID is zero when the
// line is not traceable to an order line.
type PurchaseReceiptLine struct {
	ID               int64
	ReceiptID        int64
	OrderLineID      int64
	ProductID        int64
	UnitID           int64
	QuantityReceived decimal.Decimal
	QuantityAccepted decimal.Decimal
	QuantityRejected decimal.Decimal
	UnitCost         decimal.Decimal
	TaxRate          decimal.Decimal
	Lot              string
	ExpiryDate       *time.Time
	LineTotal        decimal.Decimal
}

var (
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrCreditExceeded indicates the supplier credit check failed.
	ErrCreditExceeded = errors.New("procurement: supplier credit limit exceeded")
)

var hundred = decimal.NewFromInt(100)

// RecalculateOrderTotals derives line totals and header amounts. Line total is
// the discounted net plus its tax; the header discount is either a percentage
// of the subtotal or a fixed amount. Callers invoke it explicitly after any
// line change; nothing recalculates as a save side effect.
func RecalculateOrderTotals(o *PurchaseOrder, lines []PurchaseOrderLine) {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for i := range lines {
		net := lines[i].QuantityOrdered.Mul(lines[i].UnitPrice).Sub(lines[i].discount())
		lineTax := net.Mul(lines[i].TaxRate).Div(hundred)
		lines[i].LineTotal = net.Add(lineTax).Round(4)
		subtotal = subtotal.Add(net)
		tax = tax.Add(lineTax)
	}
	o.Subtotal = subtotal.Round(4)
	o.TaxAmount = tax.Round(4)
	if o.DiscountPercent.IsPositive() {
		o.DiscountAmount = subtotal.Mul(o.DiscountPercent).Div(hundred).Round(4)
	}
	o.Total = o.Subtotal.Sub(o.DiscountAmount).Add(o.TaxAmount).Add(o.ShippingCost).Round(4)
}

// RecalculateReceiptTotals derives receipt amounts from accepted quantities.
func RecalculateReceiptTotals(r *PurchaseReceipt, lines []PurchaseReceiptLine) {
	subtotal := decimal.Zero
	tax := decimal.Zero
	for i := range lines {
		net := lines[i].QuantityAccepted.Mul(lines[i].UnitCost)
		lineTax := net.Mul(lines[i].TaxRate).Div(hundred)
		lines[i].LineTotal = net.Add(lineTax).Round(4)
		subtotal = subtotal.Add(net)
		tax = tax.Add(lineTax)
	}
	r.Subtotal = subtotal.Round(4)
	r.TaxAmount = tax.Round(4)
	r.Total = r.Subtotal.Add(r.TaxAmount).Round(4)
}

// FulfillmentStatus resolves the order status implied by received quantities:
// completed when everything ordered has arrived, partial when some has, and
// the current status otherwise.
func FulfillmentStatus(current OrderStatus, lines []PurchaseOrderLine) OrderStatus {
	ordered := decimal.Zero
	received := decimal.Zero
	for _, line := range lines {
		ordered = ordered.Add(line.QuantityOrdered)
		received = received.Add(line.QuantityReceived)
	}
	switch {
	case ordered.IsPositive() && received.GreaterThanOrEqual(ordered):
		return OrderStatusCompleted
	case received.IsPositive() && received.LessThan(ordered):
		return OrderStatusPartial
	default:
		return current
	}
}
