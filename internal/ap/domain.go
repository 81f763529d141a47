// Package ap owns supplier payables and outgoing payments, including the
// application ledger that ties payments to the payables they settle.
package ap

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PayableStatus enumerates payable lifecycle statuses.
type PayableStatus string

const (
	PayableStatusPending   PayableStatus = "PENDING"
	PayableStatusPartial   PayableStatus = "PARTIAL"
	PayableStatusPaid      PayableStatus = "PAID"
	PayableStatusCancelled PayableStatus = "CANCELLED"
	PayableStatusDisputed  PayableStatus = "DISPUTED"
)

// Payable statuses that still accept payment applications.
func (s PayableStatus) Open() bool {
	return s == PayableStatusPending || s == PayableStatusPartial
}

// PaymentStatus enumerates payment lifecycle statuses.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusProcessed PaymentStatus = "PROCESSED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusBounced   PaymentStatus = "BOUNCED"
)

// AccountPayable is an obligation owed to a supplier.
type AccountPayable struct {
	ID             int64
	Number         string
	SupplierID     int64
	ReceiptID      int64
	OrderID        int64
	SupplierDocRef string
	Status         PayableStatus
	IssueDate      time.Time
	DueDate        time.Time
	Currency       string
	ExchangeRate   decimal.Decimal
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	PaidAmount     decimal.Decimal
	Note           string
	CreatedBy      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance is the outstanding amount, clamped at zero. Derived, never stored.
func (p AccountPayable) Balance() decimal.Decimal {
	balance := p.TotalAmount.Sub(p.PaidAmount)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance
}

// ApplyPayment records an application against the payable and moves the
// status to PARTIAL or PAID.
func (p *AccountPayable) ApplyPayment(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrValidation
	}
	if amount.GreaterThan(p.Balance()) {
		return ErrOverApplication
	}
	p.PaidAmount = p.PaidAmount.Add(amount)
	if p.PaidAmount.GreaterThanOrEqual(p.TotalAmount) {
		p.Status = PayableStatusPaid
	} else {
		p.Status = PayableStatusPartial
	}
	return nil
}

// ReversePayment backs out a previously applied amount, clamping the paid
// amount at zero. Applying then reversing the same amount restores both paid
// amount and status exactly.
func (p *AccountPayable) ReversePayment(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrValidation
	}
	p.PaidAmount = p.PaidAmount.Sub(amount)
	if p.PaidAmount.IsNegative() {
		p.PaidAmount = decimal.Zero
	}
	if p.PaidAmount.IsZero() {
		p.Status = PayableStatusPending
	} else {
		p.Status = PayableStatusPartial
	}
	return nil
}

// Payment is an outgoing disbursement to a supplier. PayableID is a
// denormalized convenience for single-payable payments; the applications
// table is authoritative for what the payment settled.
type Payment struct {
	ID           int64
	Number       string
	SupplierID   int64
	PayableID    int64
	Status       PaymentStatus
	PaymentDate  time.Time
	Method       string
	Reference    string
	Amount       decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal
	Note         string
	CreatedBy    int64
	ProcessedBy  int64
	ProcessedAt  *time.Time
	CancelledBy  int64
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PaymentApplication allocates part of a payment to one payable.
type PaymentApplication struct {
	ID        int64
	PaymentID int64
	PayableID int64
	Amount    decimal.Decimal
	AppliedAt time.Time
}

// AgingBucket is one row of an accounts payable aging report.
type AgingBucket struct {
	Label   string
	Count   int
	Balance decimal.Decimal
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("ap: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("ap: invalid input")
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = errors.New("ap: invalid state transition")
	// ErrOverApplication indicates an application exceeding the payable balance.
	ErrOverApplication = errors.New("ap: application exceeds payable balance")
)

// AgeBuckets assigns each open payable balance to an aging bucket relative
// to asOf. Buckets follow the usual 30-day bands.
func AgeBuckets(payables []AccountPayable, asOf time.Time) []AgingBucket {
	buckets := []AgingBucket{
		{Label: "CURRENT", Balance: decimal.Zero},
		{Label: "1-30", Balance: decimal.Zero},
		{Label: "31-60", Balance: decimal.Zero},
		{Label: "61-90", Balance: decimal.Zero},
		{Label: "90+", Balance: decimal.Zero},
	}
	for _, p := range payables {
		if !p.Status.Open() {
			continue
		}
		balance := p.Balance()
		if !balance.IsPositive() {
			continue
		}
		overdue := int(asOf.Sub(p.DueDate).Hours() / 24)
		idx := 0
		switch {
		case overdue <= 0:
			idx = 0
		case overdue <= 30:
			idx = 1
		case overdue <= 60:
			idx = 2
		case overdue <= 90:
			idx = 3
		default:
			idx = 4
		}
		buckets[idx].Count++
		buckets[idx].Balance = buckets[idx].Balance.Add(balance)
	}
	return buckets
}
