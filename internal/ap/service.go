package ap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/sequence"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPayable(ctx context.Context, id int64) (AccountPayable, error)
	GetPayment(ctx context.Context, id int64) (Payment, []PaymentApplication, error)
	ListOpenPayables(ctx context.Context, supplierID int64) ([]AccountPayable, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates payables and payments.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	sequences sequence.Sequencer
	validate  *validator.Validate
}

// NewService constructs ap service.
func NewService(repo RepositoryPort, audit AuditPort, seq sequence.Sequencer) *Service {
	return &Service{repo: repo, audit: audit, sequences: seq, validate: validator.New()}
}

// CreatePayableInput describes payable creation.
type CreatePayableInput struct {
	Number         string
	SupplierID     int64 `validate:"required,gt=0"`
	ReceiptID      int64
	OrderID        int64
	SupplierDocRef string
	IssueDate      time.Time
	DueDate        time.Time
	Currency       string `validate:"omitempty,len=3"`
	ExchangeRate   decimal.Decimal
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	Note           string
}

// ApplicationInput allocates part of a payment to one payable.
type ApplicationInput struct {
	PayableID int64 `validate:"required,gt=0"`
	Amount    decimal.Decimal
}

// CreatePaymentInput describes payment creation.
type CreatePaymentInput struct {
	Number       string
	SupplierID   int64 `validate:"required,gt=0"`
	PaymentDate  time.Time
	Method       string `validate:"required"`
	Reference    string
	Amount       decimal.Decimal
	Currency     string `validate:"omitempty,len=3"`
	ExchangeRate decimal.Decimal
	Note         string
	Applications []ApplicationInput `validate:"min=1,dive"`
}

// CreatePayable records a new supplier obligation in PENDING status.
func (s *Service) CreatePayable(ctx context.Context, input CreatePayableInput) (AccountPayable, error) {
	if err := s.validate.Struct(input); err != nil {
		return AccountPayable{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !input.TotalAmount.IsPositive() {
		return AccountPayable{}, fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}
	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = time.Now().UTC()
	}
	dueDate := input.DueDate
	if dueDate.IsZero() {
		dueDate = issueDate
	}
	if dueDate.Before(issueDate) {
		return AccountPayable{}, fmt.Errorf("%w: due date before issue date", ErrValidation)
	}
	rate := input.ExchangeRate
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}
	payable := AccountPayable{
		Number:         input.Number,
		SupplierID:     input.SupplierID,
		ReceiptID:      input.ReceiptID,
		OrderID:        input.OrderID,
		SupplierDocRef: input.SupplierDocRef,
		Status:         PayableStatusPending,
		IssueDate:      issueDate,
		DueDate:        dueDate,
		Currency:       currency,
		ExchangeRate:   rate,
		Subtotal:       input.Subtotal.Round(4),
		TaxAmount:      input.TaxAmount.Round(4),
		TotalAmount:    input.TotalAmount.Round(4),
		PaidAmount:     decimal.Zero,
		Note:           input.Note,
		CreatedBy:      shared.ActorFromContext(ctx),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if payable.Number == "" {
			number, err := s.sequences.Next(ctx, "AP")
			if err != nil {
				return err
			}
			payable.Number = number
		}
		id, err := tx.CreatePayable(ctx, payable)
		if err != nil {
			return err
		}
		payable.ID = id
		return nil
	})
	if err != nil {
		return AccountPayable{}, err
	}
	s.recordAudit(ctx, "AP_CREATE", "payable", payable.ID, map[string]any{"number": payable.Number, "total": payable.TotalAmount.String()})
	return payable, nil
}

// CreateFromReceipt records the obligation created by a completed goods
// receipt. Runs inside the caller's ambient transaction.
func (s *Service) CreateFromReceipt(ctx context.Context, input CreatePayableInput) (AccountPayable, error) {
	if input.ReceiptID == 0 {
		return AccountPayable{}, fmt.Errorf("%w: receipt reference required", ErrValidation)
	}
	return s.CreatePayable(ctx, input)
}

// GetPayable returns a payable by ID.
func (s *Service) GetPayable(ctx context.Context, id int64) (AccountPayable, error) {
	return s.repo.GetPayable(ctx, id)
}

// GetPayment returns a payment and its applications.
func (s *Service) GetPayment(ctx context.Context, id int64) (Payment, []PaymentApplication, error) {
	return s.repo.GetPayment(ctx, id)
}

// CancelPayable voids a payable with nothing applied against it.
func (s *Service) CancelPayable(ctx context.Context, payableID int64, reason string) error {
	payable, err := s.repo.GetPayable(ctx, payableID)
	if err != nil {
		return err
	}
	if payable.Status == PayableStatusPaid || payable.Status == PayableStatusCancelled {
		return ErrInvalidState
	}
	if payable.PaidAmount.IsPositive() {
		return fmt.Errorf("%w: payable has applied payments", ErrInvalidState)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePayableStatus(ctx, payableID, PayableStatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "AP_CANCEL", "payable", payableID, map[string]any{"number": payable.Number, "reason": reason})
	return nil
}

// DisputePayable freezes an open payable against further applications.
func (s *Service) DisputePayable(ctx context.Context, payableID int64, reason string) error {
	payable, err := s.repo.GetPayable(ctx, payableID)
	if err != nil {
		return err
	}
	if !payable.Status.Open() {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePayableStatus(ctx, payableID, PayableStatusDisputed)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "AP_DISPUTE", "payable", payableID, map[string]any{"number": payable.Number, "reason": reason})
	return nil
}

// ResolveDispute reopens a disputed payable at the status implied by its
// paid amount.
func (s *Service) ResolveDispute(ctx context.Context, payableID int64) error {
	payable, err := s.repo.GetPayable(ctx, payableID)
	if err != nil {
		return err
	}
	if payable.Status != PayableStatusDisputed {
		return ErrInvalidState
	}
	next := PayableStatusPending
	if payable.PaidAmount.IsPositive() {
		next = PayableStatusPartial
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePayableStatus(ctx, payableID, next)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "AP_DISPUTE_RESOLVE", "payable", payableID, map[string]any{"number": payable.Number})
	return nil
}

// CreatePayment records a pending payment with its planned applications.
// Nothing hits payable balances until ProcessPayment.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (Payment, error) {
	if err := s.validate.Struct(input); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !input.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}
	applied := decimal.Zero
	for _, app := range input.Applications {
		if !app.Amount.IsPositive() {
			return Payment{}, fmt.Errorf("%w: application amount must be positive", ErrValidation)
		}
		payable, err := s.repo.GetPayable(ctx, app.PayableID)
		if err != nil {
			return Payment{}, err
		}
		if payable.SupplierID != input.SupplierID {
			return Payment{}, fmt.Errorf("%w: payable %d belongs to another supplier", ErrValidation, app.PayableID)
		}
		if !payable.Status.Open() {
			return Payment{}, fmt.Errorf("%w: payable %s is not open", ErrInvalidState, payable.Number)
		}
		if app.Amount.GreaterThan(payable.Balance()) {
			return Payment{}, ErrOverApplication
		}
		applied = applied.Add(app.Amount)
	}
	if applied.GreaterThan(input.Amount) {
		return Payment{}, fmt.Errorf("%w: applications exceed payment amount", ErrValidation)
	}
	rate := input.ExchangeRate
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}
	paymentDate := input.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = time.Now().UTC()
	}
	payment := Payment{
		Number:       input.Number,
		SupplierID:   input.SupplierID,
		Status:       PaymentStatusPending,
		PaymentDate:  paymentDate,
		Method:       input.Method,
		Reference:    input.Reference,
		Amount:       input.Amount.Round(4),
		Currency:     currency,
		ExchangeRate: rate,
		Note:         input.Note,
		CreatedBy:    shared.ActorFromContext(ctx),
	}
	if len(input.Applications) == 1 {
		payment.PayableID = input.Applications[0].PayableID
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if payment.Number == "" {
			number, err := s.sequences.Next(ctx, "PAY")
			if err != nil {
				return err
			}
			payment.Number = number
		}
		id, err := tx.CreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = id
		for _, app := range input.Applications {
			if _, err := tx.InsertApplication(ctx, PaymentApplication{
				PaymentID: id,
				PayableID: app.PayableID,
				Amount:    app.Amount.Round(4),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	s.recordAudit(ctx, "PAYMENT_CREATE", "payment", payment.ID, map[string]any{"number": payment.Number, "amount": payment.Amount.String()})
	return payment, nil
}

// ProcessPayment settles a pending payment: every application is applied to
// its payable under a row lock, then the payment flips to PROCESSED. Balances
// are re-checked at processing time, not trusted from creation time.
func (s *Service) ProcessPayment(ctx context.Context, paymentID int64) error {
	payment, applications, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != PaymentStatusPending {
		return ErrInvalidState
	}
	actorID := shared.ActorFromContext(ctx)
	now := time.Now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, app := range applications {
			payable, err := tx.GetPayableForUpdate(ctx, app.PayableID)
			if err != nil {
				return err
			}
			if !payable.Status.Open() {
				return fmt.Errorf("%w: payable %s is not open", ErrInvalidState, payable.Number)
			}
			if err := payable.ApplyPayment(app.Amount); err != nil {
				return err
			}
			if err := tx.SavePayableBalance(ctx, payable); err != nil {
				return err
			}
		}
		return tx.SetPaymentProcessed(ctx, paymentID, actorID, now)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PAYMENT_PROCESS", "payment", paymentID, map[string]any{"number": payment.Number})
	return nil
}

// CancelPayment voids a payment. A processed payment has its applications
// reversed first so payable balances and statuses roll back exactly.
func (s *Service) CancelPayment(ctx context.Context, paymentID int64, reason string) error {
	return s.voidPayment(ctx, paymentID, reason, PaymentStatusCancelled, "PAYMENT_CANCEL")
}

// MarkPaymentBounced records a processed payment returned by the bank. The
// applications are reversed the same way as a cancellation; the distinct
// status keeps the failure visible for reconciliation.
func (s *Service) MarkPaymentBounced(ctx context.Context, paymentID int64, reason string) error {
	payment, _, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != PaymentStatusProcessed {
		return ErrInvalidState
	}
	return s.voidPayment(ctx, paymentID, reason, PaymentStatusBounced, "PAYMENT_BOUNCE")
}

func (s *Service) voidPayment(ctx context.Context, paymentID int64, reason string, final PaymentStatus, action string) error {
	payment, applications, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	switch payment.Status {
	case PaymentStatusPending, PaymentStatusProcessed:
	default:
		return ErrInvalidState
	}
	actorID := shared.ActorFromContext(ctx)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if payment.Status == PaymentStatusProcessed {
			for _, app := range applications {
				payable, err := tx.GetPayableForUpdate(ctx, app.PayableID)
				if err != nil {
					return err
				}
				if err := payable.ReversePayment(app.Amount); err != nil {
					return err
				}
				if err := tx.SavePayableBalance(ctx, payable); err != nil {
					return err
				}
			}
		}
		return tx.SetPaymentVoided(ctx, paymentID, final, actorID, reason)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, action, "payment", paymentID, map[string]any{"number": payment.Number, "reason": reason})
	return nil
}

// Aging builds the accounts payable aging report for one supplier, or for
// all suppliers when supplierID is zero.
func (s *Service) Aging(ctx context.Context, supplierID int64, asOf time.Time) ([]AgingBucket, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	payables, err := s.repo.ListOpenPayables(ctx, supplierID)
	if err != nil {
		return nil, err
	}
	return AgeBuckets(payables, asOf), nil
}

func (s *Service) recordAudit(ctx context.Context, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
