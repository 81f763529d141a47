package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ap"
	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/sequence"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error)
	GetReceipt(ctx context.Context, id int64) (PurchaseReceipt, []PurchaseReceiptLine, error)
}

// StockPort exposes the required inventory integration.
type StockPort interface {
	PostGoodsReceipt(ctx context.Context, input stock.GoodsReceiptInput) (stock.Movement, error)
}

// PayablePort exposes payable creation for completed receipts.
type PayablePort interface {
	CreateFromReceipt(ctx context.Context, input ap.CreatePayableInput) (ap.AccountPayable, error)
}

// CatalogPort exposes supplier lookups.
type CatalogPort interface {
	GetSupplier(ctx context.Context, id int64) (catalog.Supplier, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates procurement flows.
type Service struct {
	repo      RepositoryPort
	stock     StockPort
	payables  PayablePort
	catalog   CatalogPort
	audit     AuditPort
	sequences sequence.Sequencer
	validate  *validator.Validate
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, stockPort StockPort, payables PayablePort, cat CatalogPort, audit AuditPort, seq sequence.Sequencer) *Service {
	return &Service{
		repo:      repo,
		stock:     stockPort,
		payables:  payables,
		catalog:   cat,
		audit:     audit,
		sequences: seq,
		validate:  validator.New(),
	}
}

// OrderLineInput describes an order line.
type OrderLineInput struct {
	ProductID       int64 `validate:"required,gt=0"`
	UnitID          int64
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	TaxRate         decimal.Decimal
	Note            string
}

// CreateOrderInput describes creation payload.
type CreateOrderInput struct {
	Number          string
	SupplierID      int64 `validate:"required,gt=0"`
	LocationID      int64 `validate:"required,gt=0"`
	OrderDate       time.Time
	ExpectedDate    time.Time
	Currency        string `validate:"omitempty,len=3"`
	ExchangeRate    decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	ShippingCost    decimal.Decimal
	Note            string
	Lines           []OrderLineInput `validate:"min=1,dive"`
}

// ReceiptLineInput describes a receipt line.
type ReceiptLineInput struct {
	OrderLineID      int64
	ProductID        int64 `validate:"required,gt=0"`
	UnitID           int64
	QuantityReceived decimal.Decimal
	QuantityAccepted decimal.Decimal
	QuantityRejected decimal.Decimal
	UnitCost         decimal.Decimal
	TaxRate          decimal.Decimal
	Lot              string
	ExpiryDate       *time.Time
}

// CreateReceiptInput describes receipt creation.
type CreateReceiptInput struct {
	Number         string
	OrderID        int64
	SupplierID     int64
	LocationID     int64 `validate:"required,gt=0"`
	ReceiptDate    time.Time
	SupplierDocRef string
	Currency       string `validate:"omitempty,len=3"`
	ExchangeRate   decimal.Decimal
	Note           string
	Lines          []ReceiptLineInput `validate:"min=1,dive"`
}

// CreateOrder persists order header and lines as a draft.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (PurchaseOrder, error) {
	if err := s.validate.Struct(input); err != nil {
		return PurchaseOrder{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	supplier, err := s.catalog.GetSupplier(ctx, input.SupplierID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	lines := make([]PurchaseOrderLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		if line.Quantity.LessThanOrEqual(decimal.Zero) {
			return PurchaseOrder{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		if line.UnitPrice.IsNegative() || line.TaxRate.IsNegative() {
			return PurchaseOrder{}, fmt.Errorf("%w: price and tax rate must be >= 0", ErrValidation)
		}
		lines = append(lines, PurchaseOrderLine{
			ProductID:       line.ProductID,
			UnitID:          line.UnitID,
			QuantityOrdered: line.Quantity.Round(4),
			UnitPrice:       line.UnitPrice.Round(4),
			DiscountPercent: line.DiscountPercent,
			DiscountAmount:  line.DiscountAmount,
			TaxRate:         line.TaxRate,
			Note:            line.Note,
		})
	}
	order := PurchaseOrder{
		Number:          input.Number,
		SupplierID:      supplier.ID,
		LocationID:      input.LocationID,
		Status:          OrderStatusDraft,
		OrderDate:       defaultTime(input.OrderDate),
		ExpectedDate:    input.ExpectedDate,
		Currency:        defaultString(input.Currency, "USD"),
		ExchangeRate:    defaultRate(input.ExchangeRate),
		DiscountPercent: input.DiscountPercent,
		DiscountAmount:  input.DiscountAmount,
		ShippingCost:    input.ShippingCost,
		Note:            input.Note,
		CreatedBy:       shared.ActorFromContext(ctx),
	}
	RecalculateOrderTotals(&order, lines)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if order.Number == "" {
			number, err := s.sequences.Next(ctx, "PO")
			if err != nil {
				return err
			}
			order.Number = number
		}
		orderID, err := tx.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = orderID
		for i := range lines {
			lines[i].OrderID = orderID
			if _, err := tx.InsertOrderLine(ctx, lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CREATE", order.ID, map[string]any{"number": order.Number, "total": order.Total.String()})
	return order, nil
}

// SubmitOrder transitions a draft order to pending.
func (s *Service) SubmitOrder(ctx context.Context, orderID int64) error {
	return s.transitionOrder(ctx, orderID, OrderStatusDraft, OrderStatusPending, "PO_SUBMIT")
}

// ApproveOrder approves a pending order after the supplier credit check.
func (s *Service) ApproveOrder(ctx context.Context, orderID int64) error {
	order, _, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusPending {
		return ErrInvalidState
	}
	supplier, err := s.catalog.GetSupplier(ctx, order.SupplierID)
	if err != nil {
		return err
	}
	if !supplier.HasAvailableCredit(order.Total) {
		return ErrCreditExceeded
	}
	actorID := shared.ActorFromContext(ctx)
	now := time.Now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetOrderApproval(ctx, orderID, actorID, now)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PO_APPROVE", orderID, map[string]any{"number": order.Number})
	return nil
}

// MarkOrderSent records that an approved order went out to the supplier.
func (s *Service) MarkOrderSent(ctx context.Context, orderID int64) error {
	return s.transitionOrder(ctx, orderID, OrderStatusApproved, OrderStatusSent, "PO_SEND")
}

// ConfirmOrder records supplier confirmation of a sent order.
func (s *Service) ConfirmOrder(ctx context.Context, orderID int64) error {
	return s.transitionOrder(ctx, orderID, OrderStatusSent, OrderStatusConfirmed, "PO_CONFIRM")
}

// CancelOrder voids an order unless fulfillment already finished.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, reason string) error {
	order, _, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == OrderStatusCompleted || order.Status == OrderStatusCancelled {
		return ErrInvalidState
	}
	actorID := shared.ActorFromContext(ctx)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetOrderCancelled(ctx, orderID, actorID, reason)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "PO_CANCEL", orderID, map[string]any{"number": order.Number, "reason": reason})
	return nil
}

// GetOrder returns an order with its lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error) {
	return s.repo.GetOrder(ctx, id)
}

// GetReceipt returns a receipt with its lines.
func (s *Service) GetReceipt(ctx context.Context, id int64) (PurchaseReceipt, []PurchaseReceiptLine, error) {
	return s.repo.GetReceipt(ctx, id)
}

// CreateReceipt persists receipt header and lines.
func (s *Service) CreateReceipt(ctx context.Context, input CreateReceiptInput) (PurchaseReceipt, error) {
	if err := s.validate.Struct(input); err != nil {
		return PurchaseReceipt{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var orderLines []PurchaseOrderLine
	if input.OrderID != 0 {
		order, lines, err := s.repo.GetOrder(ctx, input.OrderID)
		if err != nil {
			return PurchaseReceipt{}, err
		}
		if !order.Status.Receivable() {
			return PurchaseReceipt{}, ErrInvalidState
		}
		if input.SupplierID == 0 {
			input.SupplierID = order.SupplierID
		} else if input.SupplierID != order.SupplierID {
			return PurchaseReceipt{}, fmt.Errorf("%w: receipt supplier does not match order supplier", ErrValidation)
		}
		if input.Currency == "" {
			input.Currency = order.Currency
		}
		orderLines = lines
	}
	if input.SupplierID == 0 {
		return PurchaseReceipt{}, fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if _, err := s.catalog.GetSupplier(ctx, input.SupplierID); err != nil {
		return PurchaseReceipt{}, err
	}
	lines := make([]PurchaseReceiptLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		built, err := buildReceiptLine(line, orderLines)
		if err != nil {
			return PurchaseReceipt{}, err
		}
		lines = append(lines, built)
	}
	receipt := PurchaseReceipt{
		Number:         input.Number,
		OrderID:        input.OrderID,
		SupplierID:     input.SupplierID,
		LocationID:     input.LocationID,
		Status:         ReceiptStatusDraft,
		ReceiptDate:    defaultTime(input.ReceiptDate),
		SupplierDocRef: input.SupplierDocRef,
		Currency:       defaultString(input.Currency, "USD"),
		ExchangeRate:   defaultRate(input.ExchangeRate),
		Note:           input.Note,
		CreatedBy:      shared.ActorFromContext(ctx),
	}
	RecalculateReceiptTotals(&receipt, lines)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if receipt.Number == "" {
			number, err := s.sequences.Next(ctx, "REC")
			if err != nil {
				return err
			}
			receipt.Number = number
		}
		receiptID, err := tx.CreateReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = receiptID
		for i := range lines {
			lines[i].ReceiptID = receiptID
			if _, err := tx.InsertReceiptLine(ctx, lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}
	s.recordAudit(ctx, "RECEIPT_CREATE", receipt.ID, map[string]any{"number": receipt.Number})
	return receipt, nil
}

// SubmitReceipt transitions a draft receipt to pending.
func (s *Service) SubmitReceipt(ctx context.Context, receiptID int64) error {
	receipt, _, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if receipt.Status != ReceiptStatusDraft {
		return ErrInvalidState
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateReceiptStatus(ctx, receiptID, ReceiptStatusPending)
	})
}

// CompleteReceipt closes a receipt and fans out its effects: goods-receipt
// movement (stock + kardex), payable creation, and order fulfillment updates.
// Every step runs in one transaction; a failure anywhere rolls back all of it.
func (s *Service) CompleteReceipt(ctx context.Context, receiptID int64) (PurchaseReceipt, error) {
	receipt, lines, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	if !receipt.Status.Editable() {
		return PurchaseReceipt{}, ErrInvalidState
	}
	supplier, err := s.catalog.GetSupplier(ctx, receipt.SupplierID)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	actorID := shared.ActorFromContext(ctx)
	now := time.Now().UTC()

	var movement stock.Movement
	var payable ap.AccountPayable
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lines with neither an accepted nor a rejected quantity take the
		// full received quantity as accepted.
		for i := range lines {
			if lines[i].QuantityAccepted.IsZero() && lines[i].QuantityRejected.IsZero() {
				lines[i].QuantityAccepted = lines[i].QuantityReceived
			}
		}
		RecalculateReceiptTotals(&receipt, lines)
		for i := range lines {
			if err := tx.UpdateReceiptLineQuantities(ctx, lines[i]); err != nil {
				return err
			}
		}
		if err := tx.UpdateReceiptTotals(ctx, receipt); err != nil {
			return err
		}

		movementLines := make([]stock.MovementLineInput, 0, len(lines))
		for _, line := range lines {
			if !line.QuantityAccepted.IsPositive() {
				continue
			}
			movementLines = append(movementLines, stock.MovementLineInput{
				ProductID:  line.ProductID,
				UnitID:     line.UnitID,
				Quantity:   line.QuantityAccepted,
				UnitCost:   line.UnitCost,
				Lot:        line.Lot,
				ExpiryDate: line.ExpiryDate,
			})
		}
		if len(movementLines) == 0 {
			return fmt.Errorf("%w: no accepted quantity to post", ErrValidation)
		}
		refID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("RECEIPT:%d", receipt.ID)))
		mv, err := s.stock.PostGoodsReceipt(ctx, stock.GoodsReceiptInput{
			LocationID: receipt.LocationID,
			Reference:  receipt.Number,
			RefID:      refID.String(),
			Note:       fmt.Sprintf("Goods receipt %s", receipt.Number),
			Lines:      movementLines,
		})
		if err != nil {
			return err
		}
		movement = mv

		pay, err := s.payables.CreateFromReceipt(ctx, ap.CreatePayableInput{
			SupplierID:     receipt.SupplierID,
			ReceiptID:      receipt.ID,
			OrderID:        receipt.OrderID,
			SupplierDocRef: receipt.SupplierDocRef,
			IssueDate:      receipt.ReceiptDate,
			DueDate:        receipt.ReceiptDate.AddDate(0, 0, supplier.PaymentTermsDays),
			Currency:       receipt.Currency,
			ExchangeRate:   receipt.ExchangeRate,
			Subtotal:       receipt.Subtotal,
			TaxAmount:      receipt.TaxAmount,
			TotalAmount:    receipt.Total,
		})
		if err != nil {
			return err
		}
		payable = pay

		for _, line := range lines {
			if line.OrderLineID == 0 || !line.QuantityAccepted.IsPositive() {
				continue
			}
			if err := tx.AddOrderLineReceived(ctx, line.OrderLineID, line.QuantityAccepted); err != nil {
				return err
			}
		}
		if receipt.OrderID != 0 {
			if err := s.refreshOrderStatusTx(ctx, tx, receipt.OrderID); err != nil {
				return err
			}
		}

		return tx.MarkReceiptCompleted(ctx, receiptID, actorID, now)
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}
	receipt.Status = ReceiptStatusCompleted
	receipt.CompletedBy = actorID
	receipt.CompletedAt = &now
	s.recordAudit(ctx, "RECEIPT_COMPLETE", receiptID, map[string]any{
		"number":   receipt.Number,
		"movement": movement.Number,
		"payable":  payable.Number,
	})
	return receipt, nil
}

// CancelReceipt voids a receipt that has not been completed. There is no
// reversal path for a completed receipt.
func (s *Service) CancelReceipt(ctx context.Context, receiptID int64, reason string) error {
	receipt, _, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if !receipt.Status.Editable() {
		return ErrInvalidState
	}
	actorID := shared.ActorFromContext(ctx)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetReceiptCancelled(ctx, receiptID, actorID, reason)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "RECEIPT_CANCEL", receiptID, map[string]any{"number": receipt.Number, "reason": reason})
	return nil
}

func (s *Service) refreshOrderStatusTx(ctx context.Context, tx TxRepository, orderID int64) error {
	order, lines, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	next := FulfillmentStatus(order.Status, lines)
	if next == order.Status {
		return nil
	}
	return tx.UpdateOrderStatus(ctx, orderID, next)
}

func (s *Service) transitionOrder(ctx context.Context, orderID int64, from, to OrderStatus, action string) error {
	order, _, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != from {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrderStatus(ctx, orderID, to)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, action, orderID, map[string]any{"number": order.Number})
	return nil
}

func buildReceiptLine(input ReceiptLineInput, orderLines []PurchaseOrderLine) (PurchaseReceiptLine, error) {
	if input.QuantityReceived.LessThanOrEqual(decimal.Zero) {
		return PurchaseReceiptLine{}, fmt.Errorf("%w: received quantity must be positive", ErrValidation)
	}
	if input.QuantityAccepted.IsNegative() || input.QuantityRejected.IsNegative() {
		return PurchaseReceiptLine{}, fmt.Errorf("%w: accepted and rejected must be >= 0", ErrValidation)
	}
	if input.QuantityAccepted.Add(input.QuantityRejected).GreaterThan(input.QuantityReceived) {
		return PurchaseReceiptLine{}, fmt.Errorf("%w: accepted plus rejected exceeds received", ErrValidation)
	}
	if input.UnitCost.IsNegative() {
		return PurchaseReceiptLine{}, fmt.Errorf("%w: unit cost must be >= 0", ErrValidation)
	}
	line := PurchaseReceiptLine{
		OrderLineID:      input.OrderLineID,
		ProductID:        input.ProductID,
		UnitID:           input.UnitID,
		QuantityReceived: input.QuantityReceived.Round(4),
		QuantityAccepted: input.QuantityAccepted.Round(4),
		QuantityRejected: input.QuantityRejected.Round(4),
		UnitCost:         input.UnitCost.Round(4),
		TaxRate:          input.TaxRate,
		Lot:              input.Lot,
		ExpiryDate:       input.ExpiryDate,
	}
	if input.OrderLineID != 0 {
		matched := false
		for _, ol := range orderLines {
			if ol.ID != input.OrderLineID {
				continue
			}
			if ol.ProductID != input.ProductID {
				return PurchaseReceiptLine{}, fmt.Errorf("%w: receipt line product does not match order line", ErrValidation)
			}
			if line.UnitID == 0 {
				line.UnitID = ol.UnitID
			}
			if line.UnitCost.IsZero() {
				line.UnitCost = ol.UnitPrice
			}
			if line.TaxRate.IsZero() {
				line.TaxRate = ol.TaxRate
			}
			matched = true
			break
		}
		if !matched {
			return PurchaseReceiptLine{}, fmt.Errorf("%w: order line %d not on order", ErrValidation, input.OrderLineID)
		}
	}
	return line, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "procurement",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

func defaultRate(value decimal.Decimal) decimal.Decimal {
	if value.IsPositive() {
		return value
	}
	return decimal.NewFromInt(1)
}
