package procurement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ap"
	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

type memoryRepo struct {
	orders       map[int64]PurchaseOrder
	orderLines   map[int64][]PurchaseOrderLine
	receipts     map[int64]PurchaseReceipt
	receiptLines map[int64][]PurchaseReceiptLine
	nextID       int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:       make(map[int64]PurchaseOrder),
		orderLines:   make(map[int64][]PurchaseOrderLine),
		receipts:     make(map[int64]PurchaseReceipt),
		receiptLines: make(map[int64][]PurchaseReceiptLine),
	}
}

type repoState struct {
	orders       map[int64]PurchaseOrder
	orderLines   map[int64][]PurchaseOrderLine
	receipts     map[int64]PurchaseReceipt
	receiptLines map[int64][]PurchaseReceiptLine
	nextID       int64
}

func (r *memoryRepo) snapshot() repoState {
	s := repoState{
		orders:       make(map[int64]PurchaseOrder, len(r.orders)),
		orderLines:   make(map[int64][]PurchaseOrderLine, len(r.orderLines)),
		receipts:     make(map[int64]PurchaseReceipt, len(r.receipts)),
		receiptLines: make(map[int64][]PurchaseReceiptLine, len(r.receiptLines)),
		nextID:       r.nextID,
	}
	for k, v := range r.orders {
		s.orders[k] = v
	}
	for k, v := range r.orderLines {
		s.orderLines[k] = append([]PurchaseOrderLine(nil), v...)
	}
	for k, v := range r.receipts {
		s.receipts[k] = v
	}
	for k, v := range r.receiptLines {
		s.receiptLines[k] = append([]PurchaseReceiptLine(nil), v...)
	}
	return s
}

func (r *memoryRepo) restore(s repoState) {
	r.orders = s.orders
	r.orderLines = s.orderLines
	r.receipts = s.receipts
	r.receiptLines = s.receiptLines
	r.nextID = s.nextID
}

type memoryTx struct {
	repo *memoryRepo
}

// WithTx mimics transactional semantics: a callback error restores the
// pre-transaction state.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	saved := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(saved)
		return err
	}
	return nil
}

func (r *memoryRepo) GetOrder(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error) {
	o, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, nil, ErrNotFound
	}
	return o, append([]PurchaseOrderLine(nil), r.orderLines[id]...), nil
}

func (r *memoryRepo) GetReceipt(ctx context.Context, id int64) (PurchaseReceipt, []PurchaseReceiptLine, error) {
	rec, ok := r.receipts[id]
	if !ok {
		return PurchaseReceipt{}, nil, ErrNotFound
	}
	return rec, append([]PurchaseReceiptLine(nil), r.receiptLines[id]...), nil
}

func (tx *memoryTx) CreateOrder(ctx context.Context, o PurchaseOrder) (int64, error) {
	tx.repo.nextID++
	o.ID = tx.repo.nextID
	tx.repo.orders[o.ID] = o
	return o.ID, nil
}

func (tx *memoryTx) InsertOrderLine(ctx context.Context, line PurchaseOrderLine) (int64, error) {
	tx.repo.nextID++
	line.ID = tx.repo.nextID
	tx.repo.orderLines[line.OrderID] = append(tx.repo.orderLines[line.OrderID], line)
	return line.ID, nil
}

func (tx *memoryTx) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	o := tx.repo.orders[id]
	o.Status = status
	tx.repo.orders[id] = o
	return nil
}

func (tx *memoryTx) SetOrderApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	o := tx.repo.orders[id]
	o.Status = OrderStatusApproved
	o.ApprovedBy = approvedBy
	o.ApprovedAt = &approvedAt
	tx.repo.orders[id] = o
	return nil
}

func (tx *memoryTx) SetOrderCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error {
	o := tx.repo.orders[id]
	o.Status = OrderStatusCancelled
	o.CancelledBy = cancelledBy
	o.CancelReason = reason
	tx.repo.orders[id] = o
	return nil
}

func (tx *memoryTx) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error) {
	return tx.repo.GetOrder(ctx, id)
}

func (tx *memoryTx) AddOrderLineReceived(ctx context.Context, lineID int64, quantity decimal.Decimal) error {
	for orderID, lines := range tx.repo.orderLines {
		for i := range lines {
			if lines[i].ID == lineID {
				lines[i].QuantityReceived = lines[i].QuantityReceived.Add(quantity)
				tx.repo.orderLines[orderID] = lines
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) CreateReceipt(ctx context.Context, r PurchaseReceipt) (int64, error) {
	tx.repo.nextID++
	r.ID = tx.repo.nextID
	tx.repo.receipts[r.ID] = r
	return r.ID, nil
}

func (tx *memoryTx) InsertReceiptLine(ctx context.Context, line PurchaseReceiptLine) (int64, error) {
	tx.repo.nextID++
	line.ID = tx.repo.nextID
	tx.repo.receiptLines[line.ReceiptID] = append(tx.repo.receiptLines[line.ReceiptID], line)
	return line.ID, nil
}

func (tx *memoryTx) UpdateReceiptStatus(ctx context.Context, id int64, status ReceiptStatus) error {
	r := tx.repo.receipts[id]
	r.Status = status
	tx.repo.receipts[id] = r
	return nil
}

func (tx *memoryTx) UpdateReceiptLineQuantities(ctx context.Context, line PurchaseReceiptLine) error {
	for receiptID, lines := range tx.repo.receiptLines {
		for i := range lines {
			if lines[i].ID == line.ID {
				lines[i].QuantityAccepted = line.QuantityAccepted
				lines[i].QuantityRejected = line.QuantityRejected
				lines[i].LineTotal = line.LineTotal
				tx.repo.receiptLines[receiptID] = lines
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) UpdateReceiptTotals(ctx context.Context, r PurchaseReceipt) error {
	rec := tx.repo.receipts[r.ID]
	rec.Subtotal = r.Subtotal
	rec.TaxAmount = r.TaxAmount
	rec.Total = r.Total
	tx.repo.receipts[r.ID] = rec
	return nil
}

func (tx *memoryTx) MarkReceiptCompleted(ctx context.Context, id int64, completedBy int64, completedAt time.Time) error {
	r := tx.repo.receipts[id]
	r.Status = ReceiptStatusCompleted
	r.CompletedBy = completedBy
	r.CompletedAt = &completedAt
	tx.repo.receipts[id] = r
	return nil
}

func (tx *memoryTx) SetReceiptCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error {
	r := tx.repo.receipts[id]
	r.Status = ReceiptStatusCancelled
	r.CancelledBy = cancelledBy
	r.CancelReason = reason
	tx.repo.receipts[id] = r
	return nil
}

type fakeStock struct {
	receipts []stock.GoodsReceiptInput
	err      error
}

func (f *fakeStock) PostGoodsReceipt(ctx context.Context, input stock.GoodsReceiptInput) (stock.Movement, error) {
	if f.err != nil {
		return stock.Movement{}, f.err
	}
	f.receipts = append(f.receipts, input)
	return stock.Movement{ID: int64(len(f.receipts)), Number: fmt.Sprintf("MOV-2026-%06d", len(f.receipts))}, nil
}

type fakePayables struct {
	created []ap.CreatePayableInput
	err     error
}

func (f *fakePayables) CreateFromReceipt(ctx context.Context, input ap.CreatePayableInput) (ap.AccountPayable, error) {
	if f.err != nil {
		return ap.AccountPayable{}, f.err
	}
	f.created = append(f.created, input)
	return ap.AccountPayable{ID: int64(len(f.created)), Number: fmt.Sprintf("AP-2026-%06d", len(f.created))}, nil
}

type memoryCatalog struct {
	suppliers map[int64]catalog.Supplier
}

func (c *memoryCatalog) GetSupplier(ctx context.Context, id int64) (catalog.Supplier, error) {
	if s, ok := c.suppliers[id]; ok {
		return s, nil
	}
	return catalog.Supplier{}, catalog.ErrNotFound
}

type fakeSequencer struct {
	n int64
}

func (s *fakeSequencer) Next(ctx context.Context, scope string) (string, error) {
	s.n++
	return fmt.Sprintf("%s-2026-%06d", scope, s.n), nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	repo     *memoryRepo
	stock    *fakeStock
	payables *fakePayables
	svc      *Service
}

func newHarness() *harness {
	repo := newMemoryRepo()
	st := &fakeStock{}
	pay := &fakePayables{}
	cat := &memoryCatalog{suppliers: map[int64]catalog.Supplier{
		1: {ID: 1, Code: "ACME", PaymentTermsDays: 30},
		2: {ID: 2, Code: "TIGHT", PaymentTermsDays: 15, CreditLimit: dec("500"), CurrentBalance: dec("400")},
	}}
	return &harness{
		repo:     repo,
		stock:    st,
		payables: pay,
		svc:      NewService(repo, st, pay, cat, nil, &fakeSequencer{}),
	}
}

func (h *harness) createOrder(t *testing.T, supplierID int64) PurchaseOrder {
	t.Helper()
	order, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{
		SupplierID: supplierID,
		LocationID: 1,
		Lines: []OrderLineInput{
			{ProductID: 1, Quantity: dec("100"), UnitPrice: dec("10.00"), TaxRate: dec("16")},
		},
	})
	require.NoError(t, err)
	return order
}

func (h *harness) receivableOrder(t *testing.T, supplierID int64) PurchaseOrder {
	t.Helper()
	order := h.createOrder(t, supplierID)
	ctx := context.Background()
	require.NoError(t, h.svc.SubmitOrder(ctx, order.ID))
	require.NoError(t, h.svc.ApproveOrder(ctx, order.ID))
	refreshed, _, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	return refreshed
}

func TestOrderTotals(t *testing.T) {
	h := newHarness()
	order := h.createOrder(t, 1)

	// 100 x 10.00 with 16% tax: subtotal 1000.00, tax 160.00, total 1160.00.
	require.True(t, order.Subtotal.Equal(dec("1000")), "got %s", order.Subtotal)
	require.True(t, order.TaxAmount.Equal(dec("160")))
	require.True(t, order.Total.Equal(dec("1160")))

	_, lines, err := h.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.True(t, lines[0].LineTotal.Equal(dec("1160")))
	require.True(t, lines[0].QuantityPending().Equal(dec("100")))
}

func TestOrderHeaderDiscountAndShipping(t *testing.T) {
	h := newHarness()
	order, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{
		SupplierID:      1,
		LocationID:      1,
		DiscountPercent: dec("10"),
		ShippingCost:    dec("25"),
		Lines: []OrderLineInput{
			{ProductID: 1, Quantity: dec("10"), UnitPrice: dec("100.00")},
		},
	})
	require.NoError(t, err)
	// subtotal 1000, 10% header discount 100, shipping 25.
	require.True(t, order.DiscountAmount.Equal(dec("100")))
	require.True(t, order.Total.Equal(dec("925")))
}

func TestOrderLifecycle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := h.createOrder(t, 1)

	// Approval requires the pending status.
	require.ErrorIs(t, h.svc.ApproveOrder(ctx, order.ID), ErrInvalidState)

	require.NoError(t, h.svc.SubmitOrder(ctx, order.ID))
	require.ErrorIs(t, h.svc.SubmitOrder(ctx, order.ID), ErrInvalidState)
	require.NoError(t, h.svc.ApproveOrder(ctx, order.ID))
	require.NoError(t, h.svc.MarkOrderSent(ctx, order.ID))
	require.NoError(t, h.svc.ConfirmOrder(ctx, order.ID))

	refreshed, _, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderStatusConfirmed, refreshed.Status)
	require.NoError(t, h.svc.CancelOrder(ctx, order.ID, "supplier folded"))
	require.ErrorIs(t, h.svc.CancelOrder(ctx, order.ID, "again"), ErrInvalidState)
}

func TestApproveOrderCreditCheck(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// Supplier 2 has 100 of headroom; the 1160 order exceeds it.
	order := h.createOrder(t, 2)
	require.NoError(t, h.svc.SubmitOrder(ctx, order.ID))
	require.ErrorIs(t, h.svc.ApproveOrder(ctx, order.ID), ErrCreditExceeded)
}

func TestCreateReceiptValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := h.createOrder(t, 1)

	// A draft order cannot receive goods.
	_, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		LocationID: 1,
		Lines:      []ReceiptLineInput{{ProductID: 1, QuantityReceived: dec("10")}},
	})
	require.ErrorIs(t, err, ErrInvalidState)

	order = h.receivableOrder(t, 1)
	_, orderLines, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	// Accepted plus rejected cannot exceed received.
	_, err = h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			OrderLineID:      orderLines[0].ID,
			ProductID:        1,
			QuantityReceived: dec("10"),
			QuantityAccepted: dec("8"),
			QuantityRejected: dec("3"),
		}},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Product must match the referenced order line.
	_, err = h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			OrderLineID:      orderLines[0].ID,
			ProductID:        99,
			QuantityReceived: dec("10"),
		}},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Order line must belong to the order.
	_, err = h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			OrderLineID:      9999,
			ProductID:        1,
			QuantityReceived: dec("10"),
		}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCompleteReceiptCascade(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := h.receivableOrder(t, 1)
	_, orderLines, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	receiptDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	receipt, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:     order.ID,
		LocationID:  1,
		ReceiptDate: receiptDate,
		Lines: []ReceiptLineInput{{
			OrderLineID:      orderLines[0].ID,
			ProductID:        1,
			QuantityReceived: dec("80"),
			UnitCost:         dec("10.00"),
			TaxRate:          dec("16"),
		}},
	})
	require.NoError(t, err)

	completed, err := h.svc.CompleteReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusCompleted, completed.Status)

	// Stock got the accepted quantity at the receipt cost.
	require.Len(t, h.stock.receipts, 1)
	posted := h.stock.receipts[0]
	require.Equal(t, int64(1), posted.LocationID)
	require.Len(t, posted.Lines, 1)
	require.True(t, posted.Lines[0].Quantity.Equal(dec("80")))
	require.True(t, posted.Lines[0].UnitCost.Equal(dec("10")))

	// The payable covers the accepted value and is due per supplier terms.
	require.Len(t, h.payables.created, 1)
	payable := h.payables.created[0]
	require.Equal(t, receipt.ID, payable.ReceiptID)
	require.True(t, payable.TotalAmount.Equal(dec("928")), "80 x 10.00 + 16%% tax, got %s", payable.TotalAmount)
	require.Equal(t, receiptDate.AddDate(0, 0, 30), payable.DueDate)

	// The order line advanced and the order is partially fulfilled.
	refreshed, refreshedLines, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderStatusPartial, refreshed.Status)
	require.True(t, refreshedLines[0].QuantityReceived.Equal(dec("80")))
	require.True(t, refreshedLines[0].QuantityPending().Equal(dec("20")))

	// Receiving the remaining 20 completes the order.
	second, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:     order.ID,
		LocationID:  1,
		ReceiptDate: receiptDate.AddDate(0, 0, 7),
		Lines: []ReceiptLineInput{{
			OrderLineID:      orderLines[0].ID,
			ProductID:        1,
			QuantityReceived: dec("20"),
			UnitCost:         dec("10.00"),
		}},
	})
	require.NoError(t, err)
	_, err = h.svc.CompleteReceipt(ctx, second.ID)
	require.NoError(t, err)

	refreshed, _, err = h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderStatusCompleted, refreshed.Status)

	// The second receipt omitted the tax rate, so it inherits the order
	// line's rate rather than billing the payable tax-free.
	require.Len(t, h.payables.created, 2)
	require.True(t, h.payables.created[1].TotalAmount.Equal(dec("232")), "20 x 10.00 + 16%% tax, got %s", h.payables.created[1].TotalAmount)

	// A completed receipt cannot be completed or cancelled again.
	_, err = h.svc.CompleteReceipt(ctx, receipt.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, h.svc.CancelReceipt(ctx, receipt.ID, "late"), ErrInvalidState)
}

func TestCompleteReceiptDefaultsAcceptedToReceived(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	receipt, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		SupplierID: 1,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			ProductID:        1,
			QuantityReceived: dec("12"),
			UnitCost:         dec("5.00"),
		}},
	})
	require.NoError(t, err)

	completed, err := h.svc.CompleteReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.True(t, completed.Subtotal.Equal(dec("60")))

	_, lines, err := h.svc.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.True(t, lines[0].QuantityAccepted.Equal(dec("12")))
}

func TestCompleteReceiptPartialAcceptance(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	receipt, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		SupplierID: 1,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			ProductID:        1,
			QuantityReceived: dec("10"),
			QuantityAccepted: dec("7"),
			QuantityRejected: dec("3"),
			UnitCost:         dec("4.00"),
		}},
	})
	require.NoError(t, err)

	completed, err := h.svc.CompleteReceipt(ctx, receipt.ID)
	require.NoError(t, err)

	// Only the accepted 7 reach stock and the payable.
	require.True(t, completed.Subtotal.Equal(dec("28")))
	require.Len(t, h.stock.receipts, 1)
	require.True(t, h.stock.receipts[0].Lines[0].Quantity.Equal(dec("7")))
}

func TestCompleteReceiptNothingAccepted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	receipt, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		SupplierID: 1,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			ProductID:        1,
			QuantityReceived: dec("10"),
			QuantityRejected: dec("10"),
			UnitCost:         dec("4.00"),
		}},
	})
	require.NoError(t, err)

	_, err = h.svc.CompleteReceipt(ctx, receipt.ID)
	require.ErrorIs(t, err, ErrValidation)
	// The receipt is untouched and can be cancelled instead.
	require.NoError(t, h.svc.CancelReceipt(ctx, receipt.ID, "full rejection"))
}

func TestCompleteReceiptRollsBackOnPayableFailure(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	order := h.receivableOrder(t, 1)
	_, orderLines, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	receipt, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		OrderID:    order.ID,
		LocationID: 1,
		Lines: []ReceiptLineInput{{
			OrderLineID:      orderLines[0].ID,
			ProductID:        1,
			QuantityReceived: dec("80"),
			UnitCost:         dec("10.00"),
		}},
	})
	require.NoError(t, err)

	h.payables.err = errors.New("payable store down")
	_, err = h.svc.CompleteReceipt(ctx, receipt.ID)
	require.Error(t, err)

	// Everything inside the transaction rolled back.
	refreshed, lines, err := h.svc.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusDraft, refreshed.Status)
	require.True(t, lines[0].QuantityAccepted.IsZero())

	_, refreshedLines, err := h.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, refreshedLines[0].QuantityReceived.IsZero())

	// Retrying after the failure clears succeeds.
	h.payables.err = nil
	_, err = h.svc.CompleteReceipt(ctx, receipt.ID)
	require.NoError(t, err)
}

func TestCreateReceiptWithoutOrder(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	receipt, err := h.svc.CreateReceipt(ctx, CreateReceiptInput{
		SupplierID:     1,
		LocationID:     1,
		SupplierDocRef: "INV-771",
		Lines: []ReceiptLineInput{{
			ProductID:        1,
			QuantityReceived: dec("5"),
			UnitCost:         dec("2.00"),
		}},
	})
	require.NoError(t, err)
	require.Zero(t, receipt.OrderID)

	completed, err := h.svc.CompleteReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusCompleted, completed.Status)
	require.Len(t, h.payables.created, 1)
	require.Equal(t, "INV-771", h.payables.created[0].SupplierDocRef)
}
