package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists orders and receipts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	CreateOrder(ctx context.Context, o PurchaseOrder) (int64, error)
	InsertOrderLine(ctx context.Context, line PurchaseOrderLine) (int64, error)
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error
	SetOrderApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error
	SetOrderCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error
	GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error)
	AddOrderLineReceived(ctx context.Context, lineID int64, quantity decimal.Decimal) error
	CreateReceipt(ctx context.Context, r PurchaseReceipt) (int64, error)
	InsertReceiptLine(ctx context.Context, line PurchaseReceiptLine) (int64, error)
	UpdateReceiptStatus(ctx context.Context, id int64, status ReceiptStatus) error
	UpdateReceiptLineQuantities(ctx context.Context, line PurchaseReceiptLine) error
	UpdateReceiptTotals(ctx context.Context, r PurchaseReceipt) error
	MarkReceiptCompleted(ctx context.Context, id int64, completedBy int64, completedAt time.Time) error
	SetReceiptCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error
}

type txRepository struct {
	q db.Querier
}

// WithTx executes the callback inside a repeatable-read transaction, joining
// an ambient transaction already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: db.QuerierFor(ctx, r.pool)})
	})
}

const orderColumns = `id, number, supplier_id, location_id, status, order_date, expected_date, currency, exchange_rate, subtotal, discount_percent, discount_amount, tax_amount, shipping_cost, total, note, created_by, approved_by, approved_at, cancelled_by, cancel_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var o PurchaseOrder
	err := row.Scan(&o.ID, &o.Number, &o.SupplierID, &o.LocationID, &o.Status, &o.OrderDate, &o.ExpectedDate,
		&o.Currency, &o.ExchangeRate, &o.Subtotal, &o.DiscountPercent, &o.DiscountAmount, &o.TaxAmount,
		&o.ShippingCost, &o.Total, &o.Note, &o.CreatedBy, &o.ApprovedBy, &o.ApprovedAt,
		&o.CancelledBy, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	return o, nil
}

func queryOrderLines(ctx context.Context, q db.Querier, orderID int64) ([]PurchaseOrderLine, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, unit_id, quantity_ordered, quantity_received, unit_price, discount_percent, discount_amount, tax_rate, line_total, note
FROM purchase_order_lines WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []PurchaseOrderLine
	for rows.Next() {
		var line PurchaseOrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.UnitID, &line.QuantityOrdered,
			&line.QuantityReceived, &line.UnitPrice, &line.DiscountPercent, &line.DiscountAmount,
			&line.TaxRate, &line.LineTotal, &line.Note); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// GetOrder returns the order and its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error) {
	q := db.QuerierFor(ctx, r.pool)
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	lines, err := queryOrderLines(ctx, q, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return order, lines, nil
}

const receiptColumns = `id, number, order_id, supplier_id, location_id, status, receipt_date, supplier_doc_ref, currency, exchange_rate, subtotal, tax_amount, total, note, created_by, completed_by, completed_at, cancelled_by, cancel_reason, created_at, updated_at`

func scanReceipt(row pgx.Row) (PurchaseReceipt, error) {
	var rec PurchaseReceipt
	err := row.Scan(&rec.ID, &rec.Number, &rec.OrderID, &rec.SupplierID, &rec.LocationID, &rec.Status,
		&rec.ReceiptDate, &rec.SupplierDocRef, &rec.Currency, &rec.ExchangeRate, &rec.Subtotal,
		&rec.TaxAmount, &rec.Total, &rec.Note, &rec.CreatedBy, &rec.CompletedBy, &rec.CompletedAt,
		&rec.CancelledBy, &rec.CancelReason, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseReceipt{}, ErrNotFound
		}
		return PurchaseReceipt{}, err
	}
	return rec, nil
}

// GetReceipt returns the receipt and its lines.
func (r *Repository) GetReceipt(ctx context.Context, id int64) (PurchaseReceipt, []PurchaseReceiptLine, error) {
	q := db.QuerierFor(ctx, r.pool)
	rec, err := scanReceipt(q.QueryRow(ctx, `SELECT `+receiptColumns+` FROM purchase_receipts WHERE id=$1`, id))
	if err != nil {
		return PurchaseReceipt{}, nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, receipt_id, order_line_id, product_id, unit_id, quantity_received, quantity_accepted, quantity_rejected, unit_cost, tax_rate, lot, expiry_date, line_total
FROM purchase_receipt_lines WHERE receipt_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseReceipt{}, nil, err
	}
	defer rows.Close()
	var lines []PurchaseReceiptLine
	for rows.Next() {
		var line PurchaseReceiptLine
		if err := rows.Scan(&line.ID, &line.ReceiptID, &line.OrderLineID, &line.ProductID, &line.UnitID,
			&line.QuantityReceived, &line.QuantityAccepted, &line.QuantityRejected, &line.UnitCost,
			&line.TaxRate, &line.Lot, &line.ExpiryDate, &line.LineTotal); err != nil {
			return PurchaseReceipt{}, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return PurchaseReceipt{}, nil, err
	}
	return rec, lines, nil
}

func (t *txRepository) CreateOrder(ctx context.Context, o PurchaseOrder) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, location_id, status, order_date, expected_date, currency, exchange_rate, subtotal, discount_percent, discount_amount, tax_amount, shipping_cost, total, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW(),NOW()) RETURNING id`,
		o.Number, o.SupplierID, o.LocationID, o.Status, o.OrderDate, o.ExpectedDate, o.Currency, o.ExchangeRate,
		o.Subtotal, o.DiscountPercent, o.DiscountAmount, o.TaxAmount, o.ShippingCost, o.Total, o.Note, o.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepository) InsertOrderLine(ctx context.Context, line PurchaseOrderLine) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO purchase_order_lines (order_id, product_id, unit_id, quantity_ordered, quantity_received, unit_price, discount_percent, discount_amount, tax_rate, line_total, note)
VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8,$9,$10) RETURNING id`,
		line.OrderID, line.ProductID, line.UnitID, line.QuantityOrdered, line.UnitPrice,
		line.DiscountPercent, line.DiscountAmount, line.TaxRate, line.LineTotal, line.Note).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_orders SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

func (t *txRepository) SetOrderApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_orders SET status=$1, approved_by=$2, approved_at=$3, updated_at=NOW() WHERE id=$4`,
		OrderStatusApproved, approvedBy, approvedAt, id)
	return err
}

func (t *txRepository) SetOrderCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_orders SET status=$1, cancelled_by=$2, cancel_reason=$3, updated_at=NOW() WHERE id=$4`,
		OrderStatusCancelled, cancelledBy, reason, id)
	return err
}

// GetOrderForUpdate locks the order row so concurrent receipt completions
// serialize their fulfillment updates.
func (t *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, []PurchaseOrderLine, error) {
	order, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	lines, err := queryOrderLines(ctx, t.q, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return order, lines, nil
}

func (t *txRepository) AddOrderLineReceived(ctx context.Context, lineID int64, quantity decimal.Decimal) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_order_lines SET quantity_received = quantity_received + $1 WHERE id=$2`, quantity, lineID)
	return err
}

func (t *txRepository) CreateReceipt(ctx context.Context, r PurchaseReceipt) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO purchase_receipts (number, order_id, supplier_id, location_id, status, receipt_date, supplier_doc_ref, currency, exchange_rate, subtotal, tax_amount, total, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW()) RETURNING id`,
		r.Number, r.OrderID, r.SupplierID, r.LocationID, r.Status, r.ReceiptDate, r.SupplierDocRef,
		r.Currency, r.ExchangeRate, r.Subtotal, r.TaxAmount, r.Total, r.Note, r.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepository) InsertReceiptLine(ctx context.Context, line PurchaseReceiptLine) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO purchase_receipt_lines (receipt_id, order_line_id, product_id, unit_id, quantity_received, quantity_accepted, quantity_rejected, unit_cost, tax_rate, lot, expiry_date, line_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		line.ReceiptID, line.OrderLineID, line.ProductID, line.UnitID, line.QuantityReceived,
		line.QuantityAccepted, line.QuantityRejected, line.UnitCost, line.TaxRate, line.Lot,
		line.ExpiryDate, line.LineTotal).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateReceiptStatus(ctx context.Context, id int64, status ReceiptStatus) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_receipts SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

func (t *txRepository) UpdateReceiptLineQuantities(ctx context.Context, line PurchaseReceiptLine) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_receipt_lines SET quantity_accepted=$1, quantity_rejected=$2, line_total=$3 WHERE id=$4`,
		line.QuantityAccepted, line.QuantityRejected, line.LineTotal, line.ID)
	return err
}

func (t *txRepository) UpdateReceiptTotals(ctx context.Context, r PurchaseReceipt) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_receipts SET subtotal=$1, tax_amount=$2, total=$3, updated_at=NOW() WHERE id=$4`,
		r.Subtotal, r.TaxAmount, r.Total, r.ID)
	return err
}

func (t *txRepository) MarkReceiptCompleted(ctx context.Context, id int64, completedBy int64, completedAt time.Time) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_receipts SET status=$1, completed_by=$2, completed_at=$3, updated_at=NOW() WHERE id=$4`,
		ReceiptStatusCompleted, completedBy, completedAt, id)
	return err
}

func (t *txRepository) SetReceiptCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error {
	_, err := t.q.Exec(ctx, `UPDATE purchase_receipts SET status=$1, cancelled_by=$2, cancel_reason=$3, updated_at=NOW() WHERE id=$4`,
		ReceiptStatusCancelled, cancelledBy, reason, id)
	return err
}
