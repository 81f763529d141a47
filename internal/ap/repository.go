package ap

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists payables and payments in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	CreatePayable(ctx context.Context, p AccountPayable) (int64, error)
	UpdatePayableStatus(ctx context.Context, id int64, status PayableStatus) error
	GetPayableForUpdate(ctx context.Context, id int64) (AccountPayable, error)
	SavePayableBalance(ctx context.Context, p AccountPayable) error
	CreatePayment(ctx context.Context, p Payment) (int64, error)
	InsertApplication(ctx context.Context, app PaymentApplication) (int64, error)
	SetPaymentProcessed(ctx context.Context, id int64, processedBy int64, processedAt time.Time) error
	SetPaymentVoided(ctx context.Context, id int64, status PaymentStatus, cancelledBy int64, reason string) error
}

type txRepository struct {
	q db.Querier
}

// WithTx executes the callback inside a repeatable-read transaction, joining
// an ambient transaction already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ap repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: db.QuerierFor(ctx, r.pool)})
	})
}

const payableColumns = `id, number, supplier_id, receipt_id, order_id, supplier_doc_ref, status, issue_date, due_date, currency, exchange_rate, subtotal, tax_amount, total_amount, paid_amount, note, created_by, created_at, updated_at`

func scanPayable(row pgx.Row) (AccountPayable, error) {
	var p AccountPayable
	err := row.Scan(&p.ID, &p.Number, &p.SupplierID, &p.ReceiptID, &p.OrderID, &p.SupplierDocRef, &p.Status,
		&p.IssueDate, &p.DueDate, &p.Currency, &p.ExchangeRate, &p.Subtotal, &p.TaxAmount,
		&p.TotalAmount, &p.PaidAmount, &p.Note, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountPayable{}, ErrNotFound
		}
		return AccountPayable{}, err
	}
	return p, nil
}

// GetPayable returns a payable by ID.
func (r *Repository) GetPayable(ctx context.Context, id int64) (AccountPayable, error) {
	q := db.QuerierFor(ctx, r.pool)
	return scanPayable(q.QueryRow(ctx, `SELECT `+payableColumns+` FROM account_payables WHERE id=$1`, id))
}

// ListOpenPayables returns payables still accepting applications, oldest due
// first. supplierID zero means all suppliers.
func (r *Repository) ListOpenPayables(ctx context.Context, supplierID int64) ([]AccountPayable, error) {
	q := db.QuerierFor(ctx, r.pool)
	rows, err := q.Query(ctx, `SELECT `+payableColumns+` FROM account_payables
WHERE status IN ($1, $2) AND ($3 = 0 OR supplier_id = $3) ORDER BY due_date, id`,
		PayableStatusPending, PayableStatusPartial, supplierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payables []AccountPayable
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, err
		}
		payables = append(payables, p)
	}
	return payables, rows.Err()
}

// GetPayment returns a payment and its applications.
func (r *Repository) GetPayment(ctx context.Context, id int64) (Payment, []PaymentApplication, error) {
	q := db.QuerierFor(ctx, r.pool)
	var p Payment
	err := q.QueryRow(ctx, `SELECT id, number, supplier_id, payable_id, status, payment_date, method, reference, amount, currency, exchange_rate, note, created_by, processed_by, processed_at, cancelled_by, cancel_reason, created_at, updated_at
FROM supplier_payments WHERE id=$1`, id).Scan(
		&p.ID, &p.Number, &p.SupplierID, &p.PayableID, &p.Status, &p.PaymentDate, &p.Method, &p.Reference,
		&p.Amount, &p.Currency, &p.ExchangeRate, &p.Note, &p.CreatedBy, &p.ProcessedBy, &p.ProcessedAt,
		&p.CancelledBy, &p.CancelReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, nil, ErrNotFound
		}
		return Payment{}, nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, payment_id, payable_id, amount, applied_at
FROM payment_applications WHERE payment_id=$1 ORDER BY id`, id)
	if err != nil {
		return Payment{}, nil, err
	}
	defer rows.Close()
	var applications []PaymentApplication
	for rows.Next() {
		var app PaymentApplication
		if err := rows.Scan(&app.ID, &app.PaymentID, &app.PayableID, &app.Amount, &app.AppliedAt); err != nil {
			return Payment{}, nil, err
		}
		applications = append(applications, app)
	}
	return p, applications, rows.Err()
}

func (t *txRepository) CreatePayable(ctx context.Context, p AccountPayable) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO account_payables (number, supplier_id, receipt_id, order_id, supplier_doc_ref, status, issue_date, due_date, currency, exchange_rate, subtotal, tax_amount, total_amount, paid_amount, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,0,$14,$15,NOW(),NOW()) RETURNING id`,
		p.Number, p.SupplierID, p.ReceiptID, p.OrderID, p.SupplierDocRef, p.Status, p.IssueDate, p.DueDate,
		p.Currency, p.ExchangeRate, p.Subtotal, p.TaxAmount, p.TotalAmount, p.Note, p.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepository) UpdatePayableStatus(ctx context.Context, id int64, status PayableStatus) error {
	_, err := t.q.Exec(ctx, `UPDATE account_payables SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	return err
}

// GetPayableForUpdate locks the payable row so concurrent applications
// serialize on it.
func (t *txRepository) GetPayableForUpdate(ctx context.Context, id int64) (AccountPayable, error) {
	return scanPayable(t.q.QueryRow(ctx, `SELECT `+payableColumns+` FROM account_payables WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) SavePayableBalance(ctx context.Context, p AccountPayable) error {
	_, err := t.q.Exec(ctx, `UPDATE account_payables SET paid_amount=$1, status=$2, updated_at=NOW() WHERE id=$3`,
		p.PaidAmount, p.Status, p.ID)
	return err
}

func (t *txRepository) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO supplier_payments (number, supplier_id, payable_id, status, payment_date, method, reference, amount, currency, exchange_rate, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW()) RETURNING id`,
		p.Number, p.SupplierID, p.PayableID, p.Status, p.PaymentDate, p.Method, p.Reference, p.Amount,
		p.Currency, p.ExchangeRate, p.Note, p.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepository) InsertApplication(ctx context.Context, app PaymentApplication) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO payment_applications (payment_id, payable_id, amount, applied_at)
VALUES ($1,$2,$3,NOW()) RETURNING id`,
		app.PaymentID, app.PayableID, app.Amount).Scan(&id)
	return id, err
}

func (t *txRepository) SetPaymentProcessed(ctx context.Context, id int64, processedBy int64, processedAt time.Time) error {
	_, err := t.q.Exec(ctx, `UPDATE supplier_payments SET status=$1, processed_by=$2, processed_at=$3, updated_at=NOW() WHERE id=$4`,
		PaymentStatusProcessed, processedBy, processedAt, id)
	return err
}

func (t *txRepository) SetPaymentVoided(ctx context.Context, id int64, status PaymentStatus, cancelledBy int64, reason string) error {
	_, err := t.q.Exec(ctx, `UPDATE supplier_payments SET status=$1, cancelled_by=$2, cancel_reason=$3, updated_at=NOW() WHERE id=$4`,
		status, cancelledBy, reason, id)
	return err
}
