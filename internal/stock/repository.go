package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	InsertMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error
	ReplaceMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error
	UpdateMovementStatus(ctx context.Context, id int64, status MovementStatus) error
	SetMovementApproved(ctx context.Context, id int64, approvedBy int64) error
	SetMovementCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error
	MarkMovementPosted(ctx context.Context, id int64, postedAt time.Time) error
	UpdateMovementTotals(ctx context.Context, id int64, totalQty, totalCost decimal.Decimal) error
	GetEntryForUpdate(ctx context.Context, key Key) (Entry, error)
	UpsertEntry(ctx context.Context, entry Entry) error
	GetLastKardexEntry(ctx context.Context, key Key) (KardexEntry, error)
	InsertKardexEntry(ctx context.Context, entry KardexEntry) (int64, error)
}

type txRepository struct {
	q db.Querier
}

// ErrEntryNotFound indicates a missing snapshot or kardex row for a key.
var ErrEntryNotFound = errors.New("stock: entry not found")

// WithTx executes the callback inside a repeatable-read transaction, joining
// an ambient transaction already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: db.QuerierFor(ctx, r.pool)})
	})
}

func (r *Repository) GetMovement(ctx context.Context, id int64) (Movement, []MovementLine, error) {
	q := db.QuerierFor(ctx, r.pool)
	var m Movement
	err := q.QueryRow(ctx, `SELECT id, number, movement_type_id, source_location_id, destination_location_id, status, total_quantity, total_cost, reference, ref_id, note, posted_at, created_by, approved_by, cancelled_by, cancel_reason, created_at, updated_at
FROM stock_movements WHERE id=$1`, id).Scan(
		&m.ID, &m.Number, &m.MovementTypeID, &m.SourceLocationID, &m.DestinationLocationID, &m.Status,
		&m.TotalQuantity, &m.TotalCost, &m.Reference, &m.RefID, &m.Note, &m.PostedAt,
		&m.CreatedBy, &m.ApprovedBy, &m.CancelledBy, &m.CancelReason, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, nil, ErrNotFound
		}
		return Movement{}, nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, movement_id, product_id, unit_id, quantity, base_quantity, unit_cost, lot, serial_number, expiry_date
FROM stock_movement_lines WHERE movement_id=$1 ORDER BY id`, id)
	if err != nil {
		return Movement{}, nil, err
	}
	defer rows.Close()
	var lines []MovementLine
	for rows.Next() {
		var line MovementLine
		if err := rows.Scan(&line.ID, &line.MovementID, &line.ProductID, &line.UnitID, &line.Quantity, &line.BaseQuantity, &line.UnitCost, &line.Lot, &line.SerialNumber, &line.ExpiryDate); err != nil {
			return Movement{}, nil, err
		}
		lines = append(lines, line)
	}
	return m, lines, rows.Err()
}

func (r *Repository) GetEntry(ctx context.Context, key Key) (Entry, error) {
	q := db.QuerierFor(ctx, r.pool)
	var e Entry
	err := q.QueryRow(ctx, `SELECT product_id, location_id, area_id, lot, quantity, reserved_quantity, unit_cost, total_cost, last_movement_id, updated_at
FROM stock_entries WHERE product_id=$1 AND location_id=$2 AND area_id=$3 AND lot=$4`,
		key.ProductID, key.LocationID, key.AreaID, key.Lot).Scan(
		&e.Key.ProductID, &e.Key.LocationID, &e.Key.AreaID, &e.Key.Lot,
		&e.Quantity, &e.ReservedQuantity, &e.UnitCost, &e.TotalCost, &e.LastMovementID, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{Key: key}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *Repository) GetKardex(ctx context.Context, filter KardexFilter) ([]KardexEntry, error) {
	q := db.QuerierFor(ctx, r.pool)
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.Query(ctx, `SELECT id, product_id, location_id, area_id, lot, transaction_type, quantity, balance_quantity, unit_cost, total_cost, balance_value, movement_id, posted_at
FROM kardex_entries
WHERE product_id=$1 AND location_id=$2 AND area_id=$3 AND lot=$4
  AND posted_at BETWEEN COALESCE($5, '-infinity') AND COALESCE($6, 'infinity')
ORDER BY id ASC
LIMIT $7`, filter.Key.ProductID, filter.Key.LocationID, filter.Key.AreaID, filter.Key.Lot,
		nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []KardexEntry{}
	for rows.Next() {
		var e KardexEntry
		if err := rows.Scan(&e.ID, &e.Key.ProductID, &e.Key.LocationID, &e.Key.AreaID, &e.Key.Lot,
			&e.TransactionType, &e.Quantity, &e.BalanceQuantity, &e.UnitCost, &e.TotalCost, &e.BalanceValue,
			&e.MovementID, &e.PostedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_movements (number, movement_type_id, source_location_id, destination_location_id, status, total_quantity, total_cost, reference, ref_id, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW()) RETURNING id`,
		m.Number, m.MovementTypeID, m.SourceLocationID, m.DestinationLocationID, string(m.Status),
		m.TotalQuantity, m.TotalCost, m.Reference, m.RefID, m.Note, m.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error {
	for _, line := range lines {
		if _, err := r.q.Exec(ctx, `INSERT INTO stock_movement_lines (movement_id, product_id, unit_id, quantity, base_quantity, unit_cost, lot, serial_number, expiry_date)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			movementID, line.ProductID, line.UnitID, line.Quantity, line.BaseQuantity, line.UnitCost,
			line.Lot, line.SerialNumber, line.ExpiryDate); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) ReplaceMovementLines(ctx context.Context, movementID int64, lines []MovementLine) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM stock_movement_lines WHERE movement_id=$1`, movementID); err != nil {
		return err
	}
	return r.InsertMovementLines(ctx, movementID, lines)
}

func (r *txRepository) UpdateMovementStatus(ctx context.Context, id int64, status MovementStatus) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_movements SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}

func (r *txRepository) SetMovementApproved(ctx context.Context, id int64, approvedBy int64) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_movements SET status=$2, approved_by=$3, updated_at=NOW() WHERE id=$1`,
		id, string(MovementStatusApproved), approvedBy)
	return err
}

func (r *txRepository) SetMovementCancelled(ctx context.Context, id int64, cancelledBy int64, reason string) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_movements SET status=$2, cancelled_by=$3, cancel_reason=$4, updated_at=NOW() WHERE id=$1`,
		id, string(MovementStatusCancelled), cancelledBy, reason)
	return err
}

func (r *txRepository) MarkMovementPosted(ctx context.Context, id int64, postedAt time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_movements SET status=$2, posted_at=$3, updated_at=NOW() WHERE id=$1`,
		id, string(MovementStatusCompleted), postedAt)
	return err
}

func (r *txRepository) UpdateMovementTotals(ctx context.Context, id int64, totalQty, totalCost decimal.Decimal) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_movements SET total_quantity=$2, total_cost=$3, updated_at=NOW() WHERE id=$1`,
		id, totalQty, totalCost)
	return err
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, key Key) (Entry, error) {
	var e Entry
	err := r.q.QueryRow(ctx, `SELECT product_id, location_id, area_id, lot, quantity, reserved_quantity, unit_cost, total_cost, last_movement_id, updated_at
FROM stock_entries WHERE product_id=$1 AND location_id=$2 AND area_id=$3 AND lot=$4 FOR UPDATE`,
		key.ProductID, key.LocationID, key.AreaID, key.Lot).Scan(
		&e.Key.ProductID, &e.Key.LocationID, &e.Key.AreaID, &e.Key.Lot,
		&e.Quantity, &e.ReservedQuantity, &e.UnitCost, &e.TotalCost, &e.LastMovementID, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{Key: key}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *txRepository) UpsertEntry(ctx context.Context, entry Entry) error {
	_, err := r.q.Exec(ctx, `INSERT INTO stock_entries (product_id, location_id, area_id, lot, quantity, reserved_quantity, unit_cost, total_cost, last_movement_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (product_id, location_id, area_id, lot)
DO UPDATE SET quantity=EXCLUDED.quantity, reserved_quantity=EXCLUDED.reserved_quantity, unit_cost=EXCLUDED.unit_cost, total_cost=EXCLUDED.total_cost, last_movement_id=EXCLUDED.last_movement_id, updated_at=NOW()`,
		entry.Key.ProductID, entry.Key.LocationID, entry.Key.AreaID, entry.Key.Lot,
		entry.Quantity, entry.ReservedQuantity, entry.UnitCost, entry.TotalCost, entry.LastMovementID)
	return err
}

func (r *txRepository) GetLastKardexEntry(ctx context.Context, key Key) (KardexEntry, error) {
	var e KardexEntry
	err := r.q.QueryRow(ctx, `SELECT id, product_id, location_id, area_id, lot, transaction_type, quantity, balance_quantity, unit_cost, total_cost, balance_value, movement_id, posted_at
FROM kardex_entries WHERE product_id=$1 AND location_id=$2 AND area_id=$3 AND lot=$4
ORDER BY id DESC LIMIT 1`,
		key.ProductID, key.LocationID, key.AreaID, key.Lot).Scan(
		&e.ID, &e.Key.ProductID, &e.Key.LocationID, &e.Key.AreaID, &e.Key.Lot,
		&e.TransactionType, &e.Quantity, &e.BalanceQuantity, &e.UnitCost, &e.TotalCost, &e.BalanceValue,
		&e.MovementID, &e.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return KardexEntry{Key: key}, ErrEntryNotFound
		}
		return KardexEntry{}, err
	}
	return e, nil
}

func (r *txRepository) InsertKardexEntry(ctx context.Context, entry KardexEntry) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO kardex_entries (product_id, location_id, area_id, lot, transaction_type, quantity, balance_quantity, unit_cost, total_cost, balance_value, movement_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		entry.Key.ProductID, entry.Key.LocationID, entry.Key.AreaID, entry.Key.Lot,
		string(entry.TransactionType), entry.Quantity, entry.BalanceQuantity, entry.UnitCost,
		entry.TotalCost, entry.BalanceValue, entry.MovementID, entry.PostedAt).Scan(&id)
	return id, err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
