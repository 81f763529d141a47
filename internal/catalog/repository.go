package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository reads reference data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	q := db.QuerierFor(ctx, r.pool)
	var p Product
	err := q.QueryRow(ctx, `SELECT id, code, name, unit_id, tracks_inventory, track_lots, track_serials, track_expiry, costing_method, is_active, created_at, updated_at
FROM products WHERE id = $1`, id).Scan(
		&p.ID, &p.Code, &p.Name, &p.UnitID, &p.TracksInventory, &p.TrackLots, &p.TrackSerials, &p.TrackExpiry, &p.Costing, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *Repository) GetUnit(ctx context.Context, id int64) (UnitOfMeasure, error) {
	q := db.QuerierFor(ctx, r.pool)
	var u UnitOfMeasure
	err := q.QueryRow(ctx, `SELECT id, code, name, conversion_factor, is_base FROM units_of_measure WHERE id = $1`, id).Scan(
		&u.ID, &u.Code, &u.Name, &u.ConversionFactor, &u.IsBase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UnitOfMeasure{}, ErrNotFound
		}
		return UnitOfMeasure{}, err
	}
	return u, nil
}

func (r *Repository) GetMovementType(ctx context.Context, id int64) (MovementType, error) {
	q := db.QuerierFor(ctx, r.pool)
	var mt MovementType
	err := q.QueryRow(ctx, `SELECT id, code, name, direction, effect, requires_source, requires_destination FROM movement_types WHERE id = $1`, id).Scan(
		&mt.ID, &mt.Code, &mt.Name, &mt.Direction, &mt.Effect, &mt.RequiresSource, &mt.RequiresDestination)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementType{}, ErrNotFound
		}
		return MovementType{}, err
	}
	return mt, nil
}

func (r *Repository) GetMovementTypeByCode(ctx context.Context, code string) (MovementType, error) {
	q := db.QuerierFor(ctx, r.pool)
	var mt MovementType
	err := q.QueryRow(ctx, `SELECT id, code, name, direction, effect, requires_source, requires_destination FROM movement_types WHERE code = $1`, code).Scan(
		&mt.ID, &mt.Code, &mt.Name, &mt.Direction, &mt.Effect, &mt.RequiresSource, &mt.RequiresDestination)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementType{}, ErrNotFound
		}
		return MovementType{}, err
	}
	return mt, nil
}

func (r *Repository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	q := db.QuerierFor(ctx, r.pool)
	var s Supplier
	err := q.QueryRow(ctx, `SELECT id, code, name, tax_id, email, phone, payment_terms_days, credit_limit, current_balance, is_active, created_at, updated_at
FROM suppliers WHERE id = $1`, id).Scan(
		&s.ID, &s.Code, &s.Name, &s.TaxID, &s.Email, &s.Phone, &s.PaymentTermsDays, &s.CreditLimit, &s.CurrentBalance, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supplier{}, ErrNotFound
		}
		return Supplier{}, err
	}
	return s, nil
}
