package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/sequence"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// GoodsReceiptTypeCode is the movement type resolved for receipt postings.
const GoodsReceiptTypeCode = "GR"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMovement(ctx context.Context, id int64) (Movement, []MovementLine, error)
	GetEntry(ctx context.Context, key Key) (Entry, error)
	GetKardex(ctx context.Context, filter KardexFilter) ([]KardexEntry, error)
}

// CatalogPort exposes the reference lookups the movement engine needs.
type CatalogPort interface {
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
	GetUnit(ctx context.Context, id int64) (catalog.UnitOfMeasure, error)
	GetMovementType(ctx context.Context, id int64) (catalog.MovementType, error)
	GetMovementTypeByCode(ctx context.Context, code string) (catalog.MovementType, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config groups optional settings.
type Config struct {
	// ClampNegativeStock restores the legacy behavior of clamping an
	// over-decrease at zero instead of rejecting it.
	ClampNegativeStock bool
}

// Service coordinates ledger and movement operations.
type Service struct {
	repo      RepositoryPort
	catalog   CatalogPort
	audit     AuditPort
	sequences sequence.Sequencer
	clampNeg  bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, cat CatalogPort, audit AuditPort, seq sequence.Sequencer, cfg Config) *Service {
	return &Service{repo: repo, catalog: cat, audit: audit, sequences: seq, clampNeg: cfg.ClampNegativeStock}
}

// MovementLineInput describes one line of a movement document.
type MovementLineInput struct {
	ProductID    int64
	UnitID       int64
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	Lot          string
	SerialNumber string
	ExpiryDate   *time.Time
}

// CreateMovementInput describes creation payload.
type CreateMovementInput struct {
	Number                string
	MovementTypeID        int64
	SourceLocationID      int64
	DestinationLocationID int64
	Reference             string
	RefID                 string
	Note                  string
	Lines                 []MovementLineInput
}

// GoodsReceiptInput drives the movement posted during receipt completion.
type GoodsReceiptInput struct {
	Number     string
	LocationID int64
	Reference  string
	RefID      string
	Note       string
	Lines      []MovementLineInput
}

// CreateMovement persists a draft movement with validated lines.
func (s *Service) CreateMovement(ctx context.Context, input CreateMovementInput) (Movement, error) {
	mtype, err := s.catalog.GetMovementType(ctx, input.MovementTypeID)
	if err != nil {
		return Movement{}, err
	}
	if err := validateLocations(mtype, input.SourceLocationID, input.DestinationLocationID); err != nil {
		return Movement{}, err
	}
	if len(input.Lines) == 0 {
		return Movement{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return Movement{}, fmt.Errorf("%w: invalid ref id", ErrValidation)
		}
	}
	lines, err := s.buildLines(ctx, input.Lines)
	if err != nil {
		return Movement{}, err
	}
	movement := Movement{
		Number:                input.Number,
		MovementTypeID:        mtype.ID,
		SourceLocationID:      input.SourceLocationID,
		DestinationLocationID: input.DestinationLocationID,
		Status:                MovementStatusDraft,
		Reference:             input.Reference,
		RefID:                 input.RefID,
		Note:                  input.Note,
		CreatedBy:             shared.ActorFromContext(ctx),
	}
	RecalculateTotals(&movement, lines)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if movement.Number == "" {
			number, err := s.sequences.Next(ctx, "MOV")
			if err != nil {
				return err
			}
			movement.Number = number
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		return tx.InsertMovementLines(ctx, id, lines)
	})
	if err != nil {
		return Movement{}, err
	}
	s.recordAudit(ctx, "MOVEMENT_CREATE", movement.ID, map[string]any{"number": movement.Number})
	return movement, nil
}

// ReplaceLines swaps the line set of an editable movement and refreshes totals.
func (s *Service) ReplaceLines(ctx context.Context, movementID int64, inputs []MovementLineInput) error {
	movement, _, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return err
	}
	if !movement.Status.Editable() {
		return ErrInvalidState
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	lines, err := s.buildLines(ctx, inputs)
	if err != nil {
		return err
	}
	RecalculateTotals(&movement, lines)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ReplaceMovementLines(ctx, movementID, lines); err != nil {
			return err
		}
		return tx.UpdateMovementTotals(ctx, movementID, movement.TotalQuantity, movement.TotalCost)
	})
}

// Submit transitions a draft movement to pending.
func (s *Service) Submit(ctx context.Context, movementID int64) error {
	movement, _, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return err
	}
	if movement.Status != MovementStatusDraft {
		return ErrInvalidState
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateMovementStatus(ctx, movementID, MovementStatusPending)
	})
}

// Approve marks a pending movement approved.
func (s *Service) Approve(ctx context.Context, movementID int64) error {
	movement, _, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return err
	}
	if movement.Status != MovementStatusPending {
		return ErrInvalidState
	}
	actorID := shared.ActorFromContext(ctx)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetMovementApproved(ctx, movementID, actorID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "MOVEMENT_APPROVE", movementID, map[string]any{"number": movement.Number})
	return nil
}

// Post applies a movement to the ledger and completes it.
func (s *Service) Post(ctx context.Context, movementID int64) error {
	movement, lines, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return err
	}
	if movement.Status != MovementStatusPending && movement.Status != MovementStatusApproved {
		return ErrInvalidState
	}
	mtype, err := s.catalog.GetMovementType(ctx, movement.MovementTypeID)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.postMovementTx(ctx, tx, &movement, lines, mtype)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "MOVEMENT_POST", movementID, map[string]any{"number": movement.Number})
	return nil
}

// Cancel voids a movement that has not been posted.
func (s *Service) Cancel(ctx context.Context, movementID int64, reason string) error {
	movement, _, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return err
	}
	if movement.Status == MovementStatusCompleted || movement.Status == MovementStatusCancelled {
		return ErrInvalidState
	}
	actorID := shared.ActorFromContext(ctx)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetMovementCancelled(ctx, movementID, actorID, reason)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "MOVEMENT_CANCEL", movementID, map[string]any{"number": movement.Number, "reason": reason})
	return nil
}

// PostGoodsReceipt creates and posts a goods receipt movement in one unit.
// Receipt completion calls this inside its own transaction; the ledger writes
// join that transaction and commit or roll back with the receipt.
func (s *Service) PostGoodsReceipt(ctx context.Context, input GoodsReceiptInput) (Movement, error) {
	if input.LocationID == 0 {
		return Movement{}, fmt.Errorf("%w: destination location required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return Movement{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	mtype, err := s.catalog.GetMovementTypeByCode(ctx, GoodsReceiptTypeCode)
	if err != nil {
		return Movement{}, err
	}
	lines, err := s.buildLines(ctx, input.Lines)
	if err != nil {
		return Movement{}, err
	}
	movement := Movement{
		Number:                input.Number,
		MovementTypeID:        mtype.ID,
		DestinationLocationID: input.LocationID,
		Status:                MovementStatusPending,
		Reference:             input.Reference,
		RefID:                 input.RefID,
		Note:                  input.Note,
		CreatedBy:             shared.ActorFromContext(ctx),
	}
	RecalculateTotals(&movement, lines)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if movement.Number == "" {
			number, err := s.sequences.Next(ctx, "MOV")
			if err != nil {
				return err
			}
			movement.Number = number
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		for i := range lines {
			lines[i].MovementID = id
		}
		if err := tx.InsertMovementLines(ctx, id, lines); err != nil {
			return err
		}
		return s.postMovementTx(ctx, tx, &movement, lines, mtype)
	})
	if err != nil {
		return Movement{}, err
	}
	return movement, nil
}

// Reserve increases the reserved counter for a key, bounded by availability.
func (s *Service) Reserve(ctx context.Context, key Key, quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: reserve quantity must be positive", ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, key)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		if entry.Available().LessThan(quantity) {
			return ErrInsufficientAvailable
		}
		entry.ReservedQuantity = entry.ReservedQuantity.Add(quantity)
		return tx.UpsertEntry(ctx, entry)
	})
}

// Release lowers the reserved counter for a key, never below zero.
func (s *Service) Release(ctx context.Context, key Key, quantity decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: release quantity must be positive", ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, key)
		if err != nil {
			return err
		}
		entry.ReservedQuantity = decimal.Max(decimal.Zero, entry.ReservedQuantity.Sub(quantity))
		entry.Key = key
		return tx.UpsertEntry(ctx, entry)
	})
}

// GetEntry returns the current snapshot for a key.
func (s *Service) GetEntry(ctx context.Context, key Key) (Entry, error) {
	return s.repo.GetEntry(ctx, key)
}

// GetMovement returns a movement with its lines.
func (s *Service) GetMovement(ctx context.Context, id int64) (Movement, []MovementLine, error) {
	return s.repo.GetMovement(ctx, id)
}

// GetKardex lists kardex entries for a key.
func (s *Service) GetKardex(ctx context.Context, filter KardexFilter) ([]KardexEntry, error) {
	if filter.Key.ProductID == 0 || filter.Key.LocationID == 0 {
		return nil, fmt.Errorf("%w: product and location required", ErrValidation)
	}
	return s.repo.GetKardex(ctx, filter)
}

// postMovementTx applies every line to the ledger and completes the document.
// It runs inside the caller's transaction.
func (s *Service) postMovementTx(ctx context.Context, tx TxRepository, movement *Movement, lines []MovementLine, mtype catalog.MovementType) error {
	now := time.Now().UTC()
	for _, line := range lines {
		switch {
		case mtype.Direction == catalog.DirectionTransfer:
			srcKey := Key{ProductID: line.ProductID, LocationID: movement.SourceLocationID, Lot: line.Lot}
			dstKey := Key{ProductID: line.ProductID, LocationID: movement.DestinationLocationID, Lot: line.Lot}
			outEntry, err := s.applyQuantityChange(ctx, tx, srcKey, line.BaseQuantity.Neg(), decimal.Zero, movement.ID, now)
			if err != nil {
				return err
			}
			// Transfers carry stock at the source's average cost.
			if _, err := s.applyQuantityChange(ctx, tx, dstKey, line.BaseQuantity, outEntry.UnitCost, movement.ID, now); err != nil {
				return err
			}
		case mtype.Effect == catalog.EffectIncrease:
			key := Key{ProductID: line.ProductID, LocationID: movement.DestinationLocationID, Lot: line.Lot}
			if _, err := s.applyQuantityChange(ctx, tx, key, line.BaseQuantity, line.UnitCost, movement.ID, now); err != nil {
				return err
			}
		case mtype.Effect == catalog.EffectDecrease:
			key := Key{ProductID: line.ProductID, LocationID: movement.SourceLocationID, Lot: line.Lot}
			if _, err := s.applyQuantityChange(ctx, tx, key, line.BaseQuantity.Neg(), decimal.Zero, movement.ID, now); err != nil {
				return err
			}
		default:
			// Neutral effect leaves the ledger untouched.
		}
	}
	movement.Status = MovementStatusCompleted
	movement.PostedAt = &now
	return tx.MarkMovementPosted(ctx, movement.ID, now)
}

// applyQuantityChange moves one key's snapshot by a signed base quantity and
// appends the matching kardex row. The snapshot row is locked first, so
// concurrent postings against the same key serialize.
func (s *Service) applyQuantityChange(ctx context.Context, tx TxRepository, key Key, signedQty, unitCost decimal.Decimal, movementID int64, postedAt time.Time) (Entry, error) {
	if signedQty.IsZero() {
		return Entry{}, fmt.Errorf("%w: quantity must be non zero", ErrValidation)
	}
	entry, err := tx.GetEntryForUpdate(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return Entry{}, err
	}

	newQty := entry.Quantity.Add(signedQty)
	applied := signedQty
	if newQty.IsNegative() {
		if !s.clampNeg {
			return Entry{}, ErrInsufficientStock
		}
		// Legacy clamp: drain to zero and record only what actually left.
		applied = entry.Quantity.Neg()
		newQty = decimal.Zero
	}
	if applied.IsZero() {
		// Clamped against an empty key: nothing moved, so neither the
		// snapshot nor the kardex changes.
		entry.Key = key
		return entry, nil
	}

	if applied.IsPositive() && unitCost.IsPositive() {
		// Weighted moving average over the prior position and the increase.
		newTotalCost := entry.Quantity.Mul(entry.UnitCost).Add(applied.Mul(unitCost))
		entry.UnitCost = newTotalCost.Div(newQty)
	}
	entry.Quantity = newQty
	entry.TotalCost = entry.Quantity.Mul(entry.UnitCost).Round(4)
	entry.Key = key
	entry.LastMovementID = movementID
	entry.UpdatedAt = postedAt
	if err := tx.UpsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}

	txType := TransactionTypeIn
	if applied.IsNegative() {
		txType = TransactionTypeOut
	}
	kardexCost := unitCost
	if applied.IsNegative() || unitCost.IsZero() {
		kardexCost = entry.UnitCost
	}
	if err := s.appendKardex(ctx, tx, key, txType, applied.Abs(), kardexCost, entry, movementID, postedAt); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// appendKardex writes the next immutable history row, carrying running
// balances forward from the previous one. Must run in the same transaction as
// the snapshot update so the two never diverge.
func (s *Service) appendKardex(ctx context.Context, tx TxRepository, key Key, txType TransactionType, quantity, unitCost decimal.Decimal, entry Entry, movementID int64, postedAt time.Time) error {
	prev, err := tx.GetLastKardexEntry(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return err
	}
	next := KardexEntry{
		Key:             key,
		TransactionType: txType,
		Quantity:        quantity,
		UnitCost:        unitCost,
		TotalCost:       quantity.Mul(unitCost).Round(4),
		MovementID:      movementID,
		PostedAt:        postedAt,
	}
	next.BalanceQuantity = prev.BalanceQuantity.Add(next.SignedQuantity())
	next.BalanceValue = entry.TotalCost
	_, err = tx.InsertKardexEntry(ctx, next)
	return err
}

func (s *Service) buildLines(ctx context.Context, inputs []MovementLineInput) ([]MovementLine, error) {
	lines := make([]MovementLine, 0, len(inputs))
	for _, input := range inputs {
		if input.ProductID == 0 {
			return nil, fmt.Errorf("%w: product required", ErrValidation)
		}
		if input.Quantity.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		if input.UnitCost.IsNegative() {
			return nil, fmt.Errorf("%w: unit cost must be >= 0", ErrValidation)
		}
		product, err := s.catalog.GetProduct(ctx, input.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.TracksInventory {
			return nil, fmt.Errorf("%w: product %s does not track inventory", ErrValidation, product.Code)
		}
		if product.TrackLots && input.Lot == "" {
			return nil, fmt.Errorf("%w: product %s requires a lot", ErrValidation, product.Code)
		}
		if product.TrackSerials && input.SerialNumber == "" {
			return nil, fmt.Errorf("%w: product %s requires a serial number", ErrValidation, product.Code)
		}
		if product.TrackExpiry && input.ExpiryDate == nil {
			return nil, fmt.Errorf("%w: product %s requires an expiry date", ErrValidation, product.Code)
		}
		unitID := input.UnitID
		if unitID == 0 {
			unitID = product.UnitID
		}
		unit, err := s.catalog.GetUnit(ctx, unitID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, MovementLine{
			ProductID:    input.ProductID,
			UnitID:       unitID,
			Quantity:     input.Quantity.Round(4),
			BaseQuantity: input.Quantity.Mul(unit.ConversionFactor).Round(4),
			UnitCost:     input.UnitCost.Round(4),
			Lot:          input.Lot,
			SerialNumber: input.SerialNumber,
			ExpiryDate:   input.ExpiryDate,
		})
	}
	return lines, nil
}

func validateLocations(mtype catalog.MovementType, sourceID, destinationID int64) error {
	if mtype.RequiresSource && sourceID == 0 {
		return fmt.Errorf("%w: movement type %s requires a source location", ErrValidation, mtype.Code)
	}
	if mtype.RequiresDestination && destinationID == 0 {
		return fmt.Errorf("%w: movement type %s requires a destination location", ErrValidation, mtype.Code)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "stock_movement",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
