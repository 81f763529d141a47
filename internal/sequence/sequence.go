// Package sequence issues document numbers from per-scope database counters.
// Numbers come from a single UPDATE-and-return statement, so two callers can
// never observe the same value; the scan-then-increment pattern this replaces
// raced under concurrency.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Sequencer issues the next document number for a scope, e.g. "PO" or "PAY".
type Sequencer interface {
	Next(ctx context.Context, scope string) (string, error)
}

// Generator implements Sequencer on top of the document_sequences table.
// Issuance joins the ambient transaction when one is active, so a rolled-back
// document releases no gap observable by later readers of committed rows only.
type Generator struct {
	pool *pgxpool.Pool
}

// NewGenerator constructs Generator.
func NewGenerator(pool *pgxpool.Pool) *Generator {
	return &Generator{pool: pool}
}

// Next reserves and formats the next number for scope, e.g. "PO-2026-000042".
func (g *Generator) Next(ctx context.Context, scope string) (string, error) {
	if g == nil || g.pool == nil {
		return "", errors.New("sequence: generator not initialised")
	}
	if scope == "" {
		return "", errors.New("sequence: scope required")
	}
	year := time.Now().UTC().Year()
	q := db.QuerierFor(ctx, g.pool)
	var value int64
	err := q.QueryRow(ctx, `INSERT INTO document_sequences (scope, year, value)
VALUES ($1, $2, 1)
ON CONFLICT (scope, year) DO UPDATE SET value = document_sequences.value + 1
RETURNING value`, scope, year).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("sequence: next %s: %w", scope, err)
	}
	return Format(scope, year, value), nil
}

// Format renders a document number from its parts.
func Format(scope string, year int, value int64) string {
	return fmt.Sprintf("%s-%d-%06d", scope, year, value)
}
