package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ApplyDropPatchTx writes a catalog snapshot. claimed_count is owned by the
// claim path and is never written here; total_stock is floored at it so the
// no-oversell check constraint cannot be violated by a late edit.
func (r *Repository) ApplyDropPatchTx(ctx context.Context, tx pgx.Tx, p domain.DropPatch) error {
	var status *string
	if p.Status != nil {
		s := string(*p.Status)
		status = &s
	}

	tag, err := tx.Exec(ctx, `
		UPDATE drops
		SET name               = COALESCE($2, name),
		    total_stock        = GREATEST(COALESCE($3, total_stock), claimed_count),
		    claim_window_start = COALESCE($4, claim_window_start),
		    claim_window_end   = COALESCE($5, claim_window_end),
		    status             = COALESCE($6, status),
		    updated_at         = NOW()
		WHERE id = $1
	`, p.ID, p.Name, p.TotalStock, p.ClaimWindowStart, p.ClaimWindowEnd, status)
	if err != nil {
		return checkViolation(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// unknown drop: a full definition is required to create it
	if p.TotalStock == nil || p.ClaimWindowStart == nil || p.ClaimWindowEnd == nil {
		return fmt.Errorf("%w: drop %s unknown and snapshot is partial", domain.ErrInvalidDrop, p.ID)
	}
	name := ""
	if p.Name != nil {
		name = *p.Name
	}
	st := string(domain.DropActive)
	if status != nil {
		st = *status
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO drops (id, name, total_stock, claimed_count, claim_window_start, claim_window_end, status, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, NOW())
		ON CONFLICT (id) DO NOTHING
	`, p.ID, name, *p.TotalStock, *p.ClaimWindowStart, *p.ClaimWindowEnd, st)
	return checkViolation(err)
}

// checkViolation turns a CHECK constraint failure into domain.ErrInvalidDrop.
func checkViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", domain.ErrInvalidDrop, pgErr.ConstraintName)
	}
	return err
}
