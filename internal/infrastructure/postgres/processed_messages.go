package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// markProcessed records (message_id, handler) and reports whether this is the
// first delivery. It must run in the same tx as the handler's writes so the
// marker only persists when they do.
func markProcessed(ctx context.Context, tx pgx.Tx, messageID, handler string) (bool, error) {
	if handler = strings.TrimSpace(handler); handler == "" {
		handler = "unknown"
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT (message_id, handler_name) DO NOTHING
	`, messageID, handler)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce applies fn at most once per (messageID, handler). A duplicate
// returns (false, nil) without calling fn. When fn fails the tx rolls back,
// marker included, so a redelivery retries the whole message. Errors from fn
// are returned unchanged.
func (r *Repository) ProcessOnce(ctx context.Context, messageID, handler string, fn func(tx pgx.Tx) error) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// an id-less message cannot be fenced; apply it anyway
	if id := strings.TrimSpace(messageID); id != "" {
		first, err := markProcessed(ctx, tx, id, handler)
		if err != nil || !first {
			return false, err
		}
	}

	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}
