package postgres

import (
	"context"
	"fmt"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// ListWaitlist: ORDER BY priority_score ASC, join_seq ASC
// cursor means "start after this item" -> WHERE (priority_score, join_seq) > (cursor.score, cursor.seq)
func (r *Repository) ListWaitlist(ctx context.Context, dropID uuid.UUID, limit int, cursor *domain.RankCursor) ([]domain.WaitlistEntry, *domain.RankCursor, error) {
	limit = clampLimit(limit)

	q := `SELECT ` + entryCols + ` FROM waitlist_entries WHERE drop_id = $1`
	args := []any{dropID}
	if cursor != nil {
		q += ` AND (priority_score, join_seq) > ($2, $3)`
		args = append(args, cursor.Score, cursor.Seq)
	}
	q += fmt.Sprintf(` ORDER BY priority_score ASC, join_seq ASC LIMIT %d`, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	defer rows.Close()

	out := make([]domain.WaitlistEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, mapErr(err)
	}

	var next *domain.RankCursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &domain.RankCursor{Score: last.PriorityScore, Seq: last.Seq}
	}
	return out, next, nil
}
