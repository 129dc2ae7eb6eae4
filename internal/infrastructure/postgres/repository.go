package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithLockTimeout bounds how long WithDropLock waits for the drop row.
// A timed-out wait surfaces as domain.ErrTransient.
func (r *Repository) WithLockTimeout(d time.Duration) *Repository {
	r.lockTimeout = d
	return r
}

// -------------------------
// Deadlock policy:
// Always lock in this order (for the same drop_id):
//   1) drops row (FOR UPDATE), claim only
//   2) waitlist_entries row for (drop_id,user_id) (FOR UPDATE)
// Leave takes only (2) and never waits on (1), so no cycle is possible.
// -------------------------

const entryCols = `
	id, drop_id, user_id, join_seq, priority_score,
	signup_latency_ms, account_age_days, rapid_actions_count,
	status, claimed_at, created_at`

const dropCols = `
	id, name, total_stock, claimed_count,
	claim_window_start, claim_window_end, status, updated_at`

func scanEntry(row pgx.Row) (domain.WaitlistEntry, error) {
	var e domain.WaitlistEntry
	var status string
	err := row.Scan(
		&e.ID, &e.DropID, &e.UserID, &e.Seq, &e.PriorityScore,
		&e.SignupLatencyMs, &e.AccountAgeDays, &e.RapidActionsCount,
		&status, &e.ClaimedAt, &e.CreatedAt,
	)
	e.Status = domain.EntryStatus(status)
	return e, err
}

func scanDrop(row pgx.Row) (domain.Drop, error) {
	var d domain.Drop
	var status string
	err := row.Scan(
		&d.ID, &d.Name, &d.TotalStock, &d.ClaimedCount,
		&d.ClaimWindowStart, &d.ClaimWindowEnd, &status, &d.UpdatedAt,
	)
	d.Status = domain.DropStatus(status)
	return d, err
}

// mapErr converts driver errors a caller may retry into domain.ErrTransient.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available (lock_timeout)
			"40001", // serialization_failure
			"40P01", // deadlock_detected
			"57014": // query_canceled (statement_timeout / cancel)
			return domain.Transient(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Transient(err)
	}
	return err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, traceID, routingKey string, payload any) error {
	msgID := uuid.New()
	body, err := json.Marshal(event.DomainEventEnvelope[any]{
		Version:    1,
		Producer:   event.Producer,
		TraceID:    strings.TrimSpace(traceID),
		MessageID:  msgID.String(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status) VALUES ($1, $2, $3, $4, NOW(), 'pending')`,
		msgID, strings.TrimSpace(traceID), routingKey, body,
	)
	return err
}

func (r *Repository) GetDrop(ctx context.Context, dropID uuid.UUID) (domain.Drop, error) {
	d, err := scanDrop(r.pool.QueryRow(ctx, `SELECT `+dropCols+` FROM drops WHERE id = $1`, dropID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Drop{}, domain.ErrDropNotFound
	}
	return d, mapErr(err)
}

func (r *Repository) GetEntry(ctx context.Context, dropID, userID uuid.UUID) (domain.WaitlistEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx,
		`SELECT `+entryCols+` FROM waitlist_entries WHERE drop_id = $1 AND user_id = $2`,
		dropID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WaitlistEntry{}, domain.ErrEntryNotFound
	}
	return e, mapErr(err)
}

// InsertEntry relies on the (drop_id, user_id) unique constraint: a losing
// concurrent insert gets no row back and reads the winner instead.
func (r *Repository) InsertEntry(ctx context.Context, traceID string, e domain.WaitlistEntry) (domain.InsertResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.InsertResult{}, mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.EntryWaiting
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	created, err := scanEntry(tx.QueryRow(ctx, `
		INSERT INTO waitlist_entries
			(id, drop_id, user_id, priority_score, signup_latency_ms,
			 account_age_days, rapid_actions_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT waitlist_entries_drop_user_key DO NOTHING
		RETURNING `+entryCols,
		e.ID, e.DropID, e.UserID, e.PriorityScore, e.SignupLatencyMs,
		e.AccountAgeDays, e.RapidActionsCount, string(e.Status), e.CreatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		existing, gerr := r.GetEntry(ctx, e.DropID, e.UserID)
		if errors.Is(gerr, domain.ErrEntryNotFound) {
			// the conflicting row was deleted between our insert and read
			return domain.InsertResult{}, domain.Transient(fmt.Errorf("waitlist entry changed concurrently"))
		}
		if gerr != nil {
			return domain.InsertResult{}, gerr
		}
		return domain.InsertResult{Entry: existing, Created: false}, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.InsertResult{}, domain.ErrDropNotFound
		}
		return domain.InsertResult{}, mapErr(err)
	}

	if err := insertOutbox(ctx, tx, traceID, event.RKWaitlistJoined, event.WaitlistJoinedPayload{
		DropID:        created.DropID,
		UserID:        created.UserID,
		EntryID:       created.ID,
		PriorityScore: created.PriorityScore,
	}); err != nil {
		return domain.InsertResult{}, mapErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.InsertResult{}, mapErr(err)
	}
	return domain.InsertResult{Entry: created, Created: true}, nil
}

func (r *Repository) CountAhead(ctx context.Context, dropID uuid.UUID, score float64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM waitlist_entries
		WHERE drop_id = $1 AND status = 'waiting' AND priority_score < $2
	`, dropID, score).Scan(&n)
	return n, mapErr(err)
}

func (r *Repository) CountWaiting(ctx context.Context, dropID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM waitlist_entries WHERE drop_id = $1 AND status = 'waiting'
	`, dropID).Scan(&n)
	return n, mapErr(err)
}

func (r *Repository) GetClaimCode(ctx context.Context, entryID uuid.UUID) (domain.ClaimCode, error) {
	return getClaimCode(ctx, r.pool, entryID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getClaimCode(ctx context.Context, q queryRower, entryID uuid.UUID) (domain.ClaimCode, error) {
	var c domain.ClaimCode
	err := q.QueryRow(ctx, `
		SELECT id, code, waitlist_id, expires_at, is_used, used_at, created_at
		FROM claim_codes
		WHERE waitlist_id = $1
	`, entryID).Scan(&c.ID, &c.Code, &c.WaitlistID, &c.ExpiresAt, &c.IsUsed, &c.UsedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ClaimCode{}, domain.ErrClaimCodeNotFound
	}
	return c, mapErr(err)
}

// ---- entry lock (leave) ----

func (r *Repository) WithEntryLock(ctx context.Context, traceID string, dropID, userID uuid.UUID, fn func(tx domain.EntryTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryCols+` FROM waitlist_entries WHERE drop_id = $1 AND user_id = $2 FOR UPDATE`,
		dropID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrEntryNotFound
	}
	if err != nil {
		return mapErr(err)
	}

	if err := fn(&entryTx{tx: tx, traceID: traceID, entry: e}); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

type entryTx struct {
	tx      pgx.Tx
	traceID string
	entry   domain.WaitlistEntry
}

func (t *entryTx) Entry() domain.WaitlistEntry { return t.entry }

func (t *entryTx) Delete(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM waitlist_entries WHERE id = $1`, t.entry.ID); err != nil {
		return err
	}
	return insertOutbox(ctx, t.tx, t.traceID, event.RKWaitlistLeft, event.WaitlistLeftPayload{
		DropID:  t.entry.DropID,
		UserID:  t.entry.UserID,
		EntryID: t.entry.ID,
	})
}

// ---- drop lock (claim) ----

// WithDropLock runs fn in one transaction holding the drop row FOR UPDATE.
// Every exit path other than fn returning nil rolls back.
func (r *Repository) WithDropLock(ctx context.Context, traceID string, dropID uuid.UUID, fn func(tx domain.DropTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if r.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())); err != nil {
			return mapErr(err)
		}
	}

	d, err := scanDrop(tx.QueryRow(ctx, `SELECT `+dropCols+` FROM drops WHERE id = $1 FOR UPDATE`, dropID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrDropNotFound
	}
	if err != nil {
		return mapErr(err)
	}

	dtx := &dropTx{tx: tx, traceID: traceID, drop: d, owners: make(map[uuid.UUID]uuid.UUID)}
	if err := fn(dtx); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

type dropTx struct {
	tx      pgx.Tx
	traceID string
	drop    domain.Drop
	owners  map[uuid.UUID]uuid.UUID // entry id -> user id, from LockEntry
}

func (t *dropTx) Drop() domain.Drop { return t.drop }

func (t *dropTx) LockEntry(ctx context.Context, userID uuid.UUID) (domain.WaitlistEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryCols+` FROM waitlist_entries WHERE drop_id = $1 AND user_id = $2 FOR UPDATE`,
		t.drop.ID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WaitlistEntry{}, domain.ErrEntryNotFound
	}
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	t.owners[e.ID] = e.UserID
	return e, nil
}

func (t *dropTx) ClaimCode(ctx context.Context, entryID uuid.UUID) (domain.ClaimCode, error) {
	return getClaimCode(ctx, t.tx, entryID)
}

func (t *dropTx) MarkClaimed(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'claimed', claimed_at = $2
		WHERE id = $1 AND status = 'waiting'
	`, entryID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark claimed: entry %s is not waiting", entryID)
	}
	return nil
}

// InsertClaimCode targets only the code constraint with ON CONFLICT so a
// collision leaves the transaction usable; a second code for the same entry
// still fails loudly on claim_codes_waitlist_key.
func (t *dropTx) InsertClaimCode(ctx context.Context, c domain.ClaimCode) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO claim_codes (id, code, waitlist_id, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (code) DO NOTHING
	`, c.ID, c.Code, c.WaitlistID, c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertOutbox(ctx, t.tx, t.traceID, event.RKDropClaimed, event.DropClaimedPayload{
		DropID:    t.drop.ID,
		UserID:    t.owners[c.WaitlistID],
		EntryID:   c.WaitlistID,
		ExpiresAt: c.ExpiresAt,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// IncrementClaimed re-checks stock in SQL; with the row lock held it can only
// fail if the caller skipped its own stock check.
func (t *dropTx) IncrementClaimed(ctx context.Context) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE drops
		SET claimed_count = claimed_count + 1, updated_at = NOW()
		WHERE id = $1 AND claimed_count < total_stock
	`, t.drop.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return domain.ErrOutOfStock
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
