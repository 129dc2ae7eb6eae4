package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12
	outboxPoll        = 500 * time.Millisecond
	outboxLease       = 15 * time.Second
	confirmWait       = 600 * time.Millisecond
)

// computeNextRetry is 2^attempt seconds clamped to [5s, 30m], with +/-10% jitter.
func computeNextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	sec := math.Min(math.Max(math.Pow(2, float64(attempt)), 5), 1800)
	d := time.Duration(sec) * time.Second

	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}

type outboxMsg struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// leaseOutboxBatch selects due pending rows and pushes their next_retry_at
// out by outboxLease so concurrent workers skip them. The lease tx commits
// before anything is published.
func (r *Repository) leaseOutboxBatch(ctx context.Context) ([]outboxMsg, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, trace_id, routing_key, payload, attempt
		FROM outbox
		WHERE status = 'pending' AND next_retry_at <= NOW()
		ORDER BY next_retry_at, occurred_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, outboxBatchSize)
	if err != nil {
		return nil, err
	}

	var batch []outboxMsg
	ids := make([]uuid.UUID, 0, outboxBatchSize)
	for rows.Next() {
		var m outboxMsg
		if err := rows.Scan(&m.ID, &m.MessageID, &m.TraceID, &m.RoutingKey, &m.Payload, &m.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET next_retry_at = NOW() + make_interval(secs => $2) WHERE id = ANY($1)`,
			ids, outboxLease.Seconds()); err != nil {
			return nil, err
		}
	}
	return batch, tx.Commit(ctx)
}

func (r *Repository) markOutboxSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', last_error = NULL WHERE id = $1`, id)
	return err
}

// markOutboxFailed records a failed attempt and reports whether the row is now dead.
func (r *Repository) markOutboxFailed(ctx context.Context, m outboxMsg, reason string) (attempt int, dead bool, retryIn time.Duration, err error) {
	attempt = m.Attempt + 1
	if attempt >= outboxMaxAttempts {
		_, err = r.pool.Exec(ctx,
			`UPDATE outbox SET status = 'dead', attempt = $2, last_error = $3 WHERE id = $1`,
			m.ID, attempt, reason)
		return attempt, true, 0, err
	}
	retryIn = computeNextRetry(attempt)
	_, err = r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2, next_retry_at = NOW() + make_interval(secs => $3), last_error = $4
		WHERE id = $1
	`, m.ID, attempt, retryIn.Seconds(), reason)
	return attempt, false, retryIn, err
}

// OutboxWorker relays pending outbox rows to the topic exchange. A row is
// marked sent only after the broker acks it and no mandatory return arrived.
type OutboxWorker struct {
	repo      *Repository
	rabbitURL string
	exchange  string
	audit     *audit.Logger
	log       zerolog.Logger
}

func NewOutboxWorker(repo *Repository, rabbitURL, exchange string, a *audit.Logger) *OutboxWorker {
	return &OutboxWorker{
		repo:      repo,
		rabbitURL: rabbitURL,
		exchange:  exchange,
		audit:     a,
		log:       logger.Logger.With().Str("component", "outbox_worker").Logger(),
	}
}

// Run blocks until ctx ends, reconnecting after broker failures.
func (w *OutboxWorker) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.log.Info().Msg("stopped")
			return nil
		}
		wait := time.Duration(min(attempt, 6)) * 5 * time.Second
		w.log.Warn().Err(err).Dur("retry_in", wait).Msg("outbox session ended; reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// confirmer publishes one message at a time on a confirm-mode channel.
type confirmer struct {
	ch       *amqp.Channel
	exchange string
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
}

var errConfirmTimeout = errors.New("confirm/return timeout")

// publish returns nil only for an acked, routed message.
func (c *confirmer) publish(ctx context.Context, m outboxMsg) error {
	// stale notifications from an earlier timed-out publish
	for drained := false; !drained; {
		select {
		case <-c.returns:
		case <-c.confirms:
		default:
			drained = true
		}
	}

	err := c.ch.PublishWithContext(ctx, c.exchange, m.RoutingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     m.MessageID.String(),
		CorrelationId: m.TraceID,
		AppId:         event.Producer,
		Body:          m.Payload,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	var returned *amqp.Return
	timeout := time.After(confirmWait)
	for {
		select {
		case ret := <-c.returns:
			// a return precedes the confirm of the same message
			returned = &ret
		case conf := <-c.confirms:
			switch {
			case returned != nil:
				return fmt.Errorf("NO_ROUTE: code=%d text=%s rk=%s", returned.ReplyCode, returned.ReplyText, returned.RoutingKey)
			case !conf.Ack:
				return fmt.Errorf("NACK: delivery_tag=%d", conf.DeliveryTag)
			}
			return nil
		case <-timeout:
			return errConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *OutboxWorker) session(ctx context.Context) error {
	conn, err := amqp.Dial(w.rabbitURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(w.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	pub := &confirmer{
		ch:       ch,
		exchange: w.exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 100)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 100)),
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	w.log.Info().Str("exchange", w.exchange).Msg("outbox worker connected")

	ticker := time.NewTicker(outboxPoll)
	defer ticker.Stop()

	// repeated identical batch errors are logged at most every 10s
	var lastErr string
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case <-ticker.C:
			err := w.processBatch(ctx, pub)
			if err == nil {
				lastErr = ""
				continue
			}
			if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
				w.log.Warn().Err(err).Msg("outbox batch failed")
				lastErr, lastAt = err.Error(), time.Now()
			}
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context, pub *confirmer) error {
	batch, err := w.repo.leaseOutboxBatch(ctx)
	if err != nil {
		return err
	}

	for _, m := range batch {
		if err := pub.publish(ctx, m); err != nil {
			w.fail(ctx, m, err.Error())
			continue
		}
		if err := w.repo.markOutboxSent(ctx, m.ID); err != nil {
			// the lease expires and the row is sent again; consumers dedupe on message_id
			w.log.Warn().Err(err).Str("outbox_id", m.ID.String()).Msg("mark sent failed")
			continue
		}
		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if w.audit != nil {
			w.audit.OutboxMessageSent(ctx, m.MessageID.String(), m.RoutingKey)
		}
	}
	return nil
}

func (w *OutboxWorker) fail(ctx context.Context, m outboxMsg, reason string) {
	attempt, dead, retryIn, err := w.repo.markOutboxFailed(ctx, m, reason)
	if err != nil {
		w.log.Warn().Err(err).Str("outbox_id", m.ID.String()).Msg("record outbox failure failed")
		return
	}
	if dead {
		metrics.OutboxPublished.WithLabelValues("dead").Inc()
		if w.audit != nil {
			w.audit.OutboxMessageDead(ctx, m.MessageID.String(), m.RoutingKey, attempt)
		}
		return
	}

	metrics.OutboxPublished.WithLabelValues("retry").Inc()
	w.log.Warn().
		Str("message_id", m.MessageID.String()).
		Str("routing_key", m.RoutingKey).
		Int("attempt", attempt).
		Dur("retry_in", retryIn).
		Str("reason", reason).
		Msg("outbox publish failed; scheduled retry")
}
