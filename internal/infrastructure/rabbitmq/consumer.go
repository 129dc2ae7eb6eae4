package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1
	queueName        = "drop-service.drop-snapshots"
	handlerName      = "drop_snapshots"
)

var validate = validator.New()

// SnapshotRepo applies catalog snapshots behind the processed_messages fence.
type SnapshotRepo interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	ApplyDropPatchTx(ctx context.Context, tx pgx.Tx, p domain.DropPatch) error
}

type patchApplier interface {
	ApplyDropPatchTx(ctx context.Context, tx pgx.Tx, p domain.DropPatch) error
}

type Consumer struct {
	rabbitURL string
	exchange  string
	repo      SnapshotRepo
	cache     domain.CacheRepository // optional
}

func NewConsumer(rabbitURL, exchange string, repo SnapshotRepo, cache domain.CacheRepository) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		repo:      repo,
		cache:     cache,
	}
}

// Run consumes until ctx ends, redialing when the broker drops the connection.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()
	backoff := time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("consumer session ended; reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	for _, rk := range []string{event.RKDropPublished, event.RKDropUpdated, event.RKDropCanceled, event.RKDropCompleted} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", rk, err)
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, event.Producer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Info().Str("queue", q.Name).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d); err != nil {
				_ = d.Nack(false, true) // transient => requeue
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// handleDelivery returns an error only when the message should be requeued.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "invalid").Inc()
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "invalid").Inc()
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", strings.TrimSpace(env.TraceID)).
		Logger()

	var applied *domain.DropPatch
	processed, err := c.repo.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
		p, err := applySnapshotTx(ctx, c.repo, tx, d.RoutingKey, env.Payload, log)
		applied = p
		return err
	})
	if errors.Is(err, domain.ErrInvalidDrop) {
		// the constraint failure aborted the tx; nothing was marked, drop anyway
		log.Warn().Err(err).Msg("snapshot rejected by drop constraints; dropping")
		metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "invalid").Inc()
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "error").Inc()
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
		metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "duplicate").Inc()
		return nil
	}
	if applied == nil {
		metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "invalid").Inc()
		return nil
	}

	metrics.SnapshotsConsumed.WithLabelValues(d.RoutingKey, "applied").Inc()
	c.refreshStatus(ctx, *applied, log)
	return nil
}

// refreshStatus pushes a committed status change into the fast-fail cache.
func (c *Consumer) refreshStatus(ctx context.Context, p domain.DropPatch, log zerolog.Logger) {
	if c.cache == nil || p.Status == nil {
		return
	}
	if err := c.cache.SetDropStatus(ctx, p.ID, *p.Status); err != nil {
		log.Warn().Err(err).Msg("drop status cache update failed")
	}
}

// applySnapshotTx maps one catalog message onto a DropPatch and writes it.
// A nil patch with a nil error means the message was malformed and dropped.
func applySnapshotTx(
	ctx context.Context,
	r patchApplier,
	tx pgx.Tx,
	routingKey string,
	raw json.RawMessage,
	log zerolog.Logger,
) (*domain.DropPatch, error) {
	switch routingKey {
	case event.RKDropPublished, event.RKDropUpdated, event.RKDropCanceled, event.RKDropCompleted:
	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil, nil
	}

	var p event.DropSnapshotPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return nil, nil
	}
	if err := validate.Struct(p); err != nil {
		log.Warn().Err(err).Msg("snapshot failed validation; dropping")
		return nil, nil
	}
	dropID, err := uuid.Parse(p.DropID)
	if err != nil {
		log.Warn().Err(err).Msg("invalid drop_id; dropping")
		return nil, nil
	}

	patch := domain.DropPatch{ID: dropID}
	switch routingKey {
	case event.RKDropCanceled:
		st := domain.DropCancelled
		patch.Status = &st

	case event.RKDropCompleted:
		st := domain.DropCompleted
		patch.Status = &st

	default:
		if s := strings.TrimSpace(p.Name); s != "" {
			patch.Name = &s
		}
		patch.TotalStock = p.TotalStock
		patch.ClaimWindowStart = utcPtr(p.ClaimWindowStart)
		patch.ClaimWindowEnd = utcPtr(p.ClaimWindowEnd)
		if p.Status != "" {
			st := normalizeStatus(p.Status)
			patch.Status = &st
		}
		if patch.ClaimWindowStart != nil && patch.ClaimWindowEnd != nil &&
			!patch.ClaimWindowStart.Before(*patch.ClaimWindowEnd) {
			log.Warn().Msg("claim window start not before end; dropping")
			return nil, nil
		}
	}

	if err := r.ApplyDropPatchTx(ctx, tx, patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

// normalizeStatus accepts the catalog's US spelling.
func normalizeStatus(s string) domain.DropStatus {
	if s == "canceled" {
		return domain.DropCancelled
	}
	return domain.DropStatus(s)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
