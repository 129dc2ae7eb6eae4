package audit

import (
	"context"
	"time"

	appctx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// Joined logs a new waitlist entry with the signals its score was built from.
func (l *Logger) Joined(ctx context.Context, dropID, userID uuid.UUID, score float64, latencyMs, ageDays, rapid int) {
	l.log.Info().
		Str("action", "waitlist_joined").
		Str("drop_id", dropID.String()).
		Str("user_id", userID.String()).
		Float64("priority_score", score).
		Int("signup_latency_ms", latencyMs).
		Int("account_age_days", ageDays).
		Int("rapid_actions", rapid).
		Str("trace_id", appctx.GetRequestID(ctx)).
		Msg("User joined waitlist")
}

func (l *Logger) Left(ctx context.Context, dropID, userID uuid.UUID) {
	l.log.Info().
		Str("action", "waitlist_left").
		Str("drop_id", dropID.String()).
		Str("user_id", userID.String()).
		Str("trace_id", appctx.GetRequestID(ctx)).
		Msg("User left waitlist")
}

// ClaimIssued logs the first successful claim of an entry.
func (l *Logger) ClaimIssued(ctx context.Context, dropID, userID uuid.UUID, code string, expiresAt time.Time, claimedCount int) {
	l.log.Info().
		Str("action", "claim_issued").
		Str("drop_id", dropID.String()).
		Str("user_id", userID.String()).
		Str("claim_code", code).
		Time("expires_at", expiresAt).
		Int("claimed_count", claimedCount).
		Str("trace_id", appctx.GetRequestID(ctx)).
		Msg("Claim code issued")
}

// ClaimReplayed logs a repeated claim answered with the stored code.
func (l *Logger) ClaimReplayed(ctx context.Context, dropID, userID uuid.UUID) {
	l.log.Debug().
		Str("action", "claim_replayed").
		Str("drop_id", dropID.String()).
		Str("user_id", userID.String()).
		Str("trace_id", appctx.GetRequestID(ctx)).
		Msg("Claim replayed")
}

// OutboxMessageSent logs when an outbox message is successfully published
func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	l.log.Debug().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, retries int) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("retries", retries).
		Msg("Outbox message moved to dead status")
}
