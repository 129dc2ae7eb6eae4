package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
)

// Retention for rows that only matter for a short while after they are written.
const (
	sentOutboxRetention       = 72 * time.Hour
	processedMessageRetention = 7 * 24 * time.Hour
)

// RunCleanup periodically deletes sent outbox rows and old dedupe markers to
// prevent unbounded table growth. Dead outbox rows are kept for inspection.
func (r *Repository) RunCleanup(ctx context.Context, every time.Duration) error {
	log := logger.Logger.With().Str("component", "cleanup").Logger()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	// Run once immediately on startup
	r.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return nil
		case <-ticker.C:
			r.cleanup(ctx)
		}
	}
}

func (r *Repository) cleanup(ctx context.Context) {
	log := logger.Logger.With().Str("component", "cleanup").Logger()

	res, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE status = 'sent' AND occurred_at < NOW() - make_interval(secs => $1)`,
		sentOutboxRetention.Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("outbox cleanup failed")
	} else if n := res.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("sent outbox rows cleaned up")
	}

	res, err = r.pool.Exec(ctx,
		`DELETE FROM processed_messages WHERE processed_at < NOW() - make_interval(secs => $1)`,
		processedMessageRetention.Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("processed_messages cleanup failed")
	} else if n := res.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("processed messages cleaned up")
	}
}
