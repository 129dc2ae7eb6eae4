package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/transport/rest/response"
)

// Pinger is a readiness dependency (database, cache).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports 503 when any required dependency fails its ping.
func Healthz(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		response.JSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
	}
}
