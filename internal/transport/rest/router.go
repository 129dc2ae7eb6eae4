package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Handler  *Handler
	Verifier security.AccessTokenVerifier

	// Cache backs the shared IP limiter; without it an in-process limiter is used.
	Cache     domain.CacheRepository
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	// optional
	ClaimLimiter *UserLimiter
	Health       map[string]Pinger
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/healthz", Healthz(d.Health))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if d.RLEnabled {
			if d.Cache != nil {
				r.Use(RateLimitMiddleware(d.Cache, d.RLLimit, d.RLWindow))
			} else {
				r.Use(httprate.LimitByIP(d.RLLimit, d.RLWindow))
			}
		}
		r.Use(AuthMiddleware(d.Verifier))

		r.Route("/drops/{dropID}", func(r chi.Router) {
			r.Post("/join", d.Handler.Join)
			r.Post("/leave", d.Handler.Leave)

			r.Group(func(r chi.Router) {
				if d.ClaimLimiter != nil {
					r.Use(d.ClaimLimiter.Throttle)
				}
				r.Post("/claim", d.Handler.Claim)
			})

			r.Get("/me", d.Handler.Me)
			r.Get("/waitlist", d.Handler.Waitlist)
			r.Get("/stats", d.Handler.Stats)
		})
	})

	return r
}
