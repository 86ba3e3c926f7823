package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chatweb/internal/api"
	"github.com/capitalize-ai/chatweb/internal/middleware"
	"github.com/capitalize-ai/chatweb/pkg/logger"
)

// RouterConfig holds the cross-cutting settings of the relay router.
type RouterConfig struct {
	AuthSecret        string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// Routes are the handlers mounted by NewRouter. Exchanges may be nil.
type Routes struct {
	Health    *HealthHandler
	Aux       *AuxHandler
	Chat      *ChatHandler
	Exchanges *ExchangeHandler
}

// NewRouter builds the relay router.
func NewRouter(cfg RouterConfig, routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Tracing)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", routes.Health.Health)
	r.Get("/ready", routes.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Session discovery and verification happen before the client holds a token.
	r.Post(api.PathSession, routes.Aux.Session)
	r.Post(api.PathVerify, routes.Aux.Verify)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.AuthSecret))
		r.Post(api.PathConfig, routes.Aux.Config)

		if routes.Exchanges != nil {
			r.Get("/exchanges/{conversationId}", routes.Exchanges.List)
		}

		r.Group(func(r chi.Router) {
			if cfg.RateLimitRequests > 0 {
				r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			}
			r.Post(api.PathChat, routes.Chat.Chat)
			r.Post(api.PathChatProcess, routes.Chat.Process)
		})
	})

	return r
}
