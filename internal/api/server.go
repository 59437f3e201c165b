// Package api exposes evaluation, snapshots and commands over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/logger"
	"github.com/TimurManjosov/flageval/internal/snapshot"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/TimurManjosov/flageval/internal/trigger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

// Options wires a Server. Zero rate limits and durations select defaults.
type Options struct {
	Store     store.Store
	Registry  *snapshot.Registry
	Evaluator *Service
	Commands  *command.Handler
	Triggers  *trigger.Service
	Auth      *auth.Authenticator // nil or without keys: open access
	Logger    zerolog.Logger

	RateLimitPerIP   int           // evaluation requests per minute, default 600
	TriggerRateLimit int           // webhook calls per minute, default 60
	RequestTimeout   time.Duration // non-streaming requests, default 5s
	Heartbeat        time.Duration // SSE heartbeat, default 25s
}

type Server struct {
	store     store.Store
	registry  *snapshot.Registry
	evaluator *Service
	commands  *command.Handler
	triggers  *trigger.Service
	auth      *auth.Authenticator
	logger    zerolog.Logger

	rateLimitPerIP   int
	triggerRateLimit int
	timeout          time.Duration
	heartbeat        time.Duration
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:            opts.Store,
		registry:         opts.Registry,
		evaluator:        opts.Evaluator,
		commands:         opts.Commands,
		triggers:         opts.Triggers,
		auth:             opts.Auth,
		logger:           opts.Logger,
		rateLimitPerIP:   opts.RateLimitPerIP,
		triggerRateLimit: opts.TriggerRateLimit,
		timeout:          opts.RequestTimeout,
		heartbeat:        opts.Heartbeat,
	}
	if s.auth == nil {
		s.auth = auth.NewAuthenticator()
	}
	if s.evaluator == nil {
		s.evaluator = NewService(opts.Registry, nil, opts.Logger)
	}
	if s.rateLimitPerIP <= 0 {
		s.rateLimitPerIP = 600
	}
	if s.triggerRateLimit <= 0 {
		s.triggerRateLimit = 60
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 25 * time.Second
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(logger.Middleware(s.logger), telemetry.Middleware, withAuditSource)

	// health
	r.Get("/healthz", s.handleHealth)

	limit := func(perMinute int) func(http.Handler) http.Handler {
		return httprate.Limit(perMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByRealIP),
			httprate.WithLimitHandler(RateLimitedError),
		)
	}

	// webhook boundary: the token in the path is the credential
	r.With(middleware.Timeout(s.timeout), limit(s.triggerRateLimit)).
		Post("/v1/triggers/{token}", s.handleInvokeTrigger)

	r.Route("/v1/environments/{env}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAuth(auth.RoleClient))
			r.Get("/stream", s.handleStream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(s.timeout))
				r.Get("/snapshot", s.handleSnapshot)
				r.With(limit(s.rateLimitPerIP)).Post("/evaluations", s.handleEvaluate)
			})
		})

		// admin
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAuth(auth.RoleAdmin), middleware.Timeout(s.timeout))

			r.Get("/features", s.handleListFeatures)
			r.Post("/features", s.handleCreateFeature)
			r.Get("/features/{id}", s.handleGetFeature)
			r.Post("/features/{id}/commands", s.handleFeatureCommand)
			r.Get("/features/{id}/triggers", s.handleListTriggers)
			r.Post("/features/{id}/triggers", s.handleCreateTrigger)
			r.Post("/triggers/{id}/commands", s.handleTriggerCommand)

			r.Get("/segments", s.handleListSegments)
			r.Post("/segments", s.handleCreateSegment)
			r.Post("/segments/{id}/commands", s.handleSegmentCommand)
		})
	})

	return r
}

// withAuditSource records the caller's address and user agent for audit
// events written while serving the request.
func withAuditSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithRequestSource(r)))
	})
}
