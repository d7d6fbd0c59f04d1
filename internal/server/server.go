// Package server exposes the engine over HTTP and streams conversation
// events over websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"appforge/internal/engine"
	"appforge/internal/storage"
	"appforge/internal/versions"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	// StreamRate limits stream starts per client; zero disables the limit.
	StreamRate  rate.Limit
	StreamBurst int
}

type Deps struct {
	Engine   *engine.Engine
	Store    storage.Store
	Versions *versions.Store
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

type Server struct {
	cfg     Config
	engine  *engine.Engine
	store   storage.Store
	vcs     *versions.Store
	reg     *prometheus.Registry
	logger  *slog.Logger
	limiter *clientLimiter
	router  chi.Router
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Store == nil {
		return nil, errors.New("server: engine and store are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		cfg:    cfg,
		engine: deps.Engine,
		store:  deps.Store,
		vcs:    deps.Versions,
		reg:    deps.Registry,
		logger: deps.Logger,
	}
	if cfg.StreamRate > 0 {
		s.limiter = newClientLimiter(cfg.StreamRate, cfg.StreamBurst)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors(s.cfg.AllowedOrigins))

	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/apps", func(r chi.Router) {
			r.Get("/", s.listApps)
			r.Post("/", s.createApp)
			r.Route("/{appID}", func(r chi.Router) {
				r.Get("/conversations", s.listConversations)
				r.Post("/conversations", s.createConversation)
				r.Get("/versions", s.listVersions)
				r.Post("/versions/{oid}/checkout", s.checkoutVersion)
				r.Post("/versions/{oid}/revert", s.revertVersion)
			})
		})

		r.Route("/conversations/{convID}", func(r chi.Router) {
			r.Get("/", s.getConversation)
			r.Put("/mode", s.setMode)
			r.Get("/events", s.events)

			r.With(s.rateLimit).Post("/stream", s.startStream)
			r.Delete("/stream", s.cancelStream)
			r.Post("/tokens", s.tokenCount)

			r.Get("/queue", s.listQueue)
			r.With(s.rateLimit).Post("/queue", s.submit)
			r.Delete("/queue", s.clearQueue)
			r.Post("/queue/reorder", s.reorderQueue)
			r.Patch("/queue/{itemID}", s.updateQueueItem)
			r.Delete("/queue/{itemID}", s.removeQueueItem)

			r.Get("/consents", s.pendingConsents)

			r.Get("/proposal", s.getProposal)
			r.Post("/messages/{msgID}/approve", s.approve)
			r.Post("/messages/{msgID}/reject", s.reject)
		})

		r.Post("/consents/{requestID}", s.respondConsent)
		r.Get("/quota/{mode}", s.quotaStatus)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
		// websocket streams are long-lived; no write timeout
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
