package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PortNumber53/fieldjobs-billing/internal/config"
	"github.com/PortNumber53/fieldjobs-billing/internal/handlers"
	"github.com/PortNumber53/fieldjobs-billing/internal/metrics"
	requesttracking "github.com/PortNumber53/fieldjobs-billing/internal/middleware"
	"github.com/PortNumber53/fieldjobs-billing/internal/scheduler"
	"github.com/PortNumber53/fieldjobs-billing/internal/worker"
)

// Deps are the collaborators the server routes to. Nil members disable the
// routes or background loops that need them.
type Deps struct {
	DB            handlers.Pinger
	Metrics       *metrics.Metrics
	Subscriptions handlers.SubscriptionService
	Events        handlers.EventHandler
	Queue         handlers.QueueStatsSource
	Sweeps        handlers.SweepTrigger
	Worker        *worker.Worker
	Scheduler     *scheduler.Scheduler
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	scheduler  *scheduler.Scheduler
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(requesttracking.NewRequestTracker(deps.Metrics).Middleware())
	router.Use(requesttracking.Identity)

	router.Get("/healthz", handlers.Health(deps.DB))
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	if deps.Events != nil {
		handlers.NewStripeHandler(deps.Events).RegisterRoutes(router)
	}
	if deps.Subscriptions != nil {
		handlers.NewSubscriptionHandler(deps.Subscriptions, deps.Metrics).RegisterRoutes(router)
	}
	if deps.Queue != nil {
		handlers.NewQueueHandler(deps.Queue, deps.Sweeps).RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, scheduler: deps.Scheduler}
}

// Start begins serving HTTP traffic and starts the background loops.
func (s *Server) Start() error {
	if s.worker != nil {
		log.Println("[server] Starting task worker...")
		s.worker.Start(context.Background())
	}
	if s.scheduler != nil {
		log.Println("[server] Starting scheduler...")
		s.scheduler.Start()
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting work in order: scheduler, HTTP, then the worker so
// in-flight tasks are released back to the queue.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.scheduler != nil {
		log.Println("[server] Shutting down scheduler...")
		if err := s.scheduler.Stop(ctx); err != nil {
			log.Printf("[server] Scheduler shutdown error: %v", err)
		}
	}
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Println("[server] Shutting down task worker...")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Printf("[server] Worker shutdown error: %v", werr)
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
