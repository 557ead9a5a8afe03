package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"campaignd/internal/core"
	"campaignd/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options carries the collaborators of the HTTP server.
type Options struct {
	Addr      string
	AuthToken string
	// UploadsDir receives media files before they are handed to the runner.
	UploadsDir string

	Store        *store.Store
	Orchestrator *core.Orchestrator
	Schedules    *core.Schedules
	// MCP and Metrics are mounted when set.
	MCP     http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer   *http.Server
	router       *chi.Mux
	store        *store.Store
	orchestrator *core.Orchestrator
	schedules    *core.Schedules
	logger       *slog.Logger
	authToken    string
	uploadsDir   string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:       router,
		store:        opts.Store,
		orchestrator: opts.Orchestrator,
		schedules:    opts.Schedules,
		logger:       opts.Logger,
		authToken:    opts.AuthToken,
		uploadsDir:   opts.UploadsDir,
	}
	s.registerRoutes(opts.MCP, opts.Metrics)

	s.httpServer = &http.Server{
		Addr:        opts.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Sends run synchronously and log follow streams until the run ends.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mcpHandler, metricsHandler http.Handler) {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler)
	}

	// Mount MCP endpoint with optional authentication
	if mcpHandler != nil {
		s.router.Handle("/mcp", AuthMiddleware(s.authToken)(mcpHandler))
	}

	s.router.Route("/api", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/send-test", s.handleSendTest)
			r.Post("/run-now", s.handleRunNow)
			r.Post("/schedule", s.handleSchedule)
		})

		r.Route("/scheduled-runs", func(r chi.Router) {
			r.Get("/", s.handleListScheduledRuns)
			r.Get("/{jobID}", s.handleGetScheduledRun)
			r.Post("/{jobID}/cancel", s.handleCancelScheduledRun)
			r.Post("/{jobID}/run-now-with-token", s.handleRearmScheduledRun)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
			r.Get("/{runID}/delivery-log", s.handleDeliveryLog)
		})

		r.Post("/customers/{customerID}/media/upload", s.handleUploadMedia)
		r.Get("/dashboard/runs", s.handleDashboardRuns)
	})
}
