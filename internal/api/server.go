package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/elliottw/autobridge/internal/cache"
	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/dispatch"
	"github.com/elliottw/autobridge/internal/events"
	"github.com/elliottw/autobridge/internal/registry"
	"github.com/elliottw/autobridge/internal/storage"
)

// Engine is the dispatch surface the API needs.
type Engine interface {
	TriggerManual(ctx context.Context, automatorID string, itemType config.ItemType, itemID string) (dispatch.Result, error)
	TriggerMapping(ctx context.Context, tcpCommandID string) (dispatch.Result, error)
	RefreshCache(ctx context.Context, automatorID string) (*cache.Snapshot, error)
	TestTarget(ctx context.Context, automatorID string) (dispatch.ConnectionStatus, error)
}

// ListenerManager reconciles and reports the TCP listener set.
type ListenerManager interface {
	Apply(desired []config.TCPListener) error
	Active() []int
}

// DispatchHistory reads recent dispatch outcomes.
type DispatchHistory interface {
	Recent(ctx context.Context, n int) ([]storage.DispatchRecord, error)
}

// ItemCache reads cached automator inventories.
type ItemCache interface {
	Snapshot(automatorID string) (*cache.Snapshot, bool)
	Drop(ctx context.Context, automatorID string)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey protects everything under /api. Empty means no auth, for
	// loopback-only deployments.
	APIKey string
}

// Server is the admin HTTP server.
type Server struct {
	config    Config
	reg       *registry.Registry
	engine    Engine
	listeners ListenerManager
	history   DispatchHistory
	itemCache ItemCache
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(cfg Config, reg *registry.Registry, engine Engine, listeners ListenerManager, history DispatchHistory, itemCache ItemCache, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    cfg,
		reg:       reg,
		engine:    engine,
		listeners: listeners,
		history:   history,
		itemCache: itemCache,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("admin server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("admin server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/config", s.handleGetConfig)
		r.Get("/dispatches", s.handleDispatches)
		r.Get("/events", s.handleEvents)
		r.Post("/welcome/dismiss", s.handleDismissWelcome)

		r.Route("/automators", func(r chi.Router) {
			r.Get("/", s.handleListAutomators)
			r.Post("/", s.handleAddAutomator)
			r.Put("/{id}", s.handleUpdateAutomator)
			r.Delete("/{id}", s.handleDeleteAutomator)
			r.Get("/{id}/items", s.handleAutomatorItems)
			r.Post("/{id}/test", s.handleTestAutomator)
			r.Post("/{id}/refresh", s.handleRefreshAutomator)
			r.Post("/{id}/trigger", s.handleTriggerAutomator)
		})

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", s.handleListMappings)
			r.Post("/", s.handleAddMapping)
			r.Get("/orphans", s.handleOrphanMappings)
			r.Put("/{tcpCommandID}", s.handleUpdateMapping)
			r.Delete("/{tcpCommandID}", s.handleDeleteMapping)
			r.Post("/{tcpCommandID}/trigger", s.handleTriggerMapping)
		})

		r.Get("/listeners", s.handleGetListeners)
		r.Put("/listeners", s.handlePutListeners)
		r.Get("/commands", s.handleGetCommands)
		r.Put("/commands", s.handlePutCommands)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
