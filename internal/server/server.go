// Package server exposes the guardrail pipeline over HTTP: a chat
// completions endpoint plus health, status, and admin surfaces.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wardenhq/llm-warden/internal/breaker"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
	"github.com/wardenhq/llm-warden/internal/pipeline"
	"github.com/wardenhq/llm-warden/internal/websocket"
	"go.uber.org/zap"
)

// Version is stamped at build time.
var Version = "0.1.0"

// ReloadFunc rebuilds the detector set from the configuration on disk.
type ReloadFunc func() error

// Server is the warden HTTP front end.
type Server struct {
	config       *config.Config
	logger       *logger.Logger
	router       *mux.Router
	server       *http.Server
	orchestrator *pipeline.Orchestrator
	breaker      *breaker.Breaker
	wsHub        *websocket.Hub
	reload       ReloadFunc
	limiter      *ipRateLimiter
}

// New creates the server. wsHub and reload may be nil.
func New(cfg *config.Config, orchestrator *pipeline.Orchestrator, b *breaker.Breaker,
	wsHub *websocket.Hub, reload ReloadFunc, log *logger.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:       cfg,
		logger:       log.WithComponent("server"),
		router:       router,
		orchestrator: orchestrator,
		breaker:      b,
		wsHub:        wsHub,
		reload:       reload,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newIPRateLimiter(cfg.RateLimit)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
	s.router.HandleFunc("/guardrails/status", s.handleGuardrailStatus).Methods("GET")
	s.router.HandleFunc("/admin/guardrails/reload", s.handleReload).Methods("POST")

	if s.wsHub != nil && s.config.WebSocket.Enabled {
		path := s.config.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.wsHub.HandleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.loggingMiddleware)
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}
	api.HandleFunc("/chat/completions", s.handleChatCompletions).Methods("POST")
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting llm-warden server",
		zap.Int("port", s.config.Server.Port),
		zap.String("version", Version))

	if s.wsHub != nil && s.config.WebSocket.Enabled {
		go s.wsHub.Run()
	}
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping llm-warden server")
	if s.wsHub != nil {
		s.wsHub.Stop()
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
