package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bank-sync/internal/cache"
	"github.com/bank-sync/internal/coordinator"
	"github.com/bank-sync/internal/database"
	"github.com/bank-sync/internal/messaging"
	"github.com/bank-sync/internal/websocket"
	"github.com/bank-sync/pkg/config"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP API server
type Server struct {
	cfg        *config.Config
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server

	// Dependencies
	registry   *coordinator.Registry
	mysqlDB    *database.MySQLClient
	influxDB   *database.InfluxClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient
	wsManager  *websocket.Manager
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	logger *logrus.Logger,
	registry *coordinator.Registry,
	mysqlDB *database.MySQLClient,
	influxDB *database.InfluxClient,
	redisCache *cache.RedisClient,
	natsClient *messaging.NATSClient,
	wsManager *websocket.Manager,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		mysqlDB:    mysqlDB,
		influxDB:   influxDB,
		redisCache: redisCache,
		natsClient: natsClient,
		wsManager:  wsManager,
	}

	s.setupRoutes()

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	if s.cfg.Security.CORSEnabled {
		s.router.Use(s.corsMiddleware)
	}

	apiV1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Health check
	apiV1.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Connection endpoints
	apiV1.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	apiV1.HandleFunc("/connections/{id}/balances", s.handleGetBalances).Methods("GET")
	apiV1.HandleFunc("/connections/{id}/status", s.handleGetStatus).Methods("GET")
	apiV1.HandleFunc("/connections/{id}/refresh", s.handleForceRefresh).Methods("POST")
	apiV1.HandleFunc("/connections/{id}/accounts/{account}/history", s.handleGetHistory).Methods("GET")

	// WebSocket endpoint
	if s.cfg.WebSocket.Enabled {
		apiV1.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	}
}

// Handler exposes the configured router, mainly for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.cfg.GetServerAddr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.statusCode,
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"path":  r.URL.Path,
				}).Error("Panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Security.CORSOrigins),
		handlers.AllowedMethods(s.cfg.Security.CORSMethods),
		handlers.AllowedHeaders(s.cfg.Security.CORSHeaders),
		handlers.AllowCredentials(),
	)(next)
}

// responseWriter captures the status code for request logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	return rw.ResponseWriter.Write(b)
}
