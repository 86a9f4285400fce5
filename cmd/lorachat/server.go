package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"lorachat/internal/auth"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/events"
	"lorachat/internal/httputil"
	"lorachat/internal/metrics"
	"lorachat/internal/middleware"
	"lorachat/internal/models"
	"lorachat/internal/service"
	"lorachat/internal/versioning"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Relay is the part of service.Relay the HTTP API drives.
type Relay interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.Message, bool, error)
	Message(id string) (*models.Message, error)
	Messages(cursor string, limit int) ([]*models.Message, string, error)
	Retry(ctx context.Context, id string) (*models.Message, error)
	Fail(ctx context.Context, id, reason string) (*models.Message, error)
	HandleConfirm(ctx context.Context, req models.ConfirmRequest) (models.Receipt, error)
	HandleReliableInbound(ctx context.Context, in models.InboundMessage) (models.Receipt, error)
	Sync(ctx context.Context, wait bool) (events.QualityPayload, error)
	Status() events.QualityPayload
	ObserveTelemetry(ctx context.Context, sample models.TelemetrySample) models.Tier
	Checksum(sender, body string, createdAt int64) string
}

// EventSource hands out push subscriptions.
type EventSource interface {
	Subscribe() *events.Subscription
}

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	cfg       models.ServerConfig
	relay     Relay
	hub       EventSource
	db        HealthChecker
	userAuth  auth.Authenticator
	peerAuth  auth.Authenticator
	limiter   *RateLimiter
	keepAlive time.Duration
	verbose   bool
	server    *http.Server
}

// NewServer builds the router. db may be nil when running without persistence.
func NewServer(cfg *models.Config, relay Relay, hub EventSource, db HealthChecker, logger *logrus.Logger, verbose bool) (*Server, error) {
	userAuth, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to configure authentication: %w", err)
	}
	peerAuth := userAuth
	if cfg.Reliable.PeerToken != "" {
		peerAuth = auth.FirstOf{auth.NewPeerTokenAuthenticator(cfg.Reliable.PeerToken), userAuth}
	}

	keepAlive := time.Duration(cfg.Server.StreamKeepAliveSec) * time.Second
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		cfg:       cfg.Server,
		relay:     relay,
		hub:       hub,
		db:        db,
		userAuth:  userAuth,
		peerAuth:  peerAuth,
		limiter:   NewRateLimiter(cfg.Server.SendRatePerMinute, time.Minute),
		keepAlive: keepAlive,
		verbose:   verbose,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	observe := middleware.ObservabilityMiddleware(s.logger, s.cfg.TrustProxyHeaders)
	s.router.Use(observe)
	if s.verbose {
		logCfg := middleware.DefaultDetailedLoggingConfig()
		logCfg.TrustProxy = s.cfg.TrustProxyHeaders
		s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, logCfg))
	}
	s.router.NotFoundHandler = observe(s.handleNotFound())
	s.router.MethodNotAllowedHandler = observe(s.handleMethodNotAllowed())

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	user := auth.Middleware(s.userAuth, s.logger)
	peer := auth.Middleware(s.peerAuth, s.logger)
	limit := s.limiter.Middleware(s.logger, s.cfg.TrustProxyHeaders)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(versioning.Middleware(s.logger))
	api.Handle("/send", limit(user(s.handleSend()))).Methods(http.MethodPost)
	api.Handle("/messages", user(s.handleMessages())).Methods(http.MethodGet)
	api.Handle("/receive", user(s.handleMessages())).Methods(http.MethodGet)
	api.Handle("/messages/{id}", user(s.handleMessage())).Methods(http.MethodGet)
	api.Handle("/messages/{id}/retry", user(s.handleRetry())).Methods(http.MethodPost)
	api.Handle("/sync", user(s.handleSync())).Methods(http.MethodPost)
	api.Handle("/status", user(s.handleStatus())).Methods(http.MethodGet)
	api.Handle("/checksum", user(s.handleChecksum())).Methods(http.MethodGet)
	api.Handle("/stream", user(s.handleStream())).Methods(http.MethodGet)
	api.Handle("/ws", user(s.handleWebSocket())).Methods(http.MethodGet)

	// Peer relays and probe sidecars.
	api.Handle("/confirm", peer(s.handleConfirm())).Methods(http.MethodPost)
	api.Handle("/inbound", peer(s.handleInbound())).Methods(http.MethodPost)
	api.Handle("/messages/{id}/fail", peer(s.handleFail())).Methods(http.MethodPost)
	api.Handle("/telemetry", peer(s.handleTelemetry())).Methods(http.MethodPost)
	api.Handle("/telemetry", user(s.handleStatus())).Methods(http.MethodGet)
}

// SetSendRate changes the per-client limit on /api/send.
func (s *Server) SetSendRate(perMinute int) {
	s.limiter.SetLimit(perMinute)
}

// Start serves until Shutdown. It returns nil at once if Shutdown already ran.
func (s *Server) Start() error {
	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.db != nil {
			if err := s.db.HealthCheck(r.Context()); err != nil {
				s.logger.WithError(err).Warn("Health check failed")
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func (s *Server) handleNotFound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, s.logger, apperrors.NewNotFoundError("route", r.URL.Path))
	}
}

func (s *Server) handleMethodNotAllowed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, apperrors.ToHTTPResponse(
			apperrors.New(apperrors.ErrCodeValidationFailed, "method not allowed"),
			apperrors.RequestIDFromContext(r.Context()),
		))
	}
}
