package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/api/handlers"
	"github.com/orgflow/orgflow/config"
	"github.com/orgflow/orgflow/hierarchy"
	"github.com/orgflow/orgflow/internal/metrics"
	"github.com/orgflow/orgflow/internal/runtime"
	"github.com/orgflow/orgflow/internal/server"
	"github.com/orgflow/orgflow/internal/telemetry"
	"github.com/orgflow/orgflow/org"
	"github.com/orgflow/orgflow/persistence"
	"github.com/orgflow/orgflow/scaling"
	"github.com/orgflow/orgflow/types"
)

// Server assembles the control plane: the persistence store, the
// in-process collaborators, the organization engine, the scaling
// controller, and the two HTTP listeners (API and metrics).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	collector   *metrics.Collector
	store       persistence.Store
	lifecycle   *runtime.Lifecycle
	ledger      *runtime.Ledger
	coordinator *runtime.Coordinator
	engine      *org.Engine
	controller  *scaling.Controller

	httpManager    *server.Manager
	metricsManager *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// Start brings up every component. It returns once both listeners are
// serving; failures leave nothing running.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("orgflow", s.logger)

	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", string(s.cfg.Persistence.Type)),
	)
	return nil
}

// initEngine opens the store, builds the in-process collaborators, and
// creates the organization engine and scaling controller.
func (s *Server) initEngine() error {
	store, err := persistence.NewStore(s.cfg.Persistence)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store

	s.lifecycle = runtime.NewLifecycle(s.logger)
	s.ledger = runtime.NewLedger(types.Budget{
		CPUCores: s.cfg.Runtime.CPUCores,
		MemoryMB: s.cfg.Runtime.MemoryMB,
	}, s.logger)
	s.coordinator = runtime.NewCoordinator(runtime.CoordinatorConfig{
		Workers:   s.cfg.Runtime.Workers,
		QueueSize: s.cfg.Runtime.QueueSize,
	}, nil, s.logger)

	s.engine = org.NewEngine(s.lifecycle, s.ledger, s.coordinator, s.store, org.Config{
		Limits: hierarchy.Limits{
			MaxDepth:  s.cfg.Hierarchy.MaxDepth,
			MaxFanout: s.cfg.Hierarchy.MaxFanout,
		},
		Spawn:      s.cfg.Spawn,
		Router:     s.cfg.Router,
		Delegation: s.cfg.Delegation,
		Escalation: s.cfg.Escalation,
	}, s.logger)

	s.controller = scaling.NewController(s.engine, scaling.NewRouterDepthSource(s.engine), s.cfg.Scaling, s.logger)
	s.controller.Start(context.Background())
	return nil
}

// startHTTPServer registers the API routes and brings up the listener.
func (s *Server) startHTTPServer() error {
	orgs := handlers.NewOrgHandler(s.engine, s.controller, s.logger)
	messages := handlers.NewMessageHandler(s.engine, s.logger)
	delegations := handlers.NewDelegationHandler(s.engine, s.logger)

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck("store", s.store.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /v1/organizations", orgs.HandleCreateOrganization)
	mux.HandleFunc("GET /v1/organizations", orgs.HandleListOrganizations)
	mux.HandleFunc("GET /v1/organizations/{id}", orgs.HandleGetOrganization)
	mux.HandleFunc("DELETE /v1/organizations/{id}", orgs.HandleTeardownOrganization)
	mux.HandleFunc("POST /v1/organizations/{id}/agents", orgs.HandleAddAgent)
	mux.HandleFunc("DELETE /v1/organizations/{id}/agents/{node}", orgs.HandleRetireAgent)
	mux.HandleFunc("POST /v1/organizations/{id}/tasks", orgs.HandleExecuteTask)
	mux.HandleFunc("POST /v1/organizations/{id}/scale", orgs.HandleScale)

	mux.HandleFunc("POST /v1/messages", messages.HandleSendMessage)
	mux.HandleFunc("GET /v1/messages/next", messages.HandleReceiveMessage)

	mux.HandleFunc("POST /v1/delegations", delegations.HandleDelegateTask)
	mux.HandleFunc("GET /v1/delegations/{id}", delegations.HandleGetDelegation)
	mux.HandleFunc("POST /v1/delegations/{id}/checkin", delegations.HandleCheckIn)
	mux.HandleFunc("POST /v1/delegations/{id}/complete", delegations.HandleComplete)
	mux.HandleFunc("POST /v1/delegations/{id}/fail", delegations.HandleFail)

	skipAuthPaths := []string{"/healthz", "/readyz", "/version"}
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RequestsPerSecond, s.cfg.Server.Burst, s.logger),
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startMetricsServer serves /metrics on its own listener so scrapes
// bypass the API middleware chain.
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a signal or serve failure, then shuts
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops components in reverse dependency order: listeners
// first, then the controller and coordinator, then the store.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.controller != nil {
		s.controller.Stop()
	}
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Store close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
