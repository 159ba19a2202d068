// Package server provides the HTTP server that wires all services together.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/cache"
	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/evaluation"
	"github.com/qrelscope/qrelscope/internal/grpcserver"
	"github.com/qrelscope/qrelscope/internal/llm"
	"github.com/qrelscope/qrelscope/internal/metrics"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/pkg/middleware"
	"github.com/qrelscope/qrelscope/internal/store"
)

// Server is the main HTTP server that wires all services together.
type Server struct {
	cfg        Config
	log        *logger.Logger
	httpServer *http.Server
	handler    http.Handler

	// Services
	bus       bus.Bus
	cache     cache.Cache
	metrics   *metrics.Metrics
	store     *store.Service
	llm       *llm.Service
	evaluator *evaluation.Evaluator
	grpc      *grpcserver.Server

	mu       sync.RWMutex
	started  bool
	listener net.Listener
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration

	// MetricsPath serves Prometheus metrics when metrics are enabled.
	MetricsPath string
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8103,
		Version:         "dev",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		MetricsPath:     "/metrics",
	}
}

// ConfigFrom derives the server configuration from the application config.
func ConfigFrom(appCfg *config.Config, version string) Config {
	return Config{
		Host:            appCfg.Host,
		Port:            appCfg.Port,
		Version:         version,
		ReadTimeout:     appCfg.ReadTimeout,
		WriteTimeout:    appCfg.WriteTimeout,
		ShutdownTimeout: appCfg.ShutdownTimeout,
		MetricsPath:     appCfg.Metrics.Path,
	}
}

// Services are the collaborators a server routes to. Store is required;
// a nil Bus, Cache, Metrics or LLM disables the corresponding feature.
type Services struct {
	Store     *store.Service
	Bus       bus.Bus
	Cache     cache.Cache
	Metrics   *metrics.Metrics
	LLM       *llm.Service
	Evaluator *evaluation.Evaluator
	GRPC      *grpcserver.Server
}

// New creates a new server with all dependencies built from appCfg.
func New(ctx context.Context, cfg Config, appCfg *config.Config, log *logger.Logger) (*Server, error) {
	var m *metrics.Metrics
	if appCfg.Metrics.Enabled {
		m = metrics.New()
	}

	storeSvc, err := store.Open(ctx, appCfg, appCfg.Database.MigrateOnStart, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	b, err := bus.NewBus(appCfg.Bus, log)
	if err != nil {
		storeSvc.DB().Close()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	if m != nil {
		b = bus.NewInstrumentedBus(b, m)
		storeSvc.SetRecorder(m)
	}
	storeSvc.SetBus(b)

	c, err := cache.New(appCfg.Cache, log)
	if err != nil {
		b.Close()
		storeSvc.DB().Close()
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	if mc, ok := c.(interface{ SetMetrics(cache.Metrics) }); ok && m != nil {
		mc.SetMetrics(m)
	}
	if err := cache.InvalidateOn(ctx, b, c, log); err != nil {
		c.Close()
		b.Close()
		storeSvc.DB().Close()
		return nil, fmt.Errorf("failed to subscribe cache to mutations: %w", err)
	}

	var client *llm.Client
	if appCfg.LLMEnabled() {
		client = llm.NewClient(llm.Config{BaseURL: appCfg.OllamaURL(), Timeout: appCfg.LLM.Timeout})
		log.Info("LLM services enabled", "ollama", appCfg.OllamaURL())
	} else {
		log.Info("LLM services disabled; set OLLAMA_HOST and OLLAMA_PORT to enable")
	}
	llmSvc := llm.NewService(client, storeSvc, appCfg.LLM.SummaryPrompt, log)

	evaluator := evaluation.NewEvaluator(storeSvc, 0, log)
	if m != nil {
		evaluator.SetRecorder(m)
	}

	var grpcSrv *grpcserver.Server
	if appCfg.GRPC.Enabled {
		grpcSrv = grpcserver.New(grpcserver.Config{TCPAddr: appCfg.GRPCAddress()}, log, storeSvc.DB())
	}

	return NewWithServices(cfg, Services{
		Store:     storeSvc,
		Bus:       b,
		Cache:     c,
		Metrics:   m,
		LLM:       llmSvc,
		Evaluator: evaluator,
		GRPC:      grpcSrv,
	}, log), nil
}

// NewWithServices creates a server over already constructed services.
func NewWithServices(cfg Config, svcs Services, log *logger.Logger) *Server {
	defaults := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaults.MetricsPath
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	if svcs.Cache == nil {
		svcs.Cache = cache.Nop{}
	}
	if svcs.LLM == nil {
		svcs.LLM = llm.NewService(nil, svcs.Store, "", log)
	}
	if svcs.Evaluator == nil {
		svcs.Evaluator = evaluation.NewEvaluator(svcs.Store, 0, log)
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		bus:       svcs.Bus,
		cache:     svcs.Cache,
		metrics:   svcs.Metrics,
		store:     svcs.Store,
		llm:       svcs.LLM,
		evaluator: svcs.Evaluator,
		grpc:      svcs.GRPC,
	}
	s.handler = s.setupRoutes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server, and the gRPC server when configured. It
// blocks until the HTTP server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.grpc != nil {
		if err := s.grpc.Start(); err != nil {
			lis.Close()
			s.mu.Unlock()
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.listener = lis
	s.started = true
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", lis.Addr().String(), "version", s.cfg.Version)
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the HTTP listen address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server and closes every service.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("Shutting down server...")

	if s.started {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
		if s.grpc != nil {
			s.grpc.Stop()
		}
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn("Event bus close error", "error", err)
		}
	}
	if err := s.cache.Close(); err != nil {
		s.log.Warn("Cache close error", "error", err)
	}
	if err := s.store.DB().Close(); err != nil {
		s.log.Warn("Database close error", "error", err)
	}

	s.started = false
	s.log.Info("Server stopped")

	return nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	cached := cache.Middleware(s.cache)

	storeHandler := NewStoreHandler(s.store)
	storeHandler.RegisterRoutes(mux, cache.InvalidateAfter(s.cache, s.log))
	storeHandler.RegisterReadRoutes(mux, cached)

	llmHandler := NewLLMHandler(s.llm, s.store, s.log)
	llmHandler.RegisterRoutes(mux)
	llmHandler.RegisterReadRoutes(mux, cached)

	evaluation.NewHandler(s.evaluator).RegisterRoutes(mux)

	NewHealthHandler(s.store.DB(), s.cfg.Version).RegisterRoutes(mux)

	var handler http.Handler = mux
	if s.metrics != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.metrics.Handler())
		handler = metrics.HTTPMiddleware(s.metrics, handler)
	}

	handler = middleware.Logging(s.log)(handler)
	handler = middleware.Recover(s.log)(handler)
	return middleware.RequestID(handler)
}
