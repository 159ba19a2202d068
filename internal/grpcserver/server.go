// Package grpcserver exposes the standard gRPC health service for qrelscope.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

// ServiceName is the health service name reported alongside the overall
// server status.
const ServiceName = "qrelscope"

// Pinger is checked to decide whether the server is serving.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the gRPC server configuration.
type Config struct {
	// TCPAddr is the TCP address to listen on (e.g., ":50051").
	TCPAddr string

	// UnixSocketPath is the Unix socket path for local connections.
	// Empty string disables Unix socket listening.
	UnixSocketPath string

	// CheckInterval is how often the database is pinged.
	CheckInterval time.Duration

	// CheckTimeout bounds a single ping.
	CheckTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:       ":50051",
		CheckInterval: 10 * time.Second,
		CheckTimeout:  2 * time.Second,
	}
}

// Server serves grpc.health.v1 and server reflection.
type Server struct {
	cfg        Config
	log        *logger.Logger
	pinger     Pinger
	health     *health.Server
	grpcServer *grpc.Server

	tcpListener  net.Listener
	unixListener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new gRPC server. The health status follows pinger.
func New(cfg Config, log *logger.Logger, pinger Pinger) *Server {
	defaults := DefaultConfig()
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = defaults.TCPAddr
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaults.CheckTimeout
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Server{
		cfg:    cfg,
		log:    log,
		pinger: pinger,
		health: health.NewServer(),
	}
}

// Start starts the gRPC server on TCP and, if configured, a Unix socket.
func (s *Server) Start() error {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  10 * time.Second,
			Timeout:               3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	tcpLis, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", s.cfg.TCPAddr, err)
	}
	s.tcpListener = tcpLis
	s.log.Info("gRPC server listening on TCP", "addr", tcpLis.Addr().String())

	go func() {
		if err := s.grpcServer.Serve(tcpLis); err != nil {
			s.log.Error("TCP server error", "error", err)
		}
	}()

	if s.cfg.UnixSocketPath != "" && runtime.GOOS != "windows" {
		_ = os.Remove(s.cfg.UnixSocketPath)

		unixLis, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			s.log.Warn("Failed to listen on Unix socket", "path", s.cfg.UnixSocketPath, "error", err)
		} else {
			s.unixListener = unixLis
			_ = os.Chmod(s.cfg.UnixSocketPath, 0666)
			s.log.Info("gRPC server listening on Unix socket", "path", s.cfg.UnixSocketPath)

			go func() {
				if err := s.grpcServer.Serve(unixLis); err != nil {
					s.log.Error("Unix socket server error", "error", err)
				}
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.check(ctx)
	s.wg.Add(1)
	go s.watch(ctx)

	return nil
}

// Addr returns the TCP listen address once started.
func (s *Server) Addr() string {
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	if s.grpcServer != nil {
		s.log.Info("Stopping gRPC server...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}

	if s.cfg.UnixSocketPath != "" {
		_ = os.Remove(s.cfg.UnixSocketPath)
	}
}

func (s *Server) watch(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check pings the database and updates the health status.
func (s *Server) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		err := s.pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("Database ping failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
