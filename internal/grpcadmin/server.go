// Package grpcadmin exposes an administrative gRPC surface for operators and
// fleet controllers, adapted from the teacher's DBLB gRPC server: same
// keepalive/health/reflection wiring. The server publishes only the standard
// gRPC health service and server reflection; the ModuleService it is given
// is held but its GetStatus/GetStats are not served over gRPC.
package grpcadmin

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ModuleService is the administrative surface this server publishes.
type ModuleService interface {
	GetStatus(ctx context.Context) (map[string]interface{}, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
	HealthCheck(ctx context.Context) (string, error)
}

// Server wraps a gRPC server exposing health checking, reflection, and the
// ModuleService health signal.
type Server struct {
	address      string
	port         int
	grpcServer   *grpc.Server
	healthServer *health.Server
	service      ModuleService
	logger       *logrus.Logger
	listener     net.Listener
	mu           sync.RWMutex
	running      bool
}

// NewServer creates an admin gRPC server bound to address:port.
func NewServer(address string, port int, service ModuleService, logger *logrus.Logger) *Server {
	return &Server{address: address, port: port, service: service, logger: logger}
}

// Start listens and serves, blocking until Stop is called or an error
// occurs.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("grpcadmin: server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("grpcadmin: failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  5 * time.Second,
		Timeout:               1 * time.Second,
	}
	kaEnforcementPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaEnforcementPolicy),
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)

	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus("dbclusterlb.ModuleService", grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(s.grpcServer)

	s.running = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"address": addr}).Info("admin gRPC server starting")

	if err := s.grpcServer.Serve(listener); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("grpcadmin: serve error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, falling back to a hard stop after 30s.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("stopping admin gRPC server")

	if s.healthServer != nil {
		s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		s.healthServer.SetServingStatus("dbclusterlb.ModuleService", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("admin gRPC server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("graceful stop timeout, forcing stop")
		s.grpcServer.Stop()
	}

	if s.listener != nil {
		s.listener.Close()
	}
	s.running = false
	return nil
}

// IsRunning reports whether the server is currently serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
