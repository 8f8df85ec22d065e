package grpcserver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 健康检查中中继服务的名称
const ServiceName = "voicerelay.Relay"

// HealthServer 管理用gRPC服务，只暴露标准健康检查
type HealthServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan error
}

// NewHealthServer 创建服务，初始状态为NOT_SERVING
func NewHealthServer(addr string, logger zerolog.Logger) *HealthServer {
	s := &HealthServer{
		addr:   addr,
		server: grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.With().Str("component", "grpc").Logger(),
	}

	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.SetServing(false)
	return s
}

// SetServing 切换整体与中继服务的状态
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start 监听并在后台提供服务
func (s *HealthServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("grpc health server already started")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = lis
	s.done = make(chan error, 1)

	go func() {
		err := s.server.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		s.done <- err
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server started")
	return nil
}

// Addr 实际监听地址
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop 标记为不可用并优雅关闭
func (s *HealthServer) Stop() error {
	s.health.Shutdown()
	s.server.GracefulStop()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	err := <-done
	s.logger.Info().Msg("gRPC health server stopped")
	return err
}
