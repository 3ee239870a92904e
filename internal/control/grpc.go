package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/healer/internal/core/domain"
)

const (
	LivenessCheckService  = "liveness"
	ReadinessCheckService = "readiness"
)

// healthServer answers grpc.health.v1 probes. The empty service and readiness
// follow the monitor's system status, a pipeline ID reports that pipeline.
type healthServer struct {
	healthPb.UnimplementedHealthServer

	loop    *Loop
	monitor *Monitor
	logger  *slog.Logger
}

func (s *healthServer) Check(ctx context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	switch in.Service {
	case LivenessCheckService:
		return serving(true), nil
	case "", ReadinessCheckService:
		report := s.monitor.CheckHealth(ctx)
		if report.SystemStatus == StatusCritical {
			s.logger.Debug("gRPC check not serving", "service", in.Service, "dependencies", report.Dependencies)
			return serving(false), nil
		}
		return serving(true), nil
	}

	st, err := s.loop.Status(in.Service)
	if err != nil {
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}
	return serving(st.State != domain.StateEscalated), nil
}

func (s *healthServer) List(ctx context.Context, _ *healthPb.HealthListRequest) (*healthPb.HealthListResponse, error) {
	services := append([]string{LivenessCheckService, ReadinessCheckService}, s.loop.IDs()...)

	statuses := make(map[string]*healthPb.HealthCheckResponse, len(services))
	for _, service := range services {
		resp, err := s.Check(ctx, &healthPb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, err
		}
		statuses[service] = resp
	}
	return &healthPb.HealthListResponse{Statuses: statuses}, nil
}

func serving(ok bool) *healthPb.HealthCheckResponse {
	if ok {
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}
	}
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_NOT_SERVING}
}

// GRPCServer serves the health service for probes that speak gRPC.
type GRPCServer struct {
	port   int
	server *grpc.Server
}

// NewGRPCServer registers the health service on a new gRPC server.
func NewGRPCServer(loop *Loop, monitor *Monitor, port int, logger *slog.Logger) *GRPCServer {
	srv := grpc.NewServer()
	healthPb.RegisterHealthServer(srv, &healthServer{loop: loop, monitor: monitor, logger: logger})
	return &GRPCServer{port: port, server: srv}
}

// Start listens and serves until Stop.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.server.Serve(lis)
}

// Stop drains in-flight probes.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}
