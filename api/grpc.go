package api

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TrafficService is the service name reported by the gRPC health endpoint.
const TrafficService = "racesim.Traffic"

// GRPCServer exposes the standard gRPC health service. The traffic service
// reports NOT_SERVING until SetServing(true).
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewGRPCServer(log *zap.Logger, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(TrafficService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing flips the traffic service status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(TrafficService, status)
	s.log.Info("gRPC: health status changed", zap.String("service", TrafficService), zap.String("status", status.String()))
}

// Serve blocks serving lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info("gRPC: listening", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains open calls.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
