package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthhandler "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/health/handler"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/server/interceptors"
)

// healthCheckMethod is not logged; probes call it every few seconds.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// NewGRPCServer returns a gRPC server exposing the standard health service, with
// OpenTelemetry instrumentation and zap request logging.
func NewGRPCServer(log *zap.Logger, health *healthhandler.Server) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(log),
			interceptors.LoggingUnary(log, map[string]bool{healthCheckMethod: true}),
		),
	)
	RegisterServices(s, health)
	reflection.Register(s)
	return s
}

// RegisterServices registers the gRPC services with s.
func RegisterServices(s grpc.ServiceRegistrar, health *healthhandler.Server) {
	if health == nil {
		health = healthhandler.NewServer(nil, nil, nil)
	}
	healthpb.RegisterHealthServer(s, health)
}
