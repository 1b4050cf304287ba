package app

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/osvaldoandrade/ramguard/internal/grpcauth"
)

// NewGRPCServer returns a gRPC server whose calls go through the same
// verification, revocation and guard as the HTTP surface. The health service
// is registered and exempt from authentication.
func NewGRPCServer(app *Application, extra ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts := []grpcauth.Option{
		grpcauth.WithCredentialsRequired(app.Config.Auth.RequireCredentials()),
		grpcauth.WithExempt(healthpb.Health_Check_FullMethodName, healthpb.Health_Watch_FullMethodName),
		grpcauth.WithGuard(app.Guard),
	}
	if app.Revocation != nil {
		opts = append(opts, grpcauth.WithRevocation(app.Revocation))
	}
	if app.Config.Auth.Logging {
		opts = append(opts, grpcauth.WithLogging(app.Logger))
	}

	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpcauth.UnaryServerInterceptor(app.Validator, opts...)),
		grpc.ChainStreamInterceptor(grpcauth.StreamServerInterceptor(app.Validator, opts...)),
	}, extra...)
	srv := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}
