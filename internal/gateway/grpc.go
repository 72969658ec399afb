// ABOUTME: gRPC server exposing the standard health service for the gateway
// ABOUTME: Lets load balancers and the health command check readiness over gRPC

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// QueryServiceName is the health-check service name for the query API.
const QueryServiceName = "bqgateway.QueryGateway"

// newGRPCServer creates a gRPC server with the health service registered and serving.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(QueryServiceName, healthpb.HealthCheckResponse_SERVING)

	return server, hs
}
