// ABOUTME: gRPC health service mirroring gateway readiness
// ABOUTME: Serves grpc.health.v1 for the whole server and the bridge service name

package gateway

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the named service reported alongside the server-wide status.
const healthService = "opencode.bridge"

func registerHealth(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// publishServingStatus copies the current readiness into the health service.
func (g *Gateway) publishServingStatus() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if g.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(healthService, status)
}
