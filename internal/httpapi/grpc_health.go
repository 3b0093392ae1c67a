package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"profilevault.org/internal/obs"
)

// HealthServiceName is the service name reported next to the overall ("") status.
const HealthServiceName = "profilevault.v1.API"

// HealthServer reports the ReadyProbe result over the standard gRPC health
// protocol, so orchestrators can probe the service without speaking HTTP.
type HealthServer struct {
	srv   *health.Server
	probe ReadyProbe
}

func NewHealthServer(rp ReadyProbe) *HealthServer {
	h := &HealthServer{srv: health.NewServer(), probe: rp}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Refresh runs the probe once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.probe.Check(ctx); err != nil {
		obs.Warn("grpc health: not serving", map[string]any{"error": err.Error()})
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Run refreshes the status every interval until ctx is done, then reports
// NOT_SERVING for good so clients drain before the listener closes.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// Register adds the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.srv)
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(HealthServiceName, status)
}
