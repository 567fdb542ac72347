package health

import (
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix namespaces per-kind services on the gRPC health server.
const ServicePrefix = "harbortrace."

// ServiceName returns the gRPC health service name for kind.
func ServiceName(kind Kind) string {
	return ServicePrefix + kind.String()
}

// SyncGRPC publishes a liveness snapshot on the standard gRPC health service.
// Each reported kind gets its own service; the overall service ("") is
// NOT_SERVING while any of them is stale.
func SyncGRPC(hs *grpchealth.Server, report Report, staleAfter time.Duration, now time.Time) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, k := range report.Reported() {
		status := healthpb.HealthCheckResponse_SERVING
		if report.Stale(k, staleAfter, now) {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(ServiceName(k), status)
	}
	hs.SetServingStatus("", overall)
}
