package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// checkTimeout bounds each dependency check.
const checkTimeout = 3 * time.Second

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the confirmation policy engine can evaluate (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// DevicePinger checks connectivity to the access-control device.
type DevicePinger interface {
	Ping(ctx context.Context) (string, error)
}

// Server implements the standard gRPC health service and an HTTP readiness endpoint.
// Nil dependencies are skipped. The device is reported but never fails readiness: the
// reconciler already tolerates device outages tick by tick.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger Pinger
	policy PolicyChecker
	device DevicePinger
}

// NewServer returns a health server.
func NewServer(pinger Pinger, policy PolicyChecker, device DevicePinger) *Server {
	return &Server{pinger: pinger, policy: policy, device: device}
}

// Report is the outcome of one readiness check.
type Report struct {
	Ready    bool              `json:"ready"`
	Checks   map[string]string `json:"checks"`
	Identity string            `json:"device_identity,omitempty"`
}

// Run checks every configured dependency.
func (s *Server) Run(ctx context.Context) Report {
	r := Report{Ready: true, Checks: map[string]string{}}
	check := func(name string, fn func(context.Context) error, required bool) {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := fn(cctx); err != nil {
			r.Checks[name] = err.Error()
			if required {
				r.Ready = false
			}
			return
		}
		r.Checks[name] = "ok"
	}
	if s.pinger != nil {
		check("database", s.pinger.PingContext, true)
	}
	if s.policy != nil {
		check("policy", s.policy.HealthCheck, true)
	}
	if s.device != nil {
		check("device", func(ctx context.Context) error {
			id, err := s.device.Ping(ctx)
			r.Identity = id
			return err
		}, false)
	}
	return r
}

// Check implements grpc.health.v1.Health/Check. Dependency failures are reported as
// NOT_SERVING, never as an RPC error.
func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.Run(ctx).Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	return &healthpb.HealthCheckResponse{Status: status}, nil
}

// ServeHTTP writes the readiness report as JSON; 503 when not ready.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := s.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !rep.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}
