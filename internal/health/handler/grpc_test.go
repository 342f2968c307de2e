package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

type mockDevice struct {
	err error
}

func (m *mockDevice) Ping(context.Context) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "edge-router", nil
}

func TestCheck_NilDependencies(t *testing.T) {
	srv := NewServer(nil, nil, nil)
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}

func TestCheck_Statuses(t *testing.T) {
	testCases := []struct {
		name   string
		pinger Pinger
		policy PolicyChecker
		device DevicePinger
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"all ok", &mockPinger{}, &mockPolicyChecker{}, &mockDevice{}, healthpb.HealthCheckResponse_SERVING},
		{"db down", &mockPinger{pingErr: errors.New("connection refused")}, nil, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"policy fails", &mockPinger{}, &mockPolicyChecker{healthErr: errors.New("rego compile failed")}, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"device down stays serving", &mockPinger{}, nil, &mockDevice{err: errors.New("timeout")}, healthpb.HealthCheckResponse_SERVING},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer(tc.pinger, tc.policy, tc.device)
			resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err != nil {
				t.Fatalf("Check must not return an RPC error: %v", err)
			}
			if resp.GetStatus() != tc.want {
				t.Errorf("status = %v, want %v", resp.GetStatus(), tc.want)
			}
		})
	}
}

func TestServeHTTP(t *testing.T) {
	srv := NewServer(&mockPinger{}, nil, &mockDevice{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rep.Ready || rep.Checks["database"] != "ok" || rep.Identity != "edge-router" {
		t.Errorf("report = %+v", rep)
	}

	srv = NewServer(&mockPinger{pingErr: errors.New("down")}, nil, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
