package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func check(h *Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Check(rr, req)
	return rr
}

func TestCheck_Healthy(t *testing.T) {
	rr := check(New(&mockPinger{}, &mockPolicyChecker{}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Checks["database"] != "ok" || resp.Checks["policy"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestCheck_DatabaseDown(t *testing.T) {
	rr := check(New(&mockPinger{pingErr: errors.New("connection refused")}, &mockPolicyChecker{}))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestCheck_PolicyBroken(t *testing.T) {
	rr := check(New(&mockPinger{}, &mockPolicyChecker{healthErr: errors.New("compile failed")}))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestCheck_NilProbesSkipped(t *testing.T) {
	rr := check(New(nil, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checks["database"] != "skipped" {
		t.Errorf("database = %q, want skipped", resp.Checks["database"])
	}
}
