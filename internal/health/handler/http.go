// Package handler implements the health endpoint for load balancers and CI.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the database health probe.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker verifies that the acceptance policy engine is usable.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler serves GET /healthz. db and policy may be nil; nil probes are
// reported as "skipped" and do not fail the check.
type Handler struct {
	db     Pinger
	policy PolicyChecker
}

// New returns a health handler.
func New(db Pinger, policy PolicyChecker) *Handler {
	return &Handler{db: db, policy: policy}
}

// Check handles GET /healthz. Returns 200 when every configured probe
// passes, 503 otherwise, with per-probe detail either way.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if h.db == nil {
		checks["database"] = "skipped"
	} else if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.policy == nil {
		checks["policy"] = "skipped"
	} else if err := h.policy.HealthCheck(ctx); err != nil {
		checks["policy"] = err.Error()
		healthy = false
	} else {
		checks["policy"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}
