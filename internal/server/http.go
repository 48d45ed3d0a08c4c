// Package server assembles the HTTP router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"

	healthhandler "credential-portal/backend/internal/health/handler"
	"credential-portal/backend/internal/realtime"
	sessionhandler "credential-portal/backend/internal/session/handler"
	webhookhandler "credential-portal/backend/internal/webhook/handler"
)

// Deps holds the handlers for route registration. Nil entries skip their routes.
type Deps struct {
	// Sessions serves the /api/sessions endpoints.
	Sessions *sessionhandler.Handler
	// Webhooks serves the platform webhook endpoint.
	Webhooks *webhookhandler.Handler
	// Realtime serves the WebSocket subscription endpoint.
	Realtime *realtime.Handler
	// Health serves /healthz.
	Health *healthhandler.Handler
}

// NewRouter builds the router with recovery, request logging, and request
// metrics applied to every route.
//
// Route → handler mapping:
//   - POST /api/sessions                       → internal/session/handler
//   - GET  /api/sessions/{sessionId}           → internal/session/handler
//   - POST /api/sessions/{sessionId}/proofs    → internal/session/handler
//   - POST /webhooks/credentials               → internal/webhook/handler
//   - GET  /ws/sessions/{sessionId}            → internal/realtime
//   - GET  /healthz                            → internal/health/handler
func NewRouter(deps Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(Recover, RequestMetrics(), RequestLog)

	if deps.Health != nil {
		r.HandleFunc("/healthz", deps.Health.Check).Methods(http.MethodGet)
	}
	if deps.Sessions != nil {
		r.HandleFunc("/api/sessions", deps.Sessions.Create).Methods(http.MethodPost)
		r.HandleFunc("/api/sessions/{sessionId}", deps.Sessions.Get).Methods(http.MethodGet)
		r.HandleFunc("/api/sessions/{sessionId}/proofs", deps.Sessions.StartProof).Methods(http.MethodPost)
	}
	if deps.Webhooks != nil {
		r.HandleFunc("/webhooks/credentials", deps.Webhooks.Receive).Methods(http.MethodPost)
	}
	if deps.Realtime != nil {
		r.HandleFunc("/ws/sessions/{sessionId}", deps.Realtime.Subscribe).Methods(http.MethodGet)
	}
	return r
}
