// Package handler exposes the webhook ingestion endpoint.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"credential-portal/backend/internal/webhook/service"
)

// maxBodyBytes bounds a webhook payload; platform events are small.
const maxBodyBytes = 1 << 20

// SecretHeader carries the shared secret agreed with the platform.
const SecretHeader = "X-Webhook-Secret"

// Processor reconciles one webhook delivery.
type Processor interface {
	Process(ctx context.Context, raw json.RawMessage) (service.Outcome, error)
}

// Handler receives platform webhooks. secret may be empty in development;
// then the header check is skipped.
type Handler struct {
	processor Processor
	secret    string
}

// New returns a webhook handler.
func New(processor Processor, secret string) *Handler {
	return &Handler{processor: processor, secret: secret}
}

// Receive handles POST /webhooks/credentials. Status codes drive the
// platform's re-delivery: 401 for a bad secret, 400 for an unparseable
// payload (re-sending it cannot help), 500 for storage failures (re-delivery
// will be reconciled idempotently), 200 otherwise — including events that
// matched nothing locally.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	outcome, err := h.processor.Process(r.Context(), body)
	if err != nil {
		if outcome == service.OutcomeDropped && !json.Valid(body) {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		// Validation errors are permanent; storage errors are worth a retry.
		var p service.Payload
		if jsonErr := json.Unmarshal(body, &p); jsonErr != nil || p.Validate() != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		log.Printf("webhook: reconcile failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}
