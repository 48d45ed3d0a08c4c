package domain

import "time"

// AuditEvent is one reconciliation decision, published to Kafka and shipped
// to Loki by the worker. Correlation ids are copied from the webhook payload.
type AuditEvent struct {
	WebhookID    string    `json:"webhookId"`
	Topic        string    `json:"topic"`
	State        string    `json:"state"`
	ConnectionID string    `json:"connectionId,omitempty"`
	ProofID      string    `json:"proofId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	Outcome      string    `json:"outcome"`
	CreatedAt    time.Time `json:"createdAt"`
}
