// Package domain holds the webhook event log record. The log is
// append-mostly: one row per external event id, refreshed on re-delivery,
// never deleted here.
package domain

import (
	"encoding/json"
	"time"
)

// Event is one inbound platform notification. WebhookID is the external event
// id and the idempotency key: re-delivery of a seen id refreshes the payload
// but must not re-trigger side effects.
type Event struct {
	WebhookID    string
	Topic        string
	ConnectionID string
	ProofID      string
	Payload      json.RawMessage
	Processed    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
