package repository

import (
	"context"

	"credential-portal/backend/internal/webhook/domain"
)

// Repository defines persistence for the webhook event log.
type Repository interface {
	// Upsert writes the event keyed by WebhookID. A re-delivered id refreshes
	// topic/ids/payload but keeps created_at and the processed flag. Returns
	// true when the id was seen before.
	Upsert(ctx context.Context, e *domain.Event) (seen bool, err error)
	// MarkProcessed sets the processed flag for the event id.
	MarkProcessed(ctx context.Context, webhookID string) error
	// GetByID returns the event for the id, or nil if not found.
	GetByID(ctx context.Context, webhookID string) (*domain.Event, error)
}
