package telemetry

import (
	"context"

	"credential-portal/backend/internal/telemetry/domain"
)

// Emitter publishes audit events (e.g. to Kafka). Best-effort; callers log
// and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, event *domain.AuditEvent) error
}
