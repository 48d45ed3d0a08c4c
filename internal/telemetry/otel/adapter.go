package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"credential-portal/backend/internal/telemetry"
	"credential-portal/backend/internal/telemetry/domain"
)

// NewEmitter returns an Emitter that sends audit events as OTel log records
// via the given LoggerProvider. If provider is nil, returns a no-op emitter.
func NewEmitter(provider *sdklog.LoggerProvider) telemetry.Emitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("credportal.audit")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.AuditEvent) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the audit event to an OTel log record and emits it. Best-effort.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetBody(otellog.StringValue("webhook reconciled"))
	if event.WebhookID != "" {
		rec.AddAttributes(otellog.String("webhook_id", event.WebhookID))
	}
	if event.Topic != "" {
		rec.AddAttributes(otellog.String("topic", event.Topic))
	}
	if event.State != "" {
		rec.AddAttributes(otellog.String("state", event.State))
	}
	if event.ConnectionID != "" {
		rec.AddAttributes(otellog.String("connection_id", event.ConnectionID))
	}
	if event.ProofID != "" {
		rec.AddAttributes(otellog.String("proof_id", event.ProofID))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	if event.Outcome != "" {
		rec.AddAttributes(otellog.String("outcome", event.Outcome))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
