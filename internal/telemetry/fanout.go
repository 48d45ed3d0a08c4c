package telemetry

import (
	"context"

	"credential-portal/backend/internal/telemetry/domain"
)

// Fanout returns an Emitter that forwards each event to every non-nil emitter.
// The last error wins; each emitter still sees the event. Returns nil when no
// emitter is given, which EmitAsync treats as "audit disabled".
func Fanout(emitters ...Emitter) Emitter {
	live := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0]
	}
	return fanout(live)
}

type fanout []Emitter

func (f fanout) Emit(ctx context.Context, event *domain.AuditEvent) error {
	var lastErr error
	for _, e := range f {
		if err := e.Emit(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
