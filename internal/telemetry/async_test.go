package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"credential-portal/backend/internal/telemetry/domain"
)

type mockEmitter struct {
	mu      sync.Mutex
	events  []*domain.AuditEvent
	emitErr error
}

func (m *mockEmitter) Emit(ctx context.Context, event *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEmitter) getEvents() []*domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, context.Background(), &domain.AuditEvent{WebhookID: "evt-1"})
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEmitter{}

	EmitAsync(emitter, context.Background(), nil)
	time.Sleep(10 * time.Millisecond)

	if got := len(emitter.getEvents()); got != 0 {
		t.Errorf("expected 0 events, got %d", got)
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEmitter{}

	EmitAsync(emitter, context.Background(), &domain.AuditEvent{
		WebhookID: "evt-1",
		Topic:     "Connection",
		Outcome:   "applied",
	})
	time.Sleep(100 * time.Millisecond)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].WebhookID != "evt-1" {
		t.Errorf("webhookId = %q, want %q", events[0].WebhookID, "evt-1")
	}
	if events[0].Outcome != "applied" {
		t.Errorf("outcome = %q, want %q", events[0].Outcome, "applied")
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Should still emit even though the request context is cancelled.
	EmitAsync(emitter, ctx, &domain.AuditEvent{WebhookID: "evt-1"})
	time.Sleep(100 * time.Millisecond)

	if got := len(emitter.getEvents()); got != 1 {
		t.Errorf("expected 1 event (context.Background used), got %d", got)
	}
}

func TestEmitAsync_ErrorHandling(t *testing.T) {
	emitter := &mockEmitter{emitErr: context.DeadlineExceeded}

	// Error is logged but does not affect the caller.
	EmitAsync(emitter, context.Background(), &domain.AuditEvent{WebhookID: "evt-1"})
	time.Sleep(100 * time.Millisecond)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEmitter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), &domain.AuditEvent{WebhookID: "evt"})
		}()
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if got := len(emitter.getEvents()); got != 10 {
		t.Errorf("expected 10 events, got %d", got)
	}
}
