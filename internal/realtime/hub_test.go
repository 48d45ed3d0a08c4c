package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []Envelope
	failNext bool
	closed   bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return errors.New("socket not open")
	}
	c.messages = append(c.messages, v.(Envelope))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) got() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestRegister_SendsConnected(t *testing.T) {
	hub := NewHub()
	c := &fakeConn{}
	hub.Register("sess-1", c)

	msgs := c.got()
	if len(msgs) != 1 || msgs[0].Type != TypeConnected || msgs[0].SessionID != "sess-1" {
		t.Fatalf("messages = %+v, want one connected for sess-1", msgs)
	}
	if hub.Subscribers("sess-1") != 1 {
		t.Errorf("Subscribers = %d, want 1", hub.Subscribers("sess-1"))
	}
}

func TestBroadcast_ReachesAllSubscribersOfSession(t *testing.T) {
	hub := NewHub()
	c1, c2, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	hub.Register("sess-1", c1)
	hub.Register("sess-1", c2)
	hub.Register("sess-2", other)

	hub.Broadcast("sess-1", EventConnection, "active", map[string]interface{}{"theirLabel": "Alice"})

	for _, c := range []*fakeConn{c1, c2} {
		msgs := c.got()
		if len(msgs) != 2 {
			t.Fatalf("messages = %d, want connected + status_update", len(msgs))
		}
		upd := msgs[1]
		if upd.Type != TypeStatusUpdate || upd.Event != EventConnection || upd.Status != "active" {
			t.Errorf("update = %+v", upd)
		}
	}
	if msgs := other.got(); len(msgs) != 1 {
		t.Errorf("other session received %d messages, want only connected", len(msgs))
	}
}

func TestBroadcast_NoSubscribersIsANoop(t *testing.T) {
	hub := NewHub()
	// The common case: webhook lands before the browser opens its socket.
	hub.Broadcast("sess-unknown", EventProof, "done", nil)
	hub.CloseSession("sess-unknown", "expired")
}

func TestBroadcast_PrunesFailedSockets(t *testing.T) {
	hub := NewHub()
	good, bad := &fakeConn{}, &fakeConn{}
	hub.Register("sess-1", good)
	hub.Register("sess-1", bad)
	bad.failNext = true

	hub.Broadcast("sess-1", EventConnection, "request", nil)

	if hub.Subscribers("sess-1") != 1 {
		t.Errorf("Subscribers = %d, want 1 after pruning", hub.Subscribers("sess-1"))
	}
	if !bad.closed {
		t.Error("pruned socket should be closed")
	}
	// Subsequent broadcasts still reach the healthy socket.
	hub.Broadcast("sess-1", EventConnection, "response", nil)
	msgs := good.got()
	if last := msgs[len(msgs)-1]; last.Status != "response" {
		t.Errorf("last status = %q, want response", last.Status)
	}
}

func TestCloseSession_NotifiesAndEvicts(t *testing.T) {
	hub := NewHub()
	c := &fakeConn{}
	hub.Register("sess-1", c)

	hub.CloseSession("sess-1", "expired")

	msgs := c.got()
	last := msgs[len(msgs)-1]
	if last.Type != TypeSessionClosed {
		t.Fatalf("last message = %+v, want session_closed", last)
	}
	if last.Extra["reason"] != "expired" {
		t.Errorf("reason = %v", last.Extra["reason"])
	}
	if hub.Subscribers("sess-1") != 0 {
		t.Errorf("Subscribers = %d, want 0", hub.Subscribers("sess-1"))
	}
	if !c.closed {
		t.Error("socket should be closed after CloseSession")
	}
}

func TestUnregister_RemovesFromBothMaps(t *testing.T) {
	hub := NewHub()
	c := &fakeConn{}
	hub.Register("sess-1", c)
	hub.Unregister(c)

	if hub.Subscribers("sess-1") != 0 {
		t.Errorf("Subscribers = %d, want 0", hub.Subscribers("sess-1"))
	}
	// A second unregister of the same socket is harmless.
	hub.Unregister(c)
}

func TestEnvelope_MarshalFlattensExtra(t *testing.T) {
	env := Envelope{
		Type:      TypeStatusUpdate,
		Event:     EventProof,
		SessionID: "sess-1",
		Status:    "done",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Extra: map[string]interface{}{
			"verified": true,
			"type":     "should-not-shadow",
		},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["type"] != "status_update" || m["event"] != "proof" || m["status"] != "done" {
		t.Errorf("envelope = %v", m)
	}
	if m["verified"] != true {
		t.Errorf("extra not flattened: %v", m)
	}
	if m["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v", m["sessionId"])
	}
	if _, ok := m["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}
