// Package realtime fans session state changes out to browser clients over
// WebSocket. One hub per process, injected into every component that
// broadcasts; no ambient globals.
package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event discriminants for the domain portion of the envelope. Distinct from
// the network-level Type on purpose.
const (
	EventConnection = "connection"
	EventProof      = "proof"
)

// Network-level message types.
const (
	TypeConnected     = "connected"
	TypeStatusUpdate  = "status_update"
	TypeSessionClosed = "session_closed"
	TypePong          = "pong"
)

// Envelope is one server→client message. Type says what kind of network
// message this is; Event says which domain lifecycle it belongs to. Extra is
// merged into the top-level JSON object.
type Envelope struct {
	Type      string
	Event     string
	SessionID string
	Status    string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// MarshalJSON flattens Extra into the envelope object. Reserved keys in Extra
// are dropped rather than allowed to shadow envelope fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(e.Extra)+5)
	for k, v := range e.Extra {
		switch k {
		case "type", "event", "sessionId", "status", "timestamp":
		default:
			m[k] = v
		}
	}
	m["type"] = e.Type
	m["sessionId"] = e.SessionID
	m["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Event != "" {
		m["event"] = e.Event
	}
	if e.Status != "" {
		m["status"] = e.Status
	}
	return json.Marshal(m)
}

// Conn is the subset of a websocket connection the hub needs. Satisfied by
// *websocket.Conn (gorilla) and by test fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Hub maintains the sessionId → sockets registry and its reverse map. All
// socket writes are serialized through the hub mutex; a failed write prunes
// the socket. Zero subscribers for a session is the normal case when a
// webhook lands before the browser finishes opening its socket.
type Hub struct {
	mu        sync.Mutex
	bySession map[string]map[Conn]struct{}
	sessions  map[Conn]string
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		bySession: make(map[string]map[Conn]struct{}),
		sessions:  make(map[Conn]string),
	}
}

// Register subscribes the socket to the session and acknowledges with a
// connected message.
func (h *Hub) Register(sessionID string, c Conn) {
	h.mu.Lock()
	set, ok := h.bySession[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		h.bySession[sessionID] = set
	}
	set[c] = struct{}{}
	h.sessions[c] = sessionID
	h.mu.Unlock()

	h.Send(c, Envelope{Type: TypeConnected, SessionID: sessionID, Timestamp: time.Now()})
}

// Unregister removes the socket from the registry. Safe to call for sockets
// that were never registered or were already pruned.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// Broadcast sends a status_update for the session to every subscribed socket.
// Sockets that fail the write are pruned and closed.
func (h *Hub) Broadcast(sessionID, event, status string, extra map[string]interface{}) {
	h.send(sessionID, Envelope{
		Type:      TypeStatusUpdate,
		Event:     event,
		SessionID: sessionID,
		Status:    status,
		Timestamp: time.Now(),
		Extra:     extra,
	})
}

// CloseSession sends a terminal notice to all subscribers and evicts the
// session's socket set.
func (h *Hub) CloseSession(sessionID, reason string) {
	h.send(sessionID, Envelope{
		Type:      TypeSessionClosed,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Extra:     map[string]interface{}{"reason": reason},
	})

	h.mu.Lock()
	for c := range h.bySession[sessionID] {
		delete(h.sessions, c)
		_ = c.Close()
	}
	delete(h.bySession, sessionID)
	h.mu.Unlock()
}

// Send writes one envelope to a single socket, pruning it on failure. Used
// for connected acks and pong replies so all writes share the hub lock.
func (h *Hub) Send(c Conn, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.WriteJSON(env); err != nil {
		log.Printf("realtime: write failed, pruning socket: %v", err)
		h.dropLocked(c)
		_ = c.Close()
	}
}

// Subscribers returns the number of live sockets for the session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bySession[sessionID])
}

func (h *Hub) send(sessionID string, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.bySession[sessionID] {
		if err := c.WriteJSON(env); err != nil {
			log.Printf("realtime: broadcast to session %s failed, pruning socket: %v", sessionID, err)
			h.dropLocked(c)
			_ = c.Close()
		}
	}
}

// dropLocked removes the socket from both maps. Caller must hold mu.
func (h *Hub) dropLocked(c Conn) {
	sessionID, ok := h.sessions[c]
	if !ok {
		return
	}
	delete(h.sessions, c)
	if set, ok := h.bySession[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
		}
	}
}
