package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The portal serves the UI from a different origin in dev; the webhook
	// secret and session ids are the actual access control here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the client→server side of the channel.
type clientMessage struct {
	Type string `json:"type"`
}

// Handler upgrades per-session subscription requests to WebSocket and runs
// the read loop (ping/pong plus disconnect detection).
type Handler struct {
	hub *Hub
}

// NewHandler returns a subscription handler on the given hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// Subscribe handles GET /ws/sessions/{sessionId}.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	h.hub.Register(sessionID, c)
	go h.readLoop(sessionID, c)
}

func (h *Handler) readLoop(sessionID string, c *websocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		_ = c.Close()
	}()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			h.hub.Send(c, Envelope{Type: TypePong, SessionID: sessionID, Timestamp: time.Now()})
		}
	}
}
