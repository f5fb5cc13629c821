package operator

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/espctl/internal/engine"
	"github.com/muurk/espctl/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

// Message is a client message on /ws.
type Message struct {
	Op      string  `json:"op"`
	ID      *int    `json:"id,omitempty"`
	Command string  `json:"command,omitempty"`
	Payload []int   `json:"payload,omitempty"`
	Ints    []int32 `json:"ints,omitempty"`
}

// Reply answers exactly one Message.
type Reply struct {
	Op      string        `json:"op"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Result  *ResultBody   `json:"result,omitempty"`
	Devices []engine.Info `json:"devices,omitempty"`
}

// wsClient serializes writes to one WebSocket connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(messageType int, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if messageType == websocket.PingMessage {
		return c.conn.WriteMessage(websocket.PingMessage, nil)
	}
	return c.conn.WriteJSON(v)
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error
		logging.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	remoteAddr := r.RemoteAddr
	logging.LogConnection(remoteAddr, "operator_websocket_opened")

	client := &wsClient{conn: conn}
	done := make(chan struct{})

	defer func() {
		close(done)
		_ = conn.Close()
		logging.LogConnection(remoteAddr, "operator_websocket_closed")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Info("Operator WebSocket read failed",
					zap.String("remote_addr", remoteAddr),
					zap.Error(err),
				)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := client.write(websocket.TextMessage, a.handleMessage(msg)); err != nil {
			logging.Info("Operator WebSocket write failed",
				zap.String("remote_addr", remoteAddr),
				zap.Error(err),
			)
			return
		}
	}
}

// handleMessage executes one client message.
func (a *API) handleMessage(msg Message) Reply {
	reply := Reply{Op: msg.Op}

	if msg.Op == "list" {
		reply.OK = true
		reply.Devices = a.router.Devices()
		return reply
	}

	switch msg.Op {
	case "request", "result", "has":
	default:
		reply.Error = fmt.Sprintf("unknown op %q", msg.Op)
		return reply
	}

	if msg.ID == nil || *msg.ID < 0 || *msg.ID > 0xFF {
		reply.Error = "id must be between 0 and 255"
		return reply
	}
	id := byte(*msg.ID)

	switch msg.Op {
	case "has":
		reply.OK = a.router.HasHandler(id)

	case "result":
		if res, ok := a.router.ReadResult(id); ok {
			reply.OK = true
			reply.Result = newResultBody(res)
		}

	case "request":
		if !a.router.HasHandler(id) {
			reply.Error = fmt.Sprintf("device 0x%02x not connected", id)
			return reply
		}
		payload, err := RequestBody{Command: msg.Command, Payload: msg.Payload, Ints: msg.Ints}.payload()
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		a.router.AddRequest(msg.Command, id, payload)
		reply.OK = true
	}

	return reply
}
