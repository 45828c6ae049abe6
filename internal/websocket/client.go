package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AttilaZsamboki/cineio/internal/engine"
	"github.com/AttilaZsamboki/cineio/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Game is the session-engine surface the transport drives.
type Game interface {
	Join(ctx context.Context, conn engine.Conn, sessionID, userID, displayName string) error
	Move(ctx context.Context, connID string, x, y float64)
	Leave(ctx context.Context, connID string)
}

// Client represents a WebSocket client connection. It implements engine.Conn.
type Client struct {
	id     string
	hub    *Hub
	game   Game
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	// done signals shutdown to writePump. send is never closed: engine
	// goroutines (broadcasts, the orb spawner) may still be queueing
	// events while the hub tears the client down.
	done     chan struct{}
	doneOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, game Game, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		game:   game,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// Send queues an event for delivery. Never blocks and is safe to call
// concurrently with client teardown; a full buffer or a shut-down client
// drops the event.
func (c *Client) Send(event protocol.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping event", "client_id", c.id, "type", event.Type)
	}
}

// shutdown stops the write pump. Idempotent.
func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// readPump pumps messages from the WebSocket connection to the engine
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		// Parse client message
		var clientMsg protocol.ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.sendError("invalid message format")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *protocol.ClientMessage) {
	ctx := context.Background()
	switch msg.Type {
	case protocol.MessageJoin:
		if msg.SessionID == "" || msg.UserID == "" {
			c.sendError("session_id and user_id required for join")
			return
		}
		if err := c.game.Join(ctx, c, msg.SessionID, msg.UserID, msg.DisplayName); err != nil {
			c.sendError(err.Error())
		}

	case protocol.MessageMove:
		c.game.Move(ctx, c.id, msg.X, msg.Y)

	case protocol.MessageLeave:
		c.game.Leave(ctx, c.id)

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// writePump pumps messages from the engine to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError sends an error event to the client
func (c *Client) sendError(errMsg string) {
	c.Send(protocol.NewEvent(protocol.EventError, protocol.ErrorEvent{Message: errMsg}))
}

// ServeWs handles WebSocket requests from peers
func ServeWs(hub *Hub, game Game, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, game, conn, logger)
	hub.Register(client)

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id)
}
