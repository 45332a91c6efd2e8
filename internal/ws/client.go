package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkoberg/jagdfieber-server/internal/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Identity is the authenticated participant bound to a connection. It is
// attached by the upgrade handler before the pumps start; identity
// management itself lives outside this service.
type Identity struct {
	ParticipantID string
	UserID        string
	Role          game.Role
	GameID        string
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	Identity Identity
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
}

// NewClient creates a new Client.
func NewClient(id string, identity Identity, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("websocket read error", "client", c.ID, "error", err)
			}
			break
		}
		c.Hub.Incoming <- &ClientMessage{Client: c, Data: message}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage sends a Message to this client.
func (c *Client) SendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case c.Send <- data:
	default:
		slog.Warn("client send buffer full, dropping message", "client", c.ID)
	}
}

// ClientMessage wraps a raw message with its source client.
type ClientMessage struct {
	Client *Client
	Data   []byte
}
