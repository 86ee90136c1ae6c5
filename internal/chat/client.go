package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // A peer silent for this long is treated as disconnected.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8192                // Maximum inbound frame size.
	commandTimeout = 10 * time.Second
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	gateway *Gateway
	conn    *websocket.Conn
	session *Connection
	logger  *slog.Logger
}

func NewClient(hub *Hub, gateway *Gateway, conn *websocket.Conn, session *Connection, logger *slog.Logger) *Client {
	return &Client{
		hub:     hub,
		gateway: gateway,
		conn:    conn,
		session: session,
		logger:  logger.With("conn_id", session.ID, "user_id", session.UserID),
	}
}

// ReadPump feeds inbound frames to the gateway. Any read failure, a missed
// pong included, runs the normal teardown.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Disconnect(c.session)
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
				c.logger.Warn("Websocket read error", "error", err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		c.gateway.Handle(ctx, c.session, message)
		cancel()
	}
}

// WritePump pumps events from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.session.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(evt); err != nil {
				return
			}

			// Drain whatever is already queued before going back to select.
			n := len(c.session.Events())
			for i := 0; i < n; i++ {
				evt, ok := <-c.session.Events()
				if !ok {
					return
				}
				if err := c.write(evt); err != nil {
					return
				}
			}

		case <-c.session.Kicked():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(evt Event) error {
	data, err := EncodeEvent(evt)
	if err != nil {
		c.logger.Error("Failed to encode event", "event", evt.Type(), "error", err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
