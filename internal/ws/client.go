package ws

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Client delivers one site's lifecycle events over a websocket connection.
// A failed write tears the connection down; the hub drops the subscriber on
// the returned error.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection for event delivery.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event payload as a text message.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("event delivery failed, dropping subscriber", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
