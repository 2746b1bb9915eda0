package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 1 << 20

// WebSocketDialer dials the telemetry source over WebSocket text messages.
type WebSocketDialer struct {
	URL       string
	Header    http.Header
	ReadLimit int64
}

// NewWebSocketDialer creates a dialer for url (ws:// or wss://).
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{URL: url, ReadLimit: defaultReadLimit}
}

// Endpoint returns the dial URL.
func (d *WebSocketDialer) Endpoint() string { return d.URL }

// Dial performs the WebSocket handshake. ctx bounds the handshake only.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read returns the next text message. Binary messages are skipped.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
