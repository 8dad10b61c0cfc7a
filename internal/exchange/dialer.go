package exchange

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal message-oriented connection the controller needs.
// The production implementation wraps a gorilla WebSocket connection; tests
// substitute an in-memory fake.
type Conn interface {
	// WriteMessage sends one text message.
	WriteMessage(data []byte) error
	// ReadMessage blocks until the next message or a transport error.
	ReadMessage() ([]byte, error)
	// Close tears down the connection, unblocking any pending read.
	Close() error
}

// Dialer establishes connections for exchanges.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer is the production Dialer backed by gorilla/websocket.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the opening handshake (default 10s).
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to the given ws:// or wss:// URL.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
