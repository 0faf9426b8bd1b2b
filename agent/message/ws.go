package message

import (
	"context"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds incoming WebSocket messages. Plot payloads are base64
// PNGs, so this is generous.
const readLimit = 1 << 22

// wsConn adapts a WebSocket connection to the Conn interface, carrying
// one JSON-encoded envelope per WebSocket message.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn wraps an accepted or dialed WebSocket connection.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(ctx context.Context) (*Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) Write(ctx context.Context, env *Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
