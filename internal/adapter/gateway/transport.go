package gateway

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Transport is one live connection to the gateway. The connection manager is
// its only user; a reconnect discards the old transport and dials a new one.
// Tests substitute a fake.
type Transport interface {
	// ReadFrame blocks for the next inbound frame. A *DecodeError return
	// means the frame was malformed but the transport is still usable; any
	// other error means the transport is dead.
	ReadFrame(ctx context.Context) (Frame, error)
	// WriteFrame sends one frame.
	WriteFrame(ctx context.Context, f Frame) error
	// Close tears the transport down.
	Close() error
}

// Dialer opens a transport to the gateway at url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// wsTransport speaks JSON frames over a WebSocket connection.
type wsTransport struct {
	conn *websocket.Conn
}

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	// The gateway streams stdout for interactive sessions; don't cap reads
	// at the library default.
	conn.SetReadLimit(1 << 22)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}

func (t *wsTransport) WriteFrame(ctx context.Context, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
