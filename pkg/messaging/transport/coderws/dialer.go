// Package coderws implements transport.Dialer with github.com/coder/websocket.
package coderws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/stageconnect/messaging/pkg/messaging/transport"
)

// Dialer dials WebSocket connections. The zero value is ready to use.
type Dialer struct {
	// HTTPClient is used for the opening handshake when set.
	HTTPClient *http.Client
	// ReadLimit caps the size of a single inbound message; 0 keeps the
	// library default.
	ReadLimit int64
}

// New returns a Dialer with default settings.
func New() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header, subprotocol string) (transport.Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	}
	if subprotocol != "" {
		opts.Subprotocols = []string{subprotocol}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return Wrap(conn), nil
}

// Wrap adapts an established connection, such as one accepted by a server.
func Wrap(conn *websocket.Conn) transport.Conn {
	return &wsConn{conn: conn}
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return translate(err)
	}
	return nil
}

func (c *wsConn) Close(clean bool, reason string) error {
	status := websocket.StatusNormalClosure
	if !clean {
		status = websocket.StatusInternalError
	}
	err := c.conn.Close(status, reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

func translate(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &transport.CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return err
}
