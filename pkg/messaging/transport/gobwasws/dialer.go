// Package gobwasws implements transport.Dialer with github.com/gobwas/ws,
// a low allocation alternative to the default coder/websocket transport.
package gobwasws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stageconnect/messaging/pkg/messaging/transport"
)

// Dialer dials WebSocket connections. The zero value is ready to use.
type Dialer struct {
	// Timeout bounds the TCP connect and opening handshake; 0 relies on ctx.
	Timeout time.Duration
}

// New returns a Dialer with default settings.
func New() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header, subprotocol string) (transport.Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	if subprotocol != "" {
		dialer.Protocols = []string{subprotocol}
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	c := &wsConn{conn: conn}
	c.rd = &wsutil.Reader{
		Source:         r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c, nil
}

type wsConn struct {
	conn net.Conn
	rd   *wsutil.Reader

	// writeMu serialises whole frames on conn, including control replies
	// written from the read side.
	writeMu sync.Mutex
	closed  sync.Once
}

// handleControl answers pings and close frames. The reply header and
// payload are separate writes, so the whole reply holds writeMu.
func (c *wsConn) handleControl(hdr ws.Header, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
}

// next reads the next text or binary message.
func (c *wsConn) next() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.rd)
	}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := c.next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, translate(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return translate(err)
	}
	return nil
}

func (c *wsConn) Close(clean bool, reason string) error {
	var err error
	c.closed.Do(func() {
		status := ws.StatusNormalClosure
		if !clean {
			status = ws.StatusInternalServerError
		}

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(status, reason))
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(frame))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func translate(err error) error {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return &transport.CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &transport.CloseError{Code: transport.CodeAbnormalClosure, Reason: err.Error()}
	}
	return err
}
