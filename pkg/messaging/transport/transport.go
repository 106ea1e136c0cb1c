// Package transport abstracts the socket used to carry STOMP frames so the
// connection manager can run over different WebSocket implementations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Close codes, as defined by RFC 6455.
const (
	CodeNormalClosure   = 1000
	CodeGoingAway       = 1001
	CodeAbnormalClosure = 1006
	CodeInternalError   = 1011
)

// Dialer opens transport connections.
type Dialer interface {
	// Dial connects to url, sending header with the opening handshake and
	// negotiating subprotocol when non-empty.
	Dial(ctx context.Context, url string, header http.Header, subprotocol string) (Conn, error)
}

// Conn is a message oriented, full duplex connection. Read and Write may be
// called concurrently with each other but not with themselves.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close shuts the connection down. clean selects a normal closure
	// rather than an error closure.
	Close(clean bool, reason string) error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, header http.Header, subprotocol string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header, subprotocol string) (Conn, error) {
	return f(ctx, url, header, subprotocol)
}

// CloseError reports that the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: status %d reason %q", e.Code, e.Reason)
}

// IsCleanClose reports whether err describes a normal, intentional closure.
// Any other read error is treated as an unclean close.
func IsCleanClose(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == CodeNormalClosure
	}
	return false
}
