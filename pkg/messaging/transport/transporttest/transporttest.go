// Package transporttest provides an in-memory transport for exercising the
// connection manager without a network.
package transporttest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/stageconnect/messaging/pkg/messaging/stomp"
	"github.com/stageconnect/messaging/pkg/messaging/transport"
)

// Dialer hands out in-memory connections. Each dial creates a Peer, the
// server end of the connection.
type Dialer struct {
	mu      sync.Mutex
	peers   []*Peer
	failErr error
	gate    chan struct{}
	reject  string
	dialed  chan *Peer
	headers []http.Header
}

// NewDialer returns a Dialer whose peers answer CONNECT with CONNECTED.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Peer, 16)}
}

// FailWith makes subsequent dials fail with err; nil restores success.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

// Hold delays CONNECTED replies until Release is called.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

// Release lets held handshakes complete.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// RejectWith makes peers answer CONNECT with an ERROR frame.
func (d *Dialer) RejectWith(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = message
}

// Dials returns the number of Dial calls that produced a connection.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Peer returns the server end of the i-th connection.
func (d *Dialer) Peer(i int) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[i]
}

// Header returns the handshake header of the i-th connection.
func (d *Dialer) Header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// WaitPeer waits for the next dial and returns its peer.
func (d *Dialer) WaitPeer(timeout time.Duration) (*Peer, error) {
	select {
	case p := <-d.dialed:
		return p, nil
	case <-time.After(timeout):
		return nil, errors.New("transporttest: no dial")
	}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header, subprotocol string) (transport.Conn, error) {
	d.mu.Lock()
	if d.failErr != nil {
		err := d.failErr
		d.mu.Unlock()
		return nil, err
	}
	p := &Peer{
		toClient: make(chan []byte, 64),
		frames:   make(chan stomp.Frame, 256),
		closed:   make(chan struct{}),
		gate:     d.gate,
		reject:   d.reject,
	}
	d.peers = append(d.peers, p)
	d.headers = append(d.headers, header.Clone())
	d.mu.Unlock()

	select {
	case d.dialed <- p:
	default:
	}
	return &clientConn{peer: p}, nil
}

// Peer is the server end of an in-memory connection.
type Peer struct {
	toClient chan []byte
	frames   chan stomp.Frame

	mu       sync.Mutex
	seen     []stomp.Frame
	closeErr error
	closed   chan struct{}
	once     sync.Once

	gate     chan struct{}
	reject   string
	withhold bool
}

// Deliver sends a frame to the client.
func (p *Peer) Deliver(f stomp.Frame) {
	select {
	case p.toClient <- stomp.Encode(f):
	case <-p.closed:
	}
}

// DeliverRaw sends raw bytes to the client.
func (p *Peer) DeliverRaw(data []byte) {
	select {
	case p.toClient <- data:
	case <-p.closed:
	}
}

// CloseWith closes the connection from the server side.
func (p *Peer) CloseWith(code int, reason string) {
	p.close(&transport.CloseError{Code: code, Reason: reason})
}

// Drop simulates a network failure.
func (p *Peer) Drop() {
	p.close(errors.New("transporttest: connection reset"))
}

// WithholdReceipts stops the peer from acknowledging DISCONNECT frames.
func (p *Peer) WithholdReceipts() {
	p.mu.Lock()
	p.withhold = true
	p.mu.Unlock()
}

// Closed reports whether either side closed the connection.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Peer) close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeErr = err
		p.mu.Unlock()
		close(p.closed)
	})
}

// Next returns the next frame written by the client.
func (p *Peer) Next(timeout time.Duration) (stomp.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-time.After(timeout):
		return stomp.Frame{}, errors.New("transporttest: no frame")
	}
}

// NextCommand skips frames until one with the given command arrives.
func (p *Peer) NextCommand(command string, timeout time.Duration) (stomp.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := p.Next(time.Until(deadline))
		if err != nil {
			return stomp.Frame{}, err
		}
		if f.Command == command {
			return f, nil
		}
	}
}

// Seen returns every frame the client has written so far.
func (p *Peer) Seen() []stomp.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stomp.Frame, len(p.seen))
	copy(out, p.seen)
	return out
}

// SeenCommand returns the frames written by the client with the command.
func (p *Peer) SeenCommand(command string) []stomp.Frame {
	var out []stomp.Frame
	for _, f := range p.Seen() {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (p *Peer) receive(data []byte) {
	f, err := stomp.Decode(data)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.seen = append(p.seen, f)
	withhold := p.withhold
	p.mu.Unlock()

	select {
	case p.frames <- f:
	default:
	}

	switch f.Command {
	case stomp.CommandConnect, stomp.CommandStomp:
		go p.answerConnect()
	case stomp.CommandDisconnect:
		if receipt := f.Get(stomp.HeaderReceipt); receipt != "" && !withhold {
			go p.Deliver(stomp.NewReceipt(receipt))
		}
	}
}

func (p *Peer) answerConnect() {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-p.closed:
			return
		}
	}
	if p.reject != "" {
		p.Deliver(stomp.NewError(p.reject, ""))
		return
	}
	p.Deliver(stomp.NewConnected("test-session"))
}

type clientConn struct {
	peer *Peer
}

func (c *clientConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.peer.toClient:
		return data, nil
	case <-c.peer.closed:
		c.peer.mu.Lock()
		defer c.peer.mu.Unlock()
		return nil, c.peer.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientConn) Write(ctx context.Context, data []byte) error {
	if c.peer.Closed() {
		return errors.New("transporttest: write on closed connection")
	}
	c.peer.receive(data)
	return nil
}

func (c *clientConn) Close(clean bool, reason string) error {
	code := transport.CodeNormalClosure
	if !clean {
		code = transport.CodeInternalError
	}
	c.peer.close(&transport.CloseError{Code: code, Reason: reason})
	return nil
}
