// Package client implements the StageConnect messaging connection manager:
// a STOMP over WebSocket client that keeps one logical connection per user
// session, reconnects after unexpected closes, tracks subscriptions and
// sends periodic heartbeats.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/o11y"
	"github.com/stageconnect/messaging/pkg/messaging/stomp"
	"github.com/stageconnect/messaging/pkg/messaging/transport"
)

var (
	// ErrInvalidIdentity is returned by Connect when the user id is not a
	// finite number.
	ErrInvalidIdentity = errors.New("invalid user identity")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("client is not connected")
	// ErrDisconnected is returned to Connect callers whose attempt was
	// abandoned by a concurrent Disconnect.
	ErrDisconnected = errors.New("client disconnected")
	// ErrNotSubscribed is returned when unsubscribing a subscription that is
	// no longer registered.
	ErrNotSubscribed = errors.New("not subscribed")
)

// ProtocolError is a STOMP ERROR frame received from the server.
type ProtocolError struct {
	Message string
	Detail  string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error: %s: %s", e.Message, e.Detail)
}

// Client implements messaging.Client over STOMP and WebSocket. It is safe
// for concurrent use.
type Client struct {
	// Configuration
	url              string
	host             string
	logger           *zap.Logger
	dialer           transport.Dialer
	clock            clock.Clock
	reconnectDelay   time.Duration
	heartbeat        cron.Schedule
	connectTimeout   time.Duration
	writeChannelSize int
	headers          http.Header
	metrics          *ClientMetrics
	tracing          o11y.TracingProvider
	limiter          *rate.Limiter
	strict           bool

	listeners messaging.Listeners

	// Connection state, guarded by mu
	mu             sync.Mutex
	state          messaging.State
	userID         int64
	hasUser        bool
	token          string
	session        *session
	pending        *attempt
	reconnectTimer *clock.Timer
	beat           *heartbeat
	subs           *registry
}

// session is one live transport connection.
type session struct {
	conn         transport.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	writeChannel chan []byte

	// receipt awaited by Disconnect, guarded by Client.mu
	receiptID string
	receipted chan struct{}
}

// attempt is an in-flight connect shared by coalesced Connect calls.
type attempt struct {
	done chan struct{}
	err  error
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ messaging.Client = (*Client)(nil)

// ParseUserID converts a user id to an integer. Numeric strings are
// accepted; anything that is not a finite number within the int64 range is
// ErrInvalidIdentity.
func ParseUserID(raw string) (int64, error) {
	id, ok := envelope.CoerceID(raw)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}
	return id, nil
}

// Connect establishes the connection for userID, authenticating with token
// when non-empty. Concurrent calls share one attempt, and a call made while
// connected returns nil immediately.
//
// When the transport cannot be set up the error is returned, an ERROR event
// is emitted and a reconnect is scheduled.
func (c *Client) Connect(ctx context.Context, userID string, token string) error {
	id, err := ParseUserID(userID)
	if err != nil {
		c.logger.Warn("Refusing to connect with invalid user id", zap.String("userId", userID))
		c.listeners.Emit(messaging.Failed{Err: err})
		return err
	}
	return c.connect(ctx, id, token)
}

func (c *Client) connect(ctx context.Context, userID int64, token string) error {
	c.mu.Lock()
	if c.state == messaging.StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.pending != nil {
		a := c.pending
		c.mu.Unlock()
		return a.wait(ctx)
	}

	a := &attempt{done: make(chan struct{})}
	c.pending = a
	c.state = messaging.StateConnecting
	c.userID = userID
	c.hasUser = true
	c.token = token
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	c.establish(ctx, a, userID, token)
	return a.err
}

// establish runs one connect attempt and settles a.
func (c *Client) establish(ctx context.Context, a *attempt, userID int64, token string) {
	c.metrics.RecordConnectAttempt(ctx)
	started := c.clock.Now()

	dialCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	dialCtx, span := o11y.StartSpan(dialCtx, c.tracing, "messaging.connect")
	defer span.End()
	span.SetAttributes(o11y.L("user_id", strconv.FormatInt(userID, 10)))

	conn, err := c.dialer.Dial(dialCtx, c.url, c.handshakeHeader(token), stomp.SubProtocol)
	if err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		c.metrics.RecordConnectError(ctx, "dial")
		c.failAttempt(a, fmt.Errorf("failed to open transport: %w", err))
		return
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	if err := c.handshake(dialCtx, sessCtx, conn, userID, token); err != nil {
		sessCancel()
		conn.Close(false, "handshake failed")
		span.SetStatus(o11y.SpanStatusError, err.Error())
		c.metrics.RecordConnectError(ctx, "handshake")
		c.failAttempt(a, err)
		return
	}

	s := &session{
		conn:         conn,
		ctx:          sessCtx,
		cancel:       sessCancel,
		writeChannel: make(chan []byte, c.writeChannelSize),
	}

	c.mu.Lock()
	if c.pending != a {
		c.mu.Unlock()
		sessCancel()
		conn.Close(true, "client disconnect")
		a.err = ErrDisconnected
		close(a.done)
		return
	}
	c.session = s
	c.state = messaging.StateConnected
	c.mu.Unlock()

	go c.readLoop(s)
	go c.writeLoop(s)

	span.SetStatus(o11y.SpanStatusOK, "")
	c.metrics.RecordConnected(ctx, c.clock.Since(started))
	c.logger.Info("Messaging client connected", zap.String("url", c.url), zap.Int64("userId", userID))
	c.listeners.Emit(messaging.Connected{UserID: userID})

	c.afterConnect(s, userID)

	c.mu.Lock()
	if c.pending == a {
		c.pending = nil
	}
	c.mu.Unlock()
	close(a.done)
}

// afterConnect subscribes to the private topic, announces presence and
// starts the heartbeat. Failures are logged and do not affect the
// connection.
func (c *Client) afterConnect(s *session, userID int64) {
	topic := messaging.UserTopic(userID)
	if sub := c.subscribe(topic, c.deliverToListeners); sub == nil {
		c.logger.Warn("Failed to subscribe to user topic", zap.String("destination", topic))
	}

	if err := c.SendJoin(s.ctx); err != nil {
		c.logger.Warn("Failed to send join", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	c.stopHeartbeatLocked()
	c.beat = startHeartbeat(c.clock, c.heartbeat, c.heartbeatTick)
}

func (c *Client) deliverToListeners(destination string, env envelope.Envelope) {
	c.listeners.Emit(messaging.MessageReceived{Destination: destination, Envelope: env})
}

func (c *Client) heartbeatTick() {
	if !c.IsConnected() {
		return
	}
	if err := c.SendHeartbeat(context.Background()); err != nil {
		c.logger.Debug("Heartbeat not sent", zap.Error(err))
	}
}

func (c *Client) handshakeHeader(token string) http.Header {
	header := c.headers.Clone()
	if token != "" {
		if header == nil {
			header = make(http.Header)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

// handshake sends CONNECT and waits for CONNECTED. Reads use the session
// context so the connection outlives dialCtx; dialCtx expiry closes the
// connection instead.
func (c *Client) handshake(dialCtx, sessCtx context.Context, conn transport.Conn, userID int64, token string) error {
	connect := stomp.NewConnect(c.host, strconv.FormatInt(userID, 10), token, "0,0")
	if err := conn.Write(dialCtx, stomp.Encode(connect)); err != nil {
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}

	stop := context.AfterFunc(dialCtx, func() {
		conn.Close(false, "handshake timeout")
	})
	defer stop()

	for {
		data, err := conn.Read(sessCtx)
		if err != nil {
			if dialCtx.Err() != nil {
				return fmt.Errorf("handshake interrupted: %w", dialCtx.Err())
			}
			return fmt.Errorf("failed to read CONNECTED: %w", err)
		}

		frame, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to decode handshake reply: %w", err)
		}

		switch frame.Command {
		case stomp.CommandConnected:
			return nil
		case stomp.CommandError:
			return &ProtocolError{Message: frame.Get(stomp.HeaderMessage), Detail: string(frame.Body)}
		default:
			c.logger.Debug("Ignoring frame before CONNECTED", zap.String("command", frame.Command))
		}
	}
}

// failAttempt resets the state after a failed attempt, emits the error and
// schedules a reconnect if the attempt is still current.
func (c *Client) failAttempt(a *attempt, err error) {
	c.mu.Lock()
	current := c.pending == a
	if current {
		c.pending = nil
		c.state = messaging.StateDisconnected
		if c.hasUser {
			c.scheduleReconnectLocked()
		}
	}
	c.mu.Unlock()

	c.logger.Error("Messaging connect failed", zap.Error(err))
	if current {
		c.listeners.Emit(messaging.Failed{Err: err})
	}
	a.err = err
	close(a.done)
}

// Disconnect tears the connection down and prevents automatic
// reconnection. Frames already queued are flushed first, and the server is
// given up to DisconnectTimeout to acknowledge the DISCONNECT.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.session
	subs := c.subs.drain()
	c.session = nil
	c.pending = nil
	c.state = messaging.StateDisconnected
	c.hasUser = false
	c.userID = 0
	c.token = ""
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()

	var receipted chan struct{}
	receiptID := uuid.NewString()
	if s != nil {
		receipted = make(chan struct{})
		s.receiptID = receiptID
		s.receipted = receipted
	}
	c.mu.Unlock()

	if s != nil {
		c.logger.Info("Disconnecting messaging client")

		frames := make([]stomp.Frame, 0, len(subs)+1)
		for _, sub := range subs {
			frames = append(frames, stomp.NewUnsubscribe(sub.id))
		}
		frames = append(frames, stomp.NewDisconnect(receiptID))

		for _, frame := range frames {
			if err := c.enqueue(s, stomp.Encode(frame)); err != nil {
				c.logger.Debug("Frame not sent during disconnect",
					zap.String("command", frame.Command), zap.Error(err))
			}
		}

		timer := c.clock.Timer(DisconnectTimeout)
		select {
		case <-receipted:
		case <-s.ctx.Done():
		case <-timer.C:
			c.logger.Debug("DISCONNECT not acknowledged", zap.String("receiptId", receiptID))
		}
		timer.Stop()

		s.cancel()
		if err := s.conn.Close(true, "client disconnect"); err != nil {
			c.logger.Debug("Transport close failed", zap.Error(err))
		}
		c.metrics.RecordDisconnected(context.Background(), true)
	}

	c.listeners.Emit(messaging.Disconnected{})
	return nil
}

// IsConnected reports whether the STOMP session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == messaging.StateConnected
}

// State returns the connection state.
func (c *Client) State() messaging.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the user the client is connected or connecting as.
func (c *Client) UserID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.hasUser
}

// OnEvent registers a listener for lifecycle and message events.
func (c *Client) OnEvent(listener messaging.Listener) (remove func()) {
	return c.listeners.Add(listener)
}

// handleTransportClose is called by the session loops when the transport
// fails or the server closes it.
func (c *Client) handleTransportClose(s *session, err error) {
	clean := transport.IsCleanClose(err)

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = messaging.StateDisconnected
	c.subs.drain()
	c.stopHeartbeatLocked()
	reconnect := !clean && c.hasUser
	if reconnect {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	s.cancel()
	s.conn.Close(false, "connection error")
	c.metrics.RecordDisconnected(context.Background(), clean)

	if clean {
		c.logger.Info("Messaging connection closed by server")
		c.listeners.Emit(messaging.Disconnected{})
		return
	}
	c.logger.Warn("Messaging connection lost", zap.Error(err), zap.Bool("reconnect", reconnect))
	c.listeners.Emit(messaging.Disconnected{Err: err})
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// previous one. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	c.stopReconnectLocked()

	var timer *clock.Timer
	timer = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.reconnect(timer)
	})
	c.reconnectTimer = timer
	c.metrics.RecordReconnectScheduled(context.Background())
	c.logger.Info("Reconnect scheduled", zap.Duration("delay", c.reconnectDelay))
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	c.beat.stop()
	c.beat = nil
}

func (c *Client) reconnect(timer *clock.Timer) {
	c.mu.Lock()
	if c.reconnectTimer != timer || !c.hasUser || c.state != messaging.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	userID, token := c.userID, c.token
	c.mu.Unlock()

	c.logger.Info("Reconnecting", zap.Int64("userId", userID))
	if err := c.connect(context.Background(), userID, token); err != nil {
		c.logger.Warn("Reconnect failed", zap.Error(err))
	}
}

// readLoop processes inbound frames until the session ends.
func (c *Client) readLoop(s *session) {
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				c.handleTransportClose(s, err)
			}
			return
		}
		c.handleFrame(s, data)
	}
}

// writeLoop serialises outbound frames onto the transport.
func (c *Client) writeLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.writeChannel:
			if err := s.conn.Write(s.ctx, data); err != nil {
				if s.ctx.Err() == nil {
					c.logger.Error("Failed to write frame", zap.Error(err))
					c.handleTransportClose(s, err)
				}
				return
			}
		}
	}
}

// enqueue queues a frame without blocking.
func (c *Client) enqueue(s *session, data []byte) error {
	select {
	case s.writeChannel <- data:
		return nil
	case <-s.ctx.Done():
		return ErrNotConnected
	default:
		return fmt.Errorf("write channel is full")
	}
}

func (c *Client) handleFrame(s *session, data []byte) {
	frame, err := stomp.Decode(data)
	if errors.Is(err, stomp.ErrHeartbeat) {
		return
	}
	if err != nil {
		c.logger.Warn("Failed to decode frame", zap.Error(err))
		return
	}

	switch frame.Command {
	case stomp.CommandMessage:
		c.dispatch(s, frame)
	case stomp.CommandError:
		perr := &ProtocolError{Message: frame.Get(stomp.HeaderMessage), Detail: string(frame.Body)}
		c.metrics.RecordProtocolError(s.ctx)
		c.logger.Error("Server reported an error", zap.Error(perr))
		c.listeners.Emit(messaging.Failed{Err: perr})
	case stomp.CommandReceipt:
		id := frame.Get(stomp.HeaderReceiptID)
		c.logger.Debug("Receipt", zap.String("receiptId", id))
		c.mu.Lock()
		if s.receipted != nil && id == s.receiptID {
			close(s.receipted)
			s.receipted = nil
		}
		c.mu.Unlock()
	default:
		c.logger.Warn("Unexpected frame", zap.String("command", frame.Command))
	}
}

func (c *Client) dispatch(s *session, frame stomp.Frame) {
	destination := frame.Get(stomp.HeaderDestination)

	c.mu.Lock()
	var sub *Subscription
	if c.session == s {
		sub = c.subs.route(frame.Get(stomp.HeaderSubscription), destination)
	}
	c.mu.Unlock()

	if sub == nil {
		c.logger.Debug("Dropping message for unknown subscription", zap.String("destination", destination))
		return
	}

	env, err := envelope.Decode(frame.Body)
	if err != nil {
		c.logger.Warn("Dropping undecodable message", zap.String("destination", destination), zap.Error(err))
		return
	}

	c.metrics.RecordReceived(s.ctx, env.Type)
	sub.handler(destination, env)
}

// Subscribe subscribes to destination. It returns nil, after logging a
// warning, when the client is not connected, and returns the existing
// subscription when destination is already subscribed; the first handler
// registered for a destination is kept.
func (c *Client) Subscribe(destination string, handler messaging.Handler) messaging.Subscription {
	if sub := c.subscribe(destination, handler); sub != nil {
		return sub
	}
	return nil
}

func (c *Client) subscribe(destination string, handler messaging.Handler) *Subscription {
	c.mu.Lock()
	s := c.session
	if c.state != messaging.StateConnected || s == nil {
		c.mu.Unlock()
		c.logger.Warn("Cannot subscribe while disconnected", zap.String("destination", destination))
		return nil
	}
	if existing := c.subs.get(destination); existing != nil {
		c.mu.Unlock()
		return existing
	}

	sub := &Subscription{
		id:          "sub-" + uuid.NewString(),
		destination: destination,
		handler:     handler,
		session:     s,
		client:      c,
	}
	c.subs.add(sub)
	c.mu.Unlock()

	if err := c.enqueue(s, stomp.Encode(stomp.NewSubscribe(sub.id, destination))); err != nil {
		c.mu.Lock()
		c.subs.remove(sub)
		c.mu.Unlock()
		c.logger.Warn("Failed to subscribe", zap.String("destination", destination), zap.Error(err))
		return nil
	}

	c.logger.Debug("Subscribed", zap.String("destination", destination), zap.String("id", sub.id))
	return sub
}

func (c *Client) unsubscribe(sub *Subscription) error {
	c.mu.Lock()
	removed := c.subs.remove(sub)
	live := c.session == sub.session && c.session != nil
	c.mu.Unlock()

	if !removed {
		return ErrNotSubscribed
	}
	if !live {
		return ErrNotConnected
	}
	return c.enqueue(sub.session, stomp.Encode(stomp.NewUnsubscribe(sub.id)))
}

// Subscriptions returns the number of active subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.len()
}
