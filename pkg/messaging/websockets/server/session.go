package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/stomp"
)

// session is one client connection. Frames are read on the goroutine
// running run; writes of routed messages go through a single sender
// goroutine so a slow client cannot block publishers.
type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	conn      *websocket.Conn
	listener  *Listener
	logger    *zap.Logger
	config    *ListenerConfig
	httpToken string

	outbound    chan []byte
	done        chan struct{}
	cleanupOnce sync.Once

	mu        sync.Mutex
	connected bool
	userID    int64
	hasUser   bool
}

func newSession(ctx context.Context, conn *websocket.Conn, l *Listener, httpToken string) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		listener:  l,
		logger:    l.logger,
		config:    l.config,
		httpToken: httpToken,
		outbound:  make(chan []byte, l.config.queueSize),
		done:      make(chan struct{}),
	}
}

// run serves the session until the connection closes.
func (s *session) run() {
	go s.sender()
	s.reader()
	s.cleanup()
}

func (s *session) reader() {
	defer s.logger.Debug("Session reader stopped")

	s.conn.SetReadLimit(s.config.readLimit)

	for {
		readCtx, cancel := context.WithTimeout(s.ctx, s.config.readTimeout)
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.logger.Debug("WebSocket closed by client", zap.Int("close_status", int(status)))
			} else if s.ctx.Err() == nil {
				s.logger.Debug("Failed to read frame", zap.Error(err))
			}
			return
		}

		frame, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			s.listener.metrics.RecordProtocolError(s.ctx, "malformed")
			s.logger.Warn("Malformed frame", zap.Error(err), zap.Int("data_length", len(data)))
			s.fail("malformed frame", err.Error())
			return
		}

		s.listener.metrics.RecordFrameReceived(s.ctx, frame.Command)
		if !s.handleFrame(frame) {
			return
		}
	}
}

// handleFrame processes one client frame and reports whether the session
// should keep reading.
func (s *session) handleFrame(frame stomp.Frame) bool {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()

	if !connected && frame.Command != stomp.CommandConnect && frame.Command != stomp.CommandStomp {
		s.fail("not connected", "expected CONNECT, got "+frame.Command)
		return false
	}

	switch frame.Command {
	case stomp.CommandConnect, stomp.CommandStomp:
		return s.handleConnect(frame)

	case stomp.CommandSubscribe:
		id, destination := frame.Get(stomp.HeaderID), frame.Get(stomp.HeaderDestination)
		if id == "" || destination == "" {
			s.fail("invalid SUBSCRIBE", "id and destination headers are required")
			return false
		}
		if s.foreignPrivateTopic(destination) {
			s.listener.metrics.RecordProtocolError(s.ctx, "forbidden")
			s.logger.Warn("Refusing subscription to another user's topic", zap.String("destination", destination))
			s.deliver(stomp.NewError("forbidden", "cannot subscribe to "+destination))
			return true
		}
		s.listener.routes.subscribe(s, id, destination)
		s.logger.Debug("Client subscribed", zap.String("id", id), zap.String("destination", destination))

	case stomp.CommandUnsubscribe:
		id := frame.Get(stomp.HeaderID)
		if !s.listener.routes.unsubscribe(s, id) {
			s.logger.Debug("Unsubscribe for unknown subscription", zap.String("id", id))
		}

	case stomp.CommandSend:
		s.handleSend(frame)

	case stomp.CommandDisconnect:
		if receipt := frame.Get(stomp.HeaderReceipt); receipt != "" {
			s.writeNow(stomp.NewReceipt(receipt))
		}
		s.logger.Debug("Client disconnected")
		return false

	case stomp.CommandAck, stomp.CommandNack:
		// subscriptions are always ack:auto

	default:
		s.fail("unsupported command", frame.Command)
		return false
	}

	if receipt := frame.Get(stomp.HeaderReceipt); receipt != "" {
		s.deliver(stomp.NewReceipt(receipt))
	}
	return true
}

func (s *session) handleConnect(frame stomp.Frame) bool {
	s.mu.Lock()
	already := s.connected
	s.mu.Unlock()
	if already {
		s.fail("already connected", "")
		return false
	}

	if validate := s.config.tokenValidator; validate != nil {
		token := bearerToken(frame.Get(stomp.HeaderAuthorization))
		if token == "" {
			token = s.httpToken
		}
		if err := validate(s.ctx, token); err != nil {
			s.listener.metrics.RecordConnectionError(s.ctx, "auth")
			s.logger.Info("Rejected client credentials", zap.Error(err))
			s.fail("authentication failed", err.Error())
			return false
		}
	}

	if login := frame.Get(stomp.HeaderLogin); login != "" {
		userID, err := strconv.ParseInt(login, 10, 64)
		if err != nil {
			s.listener.metrics.RecordConnectionError(s.ctx, "login")
			s.fail("invalid login", "login must be a numeric user id")
			return false
		}
		s.bind(userID)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	return s.writeNow(stomp.NewConnected(uuid.NewString())) == nil
}

// foreignPrivateTopic reports whether destination, which may be a
// wildcard pattern, matches the private topic of a user other than the one
// the session is bound to. Unbound sessions may not read any private topic.
func (s *session) foreignPrivateTopic(destination string) bool {
	own, bound := s.identity()
	target := own + 1

	last := destination[strings.LastIndexByte(destination, '/')+1:]
	if id, err := strconv.ParseInt(last, 10, 64); err == nil {
		if bound && id == own {
			return false
		}
		target = id
	}
	return mqttpattern.Matches(destination, messaging.UserTopic(target))
}

// handleSend routes a SEND frame. Chat protocol destinations carry
// envelopes and are routed to the participants' private topics; anything
// else is published as is.
func (s *session) handleSend(frame stomp.Frame) {
	destination := frame.Get(stomp.HeaderDestination)
	if destination == "" {
		s.deliver(stomp.NewError("invalid SEND", "destination header is required"))
		return
	}

	switch destination {
	case messaging.DestinationSend, messaging.DestinationTyping, messaging.DestinationRead,
		messaging.DestinationJoin, messaging.DestinationHeartbeat:
	default:
		n := s.listener.routes.publish(destination, frame.Get(stomp.HeaderContentType), frame.Body)
		s.listener.metrics.RecordDelivered(s.ctx, n)
		return
	}

	env, err := envelope.Decode(frame.Body)
	if err != nil {
		s.listener.metrics.RecordProtocolError(s.ctx, "envelope")
		s.logger.Warn("Invalid envelope", zap.String("destination", destination), zap.Error(err))
		s.deliver(stomp.NewError("invalid envelope", err.Error()))
		return
	}

	own, bound := s.identity()
	if !bound {
		s.listener.metrics.RecordProtocolError(s.ctx, "identity")
		s.deliver(stomp.NewError("not identified", "CONNECT with a login header before sending to "+destination))
		return
	}
	if env.SenderID != own {
		s.listener.metrics.RecordProtocolError(s.ctx, "identity")
		s.logger.Warn("Envelope sender does not match session user",
			zap.Int64("senderId", env.SenderID), zap.Int64("userId", own))
		s.deliver(stomp.NewError("sender mismatch", fmt.Sprintf("session is bound to user %d", own)))
		return
	}
	s.listener.presence.seen(own, s)

	var topics []string
	switch destination {
	case messaging.DestinationSend:
		topics = append(topics, messaging.UserTopic(env.ReceiverID))
		if env.SenderID != env.ReceiverID {
			topics = append(topics, messaging.UserTopic(env.SenderID))
		}
	case messaging.DestinationTyping, messaging.DestinationRead:
		topics = append(topics, messaging.UserTopic(env.ReceiverID))
	}
	if len(topics) == 0 {
		return
	}

	body, err := envelope.Encode(env)
	if err != nil {
		s.logger.Error("Failed to encode envelope", zap.Error(err))
		return
	}

	for _, topic := range topics {
		n := s.listener.routes.publish(topic, stomp.ContentTypeJSON, body)
		s.listener.metrics.RecordDelivered(s.ctx, n)
		s.logger.Debug("Routed envelope",
			zap.String("type", string(env.Type)),
			zap.String("topic", topic),
			zap.Int("deliveries", n),
		)
	}
}

// bind ties the session to userID for presence and authorization.
func (s *session) bind(userID int64) {
	s.mu.Lock()
	s.userID = userID
	s.hasUser = true
	s.mu.Unlock()

	s.listener.presence.seen(userID, s)
}

func (s *session) identity() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.hasUser
}

// deliver queues a frame for the sender goroutine, dropping it when the
// session is closed or its queue is full.
func (s *session) deliver(frame stomp.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbound <- stomp.Encode(frame):
		return true
	case <-s.done:
		return false
	default:
		s.listener.metrics.RecordDropped(s.ctx)
		s.logger.Warn("Outbound queue full, dropping frame", zap.String("command", frame.Command))
		return false
	}
}

// writeNow writes a frame directly, bypassing the queue. Used for frames
// that must reach the client before the session closes.
func (s *session) writeNow(frame stomp.Frame) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.writeTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, websocket.MessageText, stomp.Encode(frame)); err != nil {
		s.logger.Debug("Failed to write frame", zap.String("command", frame.Command), zap.Error(err))
		return err
	}
	return nil
}

// fail sends an ERROR frame; the caller then ends the session.
func (s *session) fail(message, detail string) {
	s.writeNow(stomp.NewError(message, detail))
}

func (s *session) sender() {
	defer s.logger.Debug("Session sender stopped")

	var pingChan <-chan time.Time
	if s.config.pingInterval > 0 {
		pingTicker := time.NewTicker(s.config.pingInterval)
		defer pingTicker.Stop()
		pingChan = pingTicker.C
	}

	for {
		select {
		case data := <-s.outbound:
			writeCtx, cancel := context.WithTimeout(s.ctx, s.config.writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("Failed to send frame", zap.Error(err))
				if websocket.CloseStatus(err) != -1 || s.ctx.Err() != nil {
					return
				}
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(s.ctx, s.config.writeTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("Ping failed", zap.Error(err))
				return
			}

		case <-s.done:
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// shutdownClose closes the connection with the given status during
// listener shutdown.
func (s *session) shutdownClose(code websocket.StatusCode, reason string) {
	if err := s.conn.Close(code, reason); err != nil {
		s.logger.Debug("Close during shutdown failed", zap.Error(err))
	}
}

func (s *session) cleanup() {
	s.cleanupOnce.Do(func() {
		close(s.done)
		s.listener.routes.drop(s)

		s.mu.Lock()
		userID, hasUser := s.userID, s.hasUser
		s.mu.Unlock()
		if hasUser {
			s.listener.presence.gone(userID, s)
		}

		if err := s.conn.Close(websocket.StatusNormalClosure, "Session closed"); err != nil {
			s.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
		s.cancel()
	})
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
