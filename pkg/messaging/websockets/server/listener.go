// Package server implements a small STOMP over WebSocket broker speaking the
// StageConnect chat protocol. It routes chat, typing and read envelopes to
// the private topics of their participants and tracks presence from join
// and heartbeat envelopes. It is meant for local development and tests.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/stomp"
)

// Listener accepts WebSocket connections and runs a STOMP session on each.
type Listener struct {
	logger   *zap.Logger
	config   *ListenerConfig
	metrics  *BrokerMetrics
	routes   *router
	presence *presenceTable

	// Session tracking for graceful shutdown
	sessions     map[*session]struct{}
	sessionMutex sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		logger:   config.logger,
		config:   config,
		metrics:  NewBrokerMetrics(config.metricsProvider),
		routes:   newRouter(),
		presence: newPresenceTable(config.clock),
		sessions: make(map[*session]struct{}),
		shutdown: make(chan struct{}),
	}
}

// ServeWebsocket upgrades the request to a WebSocket speaking the STOMP
// sub-protocol and serves it until the connection ends.
//
//	http.HandleFunc("/ws", listener.ServeWebsocket)
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{stomp.SubProtocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		l.metrics.RecordConnectionError(r.Context(), "accept")
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		return
	}

	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	if conn.Subprotocol() != stomp.SubProtocol {
		l.metrics.RecordConnectionError(r.Context(), "subprotocol")
		l.logger.Debug("Client did not negotiate STOMP", zap.String("remote_addr", r.RemoteAddr))
		conn.Close(websocket.StatusPolicyViolation, "expected sub-protocol "+stomp.SubProtocol)
		return
	}

	s := newSession(r.Context(), conn, l, bearerToken(r.Header.Get("Authorization")))

	l.sessionMutex.Lock()
	l.sessions[s] = struct{}{}
	count := len(l.sessions)
	l.sessionMutex.Unlock()

	l.metrics.RecordConnectionStart(r.Context(), count)
	l.logger.Debug("STOMP session started",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_sessions", count),
	)

	started := time.Now()
	s.run()

	l.sessionMutex.Lock()
	delete(l.sessions, s)
	count = len(l.sessions)
	l.sessionMutex.Unlock()

	l.metrics.RecordConnectionEnd(context.Background(), count, time.Since(started))
	l.logger.Debug("STOMP session ended",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_sessions", count),
	)
}

// Shutdown stops accepting connections, closes every session with
// StatusGoingAway and waits for them to finish or for ctx to end.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful STOMP broker shutdown")

		close(l.shutdown)

		l.sessionMutex.RLock()
		sessions := make([]*session, 0, len(l.sessions))
		for s := range l.sessions {
			sessions = append(sessions, s)
		}
		l.sessionMutex.RUnlock()

		if len(sessions) == 0 {
			l.logger.Info("No active sessions to close")
			return
		}

		l.logger.Info("Closing active sessions", zap.Int("session_count", len(sessions)))
		for _, s := range sessions {
			go s.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if remaining := l.SessionCount(); remaining > 0 {
				l.logger.Warn("Shutdown timeout reached with active sessions",
					zap.Int("remaining_sessions", remaining),
				)
			}
			return ctx.Err()

		case <-ticker.C:
			if l.SessionCount() == 0 {
				l.logger.Info("All sessions closed successfully")
				return nil
			}
		}
	}
}

// SessionCount returns the number of active sessions.
func (l *Listener) SessionCount() int {
	l.sessionMutex.RLock()
	defer l.sessionMutex.RUnlock()
	return len(l.sessions)
}

// Presence returns the presence of userID, if the user was ever seen.
func (l *Listener) Presence(userID int64) (Presence, bool) {
	return l.presence.get(userID)
}

// Publish delivers body to every subscription matching destination and
// returns the number of deliveries.
func (l *Listener) Publish(destination, contentType string, body []byte) int {
	return l.routes.publish(destination, contentType, body)
}
