package server

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/o11y"
)

// ListenerConfig holds the configuration for creating a STOMP Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	logger          *zap.Logger
	clock           clock.Clock
	queueSize       int
	pingInterval    time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	tokenValidator  TokenValidator
	metricsProvider o11y.MetricsProvider
}

// TokenValidator checks the bearer token presented by a connecting client.
// A non-nil error rejects the connection with a STOMP ERROR frame.
type TokenValidator func(ctx context.Context, token string) error

const (
	// DefaultQueueSize is the number of frames buffered per session before
	// deliveries are dropped.
	DefaultQueueSize = 256

	// DefaultPingInterval is the interval between WebSocket pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout bounds the silence allowed from a client. Clients
	// send heartbeats every 30 seconds, so this leaves room for one miss.
	DefaultReadTimeout = 75 * time.Second

	// DefaultWriteTimeout is the timeout for writing a frame to a client.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the largest frame accepted from a client.
	DefaultReadLimit = 64 * 1024
)

// NewListenerConfig creates a new ListenerConfig.
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithLogger(logger).
//	    WithTokenValidator(checkToken).
//	    Build()
//	http.HandleFunc("/ws", listener.ServeWebsocket)
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		clock:        clock.New(),
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithLogger sets the Logger for the Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithClock sets the clock used for presence timestamps.
func (c *ListenerConfig) WithClock(clk clock.Clock) *ListenerConfig {
	if clk != nil {
		c.clock = clk
	}
	return c
}

// WithQueueSize sets how many outbound frames are buffered per session.
//
// Default: 256 frames per session
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable pings.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout sets how long a client may stay silent before its
// session is closed.
//
// Default: 75 seconds
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the timeout for writing frames to clients.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the maximum size in bytes of an inbound frame.
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithTokenValidator requires connecting clients to present a bearer token
// accepted by validator, either in the CONNECT frame or in the HTTP
// Authorization header.
//
// Default: all clients accepted
func (c *ListenerConfig) WithTokenValidator(validator TokenValidator) *ListenerConfig {
	c.tokenValidator = validator
	return c
}

// WithMetrics sets the metrics provider.
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
