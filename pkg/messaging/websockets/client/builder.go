package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stageconnect/messaging/pkg/messaging/o11y"
	"github.com/stageconnect/messaging/pkg/messaging/transport"
	"github.com/stageconnect/messaging/pkg/messaging/transport/coderws"
)

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatSchedule = "@every 30s"
	DefaultConnectTimeout    = 30 * time.Second
	DefaultWriteChannelSize  = 100

	// DisconnectTimeout bounds how long Disconnect waits for the server to
	// acknowledge the DISCONNECT frame.
	DisconnectTimeout = time.Second
)

// ClientBuilder provides a fluent interface for building messaging clients.
type ClientBuilder struct {
	url               string
	logger            *zap.Logger
	dialer            transport.Dialer
	clock             clock.Clock
	reconnectDelay    time.Duration
	heartbeatSchedule string
	connectTimeout    time.Duration
	writeChannelSize  int
	headers           http.Header
	metricsProvider   o11y.MetricsProvider
	tracingProvider   o11y.TracingProvider
	sendLimit         rate.Limit
	sendBurst         int
	strictEnvelopes   bool
}

// NewClient creates a new client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:            zap.NewNop(),
		reconnectDelay:    DefaultReconnectDelay,
		heartbeatSchedule: DefaultHeartbeatSchedule,
		connectTimeout:    DefaultConnectTimeout,
		writeChannelSize:  DefaultWriteChannelSize,
	}
}

// WithURL sets the WebSocket URL of the messaging endpoint, for example
// "wss://api.example.com/ws". See EndpointURL.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialer sets the transport used to reach the server. Defaults to
// coder/websocket.
func (b *ClientBuilder) WithDialer(dialer transport.Dialer) *ClientBuilder {
	b.dialer = dialer
	return b
}

// WithClock sets the clock driving reconnect and heartbeat timers.
func (b *ClientBuilder) WithClock(c clock.Clock) *ClientBuilder {
	b.clock = c
	return b
}

// WithReconnectDelay sets the delay before reconnecting after an unclean
// close. Default is 5s.
func (b *ClientBuilder) WithReconnectDelay(delay time.Duration) *ClientBuilder {
	if delay > 0 {
		b.reconnectDelay = delay
	}
	return b
}

// WithHeartbeatSchedule sets the heartbeat schedule as a cron spec, such as
// "@every 30s" (the default).
func (b *ClientBuilder) WithHeartbeatSchedule(spec string) *ClientBuilder {
	b.heartbeatSchedule = spec
	return b
}

// WithConnectTimeout bounds the transport dial plus STOMP handshake. A zero
// timeout leaves the handshake bounded only by the caller's context.
func (b *ClientBuilder) WithConnectTimeout(timeout time.Duration) *ClientBuilder {
	if timeout >= 0 {
		b.connectTimeout = timeout
	}
	return b
}

// WithWriteChannelSize sets the buffer size of the outbound frame queue.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithHeader sets an HTTP header sent with the WebSocket handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(key, value)
	return b
}

// WithMetrics sets the metrics provider.
func (b *ClientBuilder) WithMetrics(provider o11y.MetricsProvider) *ClientBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider.
func (b *ClientBuilder) WithTracing(provider o11y.TracingProvider) *ClientBuilder {
	b.tracingProvider = provider
	return b
}

// WithSendRateLimit limits outbound envelopes to perSecond with the given
// burst. Typing indicators over the limit are dropped; other envelopes
// wait for capacity.
func (b *ClientBuilder) WithSendRateLimit(perSecond float64, burst int) *ClientBuilder {
	if perSecond > 0 && burst > 0 {
		b.sendLimit = rate.Limit(perSecond)
		b.sendBurst = burst
	}
	return b
}

// WithStrictEnvelopes makes sends fail when a participant id cannot be
// coerced, instead of sending it as participant 0.
func (b *ClientBuilder) WithStrictEnvelopes(strict bool) *ClientBuilder {
	b.strictEnvelopes = strict
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if _, err := url.Parse(b.url); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if _, err := cron.ParseStandard(b.heartbeatSchedule); err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", b.heartbeatSchedule, err)
	}

	return nil
}

// Build creates and returns a new client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	schedule, _ := cron.ParseStandard(b.heartbeatSchedule)

	dialer := b.dialer
	if dialer == nil {
		dialer = coderws.New()
	}

	clk := b.clock
	if clk == nil {
		clk = clock.New()
	}

	var limiter *rate.Limiter
	if b.sendLimit > 0 {
		limiter = rate.NewLimiter(b.sendLimit, b.sendBurst)
	}

	return &Client{
		url:              b.url,
		host:             hostOf(b.url),
		logger:           b.logger,
		dialer:           dialer,
		clock:            clk,
		reconnectDelay:   b.reconnectDelay,
		heartbeat:        schedule,
		connectTimeout:   b.connectTimeout,
		writeChannelSize: b.writeChannelSize,
		headers:          b.headers.Clone(),
		metrics:          NewClientMetrics(b.metricsProvider),
		tracing:          b.tracingProvider,
		limiter:          limiter,
		strict:           b.strictEnvelopes,
		subs:             newRegistry(),
	}, nil
}

// EndpointURL derives the messaging endpoint from a server base URL:
// http(s) schemes become ws(s) and "/ws" is appended to the path.
func EndpointURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", server)
	}

	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
