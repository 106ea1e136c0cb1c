package config

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/stageconnect/messaging/pkg/messaging/o11y"
	"github.com/stageconnect/messaging/pkg/messaging/otel"
	"github.com/stageconnect/messaging/pkg/messaging/prom"
	"github.com/stageconnect/messaging/pkg/messaging/transport"
	"github.com/stageconnect/messaging/pkg/messaging/transport/coderws"
	"github.com/stageconnect/messaging/pkg/messaging/transport/gobwasws"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/server"
)

// ServiceName identifies StageConnect to tracing backends.
const ServiceName = "stageconnect"

var errUnauthorized = errors.New("unknown token")

func (c *Config) validate() hcl.Diagnostics {
	var diags hcl.Diagnostics

	invalid := func(summary, detail string) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  summary,
			Detail:   detail,
		})
	}

	switch c.Client.Transport {
	case TransportCoder, TransportGobwas:
	default:
		invalid("Invalid transport", fmt.Sprintf("client.transport must be %q or %q, got %q", TransportCoder, TransportGobwas, c.Client.Transport))
	}

	if _, err := cron.ParseStandard(c.Client.Heartbeat); err != nil {
		invalid("Invalid heartbeat schedule", fmt.Sprintf("client.heartbeat %q: %s", c.Client.Heartbeat, err))
	}

	if c.Client.SendRateLimit < 0 {
		invalid("Invalid rate limit", "client.send_rate_limit.per_second must not be negative")
	}

	if c.Client.UserID != "" {
		if _, err := client.ParseUserID(c.Client.UserID); err != nil {
			invalid("Invalid user id", fmt.Sprintf("client.user_id: %s", err))
		}
	}

	if c.Broker.QueueSize <= 0 {
		invalid("Invalid queue size", "broker.queue_size must be positive")
	}

	switch c.Metrics.Provider {
	case "", MetricsPrometheus, MetricsOtel:
	default:
		invalid("Invalid metrics provider", fmt.Sprintf("metrics.provider must be %q or %q, got %q", MetricsPrometheus, MetricsOtel, c.Metrics.Provider))
	}

	return diags
}

// Endpoint is the WebSocket URL the client connects to.
func (c *Config) Endpoint() (string, error) {
	if c.Client.URL != "" {
		return c.Client.URL, nil
	}
	if c.Client.Server == "" {
		return "", errors.New("neither client.url nor client.server is set")
	}
	return client.EndpointURL(c.Client.Server)
}

// Dialer returns the configured WebSocket transport.
func (c *Config) Dialer() (transport.Dialer, error) {
	switch c.Client.Transport {
	case TransportCoder, "":
		return coderws.New(), nil
	case TransportGobwas:
		return gobwasws.New(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Client.Transport)
}

// ClientBuilder returns a client builder populated from the client
// settings. Either provider may be nil.
func (c *Config) ClientBuilder(metrics o11y.MetricsProvider, tracing o11y.TracingProvider) (*client.ClientBuilder, error) {
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}
	dialer, err := c.Dialer()
	if err != nil {
		return nil, err
	}

	b := client.NewClient().
		WithURL(endpoint).
		WithLogger(c.Logger).
		WithDialer(dialer).
		WithReconnectDelay(c.Client.ReconnectDelay).
		WithHeartbeatSchedule(c.Client.Heartbeat).
		WithConnectTimeout(c.Client.ConnectTimeout).
		WithStrictEnvelopes(c.Client.StrictEnvelopes).
		WithMetrics(metrics).
		WithTracing(tracing)

	if c.Client.SendRateLimit > 0 {
		b = b.WithSendRateLimit(c.Client.SendRateLimit, c.Client.SendBurst)
	}
	for k, v := range c.Client.Headers {
		b = b.WithHeader(k, v)
	}

	return b, nil
}

// ListenerConfig returns a broker configuration populated from the broker
// settings.
func (c *Config) ListenerConfig(metrics o11y.MetricsProvider) *server.ListenerConfig {
	lc := server.NewListenerConfig().
		WithLogger(c.Logger).
		WithQueueSize(c.Broker.QueueSize).
		WithPingInterval(c.Broker.PingInterval).
		WithReadTimeout(c.Broker.ReadTimeout).
		WithWriteTimeout(c.Broker.WriteTimeout).
		WithMetrics(metrics)

	if len(c.Broker.Tokens) > 0 {
		lc = lc.WithTokenValidator(TokenList(c.Broker.Tokens))
	}
	return lc
}

// TokenList accepts exactly the given tokens.
func TokenList(tokens []string) server.TokenValidator {
	return func(ctx context.Context, token string) error {
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				return nil
			}
		}
		return errUnauthorized
	}
}

// Observability builds the configured metrics and tracing providers.
// Prometheus metrics are registered with reg; tracing is only available
// with the otel provider. Both are nil when metrics are disabled.
func (c *Config) Observability(reg prometheus.Registerer, version string) (o11y.MetricsProvider, o11y.TracingProvider) {
	switch c.Metrics.Provider {
	case MetricsPrometheus:
		return prom.NewProvider(reg, c.Metrics.Namespace), nil
	case MetricsOtel:
		p := otel.NewProvider(ServiceName, version)
		return p, p
	}
	return nil, nil
}
