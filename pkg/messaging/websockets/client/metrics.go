package client

import (
	"context"
	"time"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/o11y"
)

// ClientMetrics holds the instruments recorded by a messaging client. A nil
// *ClientMetrics records nothing.
type ClientMetrics struct {
	connectAttempts o11y.Counter
	connects        o11y.Counter
	connectErrors   o11y.Counter
	connectDuration o11y.Histogram
	connected       o11y.Gauge
	disconnects     o11y.Counter
	reconnects      o11y.Counter

	messagesSent     o11y.Counter
	messagesReceived o11y.Counter
	sendErrors       o11y.Counter
	protocolErrors   o11y.Counter
	heartbeats       o11y.Counter
}

// NewClientMetrics creates the client instruments, or returns nil when
// provider is nil.
func NewClientMetrics(provider o11y.MetricsProvider) *ClientMetrics {
	if provider == nil {
		return nil
	}

	return &ClientMetrics{
		connectAttempts: provider.Counter("messaging_connect_attempts_total"),
		connects:        provider.Counter("messaging_connects_total"),
		connectErrors:   provider.Counter("messaging_connect_errors_total"),
		connectDuration: provider.Histogram("messaging_connect_duration_seconds"),
		connected:       provider.Gauge("messaging_connected"),
		disconnects:     provider.Counter("messaging_disconnects_total"),
		reconnects:      provider.Counter("messaging_reconnects_scheduled_total"),

		messagesSent:     provider.Counter("messaging_messages_sent_total"),
		messagesReceived: provider.Counter("messaging_messages_received_total"),
		sendErrors:       provider.Counter("messaging_send_errors_total"),
		protocolErrors:   provider.Counter("messaging_protocol_errors_total"),
		heartbeats:       provider.Counter("messaging_heartbeats_total"),
	}
}

func (m *ClientMetrics) RecordConnectAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectAttempts.Add(ctx, 1)
}

func (m *ClientMetrics) RecordConnected(ctx context.Context, took time.Duration) {
	if m == nil {
		return
	}
	m.connects.Add(ctx, 1)
	m.connectDuration.Record(ctx, took.Seconds())
	m.connected.Set(ctx, 1)
}

func (m *ClientMetrics) RecordConnectError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.connectErrors.Add(ctx, 1, o11y.L("stage", stage))
}

// RecordDisconnected records the end of a session; clean distinguishes
// intentional closes from transport failures.
func (m *ClientMetrics) RecordDisconnected(ctx context.Context, clean bool) {
	if m == nil {
		return
	}
	reason := "error"
	if clean {
		reason = "clean"
	}
	m.disconnects.Add(ctx, 1, o11y.L("reason", reason))
	m.connected.Set(ctx, 0)
}

func (m *ClientMetrics) RecordReconnectScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *ClientMetrics) RecordSent(ctx context.Context, t envelope.MessageType) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.L("type", string(t)))
	if t == envelope.TypeHeartbeat {
		m.heartbeats.Add(ctx, 1)
	}
}

func (m *ClientMetrics) RecordReceived(ctx context.Context, t envelope.MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, o11y.L("type", string(t)))
}

func (m *ClientMetrics) RecordSendError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1, o11y.L("reason", reason))
}

func (m *ClientMetrics) RecordProtocolError(ctx context.Context) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1)
}
