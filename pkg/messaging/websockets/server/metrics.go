package server

import (
	"context"
	"time"

	"github.com/stageconnect/messaging/pkg/messaging/o11y"
)

// BrokerMetrics defines the metrics collected by the broker. A nil
// *BrokerMetrics records nothing.
type BrokerMetrics struct {
	// Session metrics
	activeSessions   o11y.Gauge     // Current number of open sessions
	totalSessions    o11y.Counter   // Sessions accepted
	sessionDuration  o11y.Histogram // Session lifetime in seconds
	connectionErrors o11y.Counter   // Rejected connections by reason

	// Frame metrics
	framesReceived  o11y.Counter // Client frames by command
	framesDelivered o11y.Counter // MESSAGE frames queued to subscribers
	framesDropped   o11y.Counter // MESSAGE frames dropped on full queues
	protocolErrors  o11y.Counter // Malformed frames and envelopes
}

// NewBrokerMetrics creates the broker instruments, or returns nil when
// provider is nil.
func NewBrokerMetrics(provider o11y.MetricsProvider) *BrokerMetrics {
	if provider == nil {
		return nil
	}

	return &BrokerMetrics{
		activeSessions:   provider.Gauge("broker_active_sessions"),
		totalSessions:    provider.Counter("broker_sessions_total"),
		sessionDuration:  provider.Histogram("broker_session_duration_seconds"),
		connectionErrors: provider.Counter("broker_connection_errors_total"),

		framesReceived:  provider.Counter("broker_frames_received_total"),
		framesDelivered: provider.Counter("broker_frames_delivered_total"),
		framesDropped:   provider.Counter("broker_frames_dropped_total"),
		protocolErrors:  provider.Counter("broker_protocol_errors_total"),
	}
}

func (m *BrokerMetrics) RecordConnectionStart(ctx context.Context, active int) {
	if m == nil {
		return
	}
	m.totalSessions.Add(ctx, 1)
	m.activeSessions.Set(ctx, float64(active))
}

func (m *BrokerMetrics) RecordConnectionEnd(ctx context.Context, active int, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Set(ctx, float64(active))
	m.sessionDuration.Record(ctx, duration.Seconds())
}

func (m *BrokerMetrics) RecordConnectionError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.L("reason", reason))
}

func (m *BrokerMetrics) RecordFrameReceived(ctx context.Context, command string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.L("command", command))
}

func (m *BrokerMetrics) RecordDelivered(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesDelivered.Add(ctx, int64(n))
}

func (m *BrokerMetrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.framesDropped.Add(ctx, 1)
}

func (m *BrokerMetrics) RecordProtocolError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1, o11y.L("reason", reason))
}
