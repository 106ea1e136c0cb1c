package subutils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

func TestLoggingListener(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	var forwarded []messaging.EventKind
	l := NewNamedLoggingListener(func(ev messaging.Event) {
		forwarded = append(forwarded, ev.Kind())
	}, logger, zap.InfoLevel, "cli")

	l.Listen(messaging.Connected{UserID: 3})
	l.Listen(messaging.MessageReceived{
		Destination: "/topic/user/3",
		Envelope:    envelope.Envelope{Type: envelope.TypeChat, SenderID: 7, ConversationID: "3_7"},
	})
	l.Listen(messaging.Failed{Err: errors.New("boom")})

	assert.Equal(t, []messaging.EventKind{messaging.KindConnected, messaging.KindMessage, messaging.KindError}, forwarded)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "cli", entries[0].ContextMap()["listener"])
	assert.Equal(t, int64(3), entries[0].ContextMap()["userId"])
	assert.Equal(t, "3_7", entries[1].ContextMap()["conversationId"])
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
}

func TestLoggingListenerStandalone(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	l := NewLoggingListener(nil, zap.New(core), zap.DebugLevel)
	l.Listen(messaging.Disconnected{})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "DISCONNECTED", logs.All()[0].ContextMap()["kind"])
	assert.Equal(t, "LoggingListener", logs.All()[0].ContextMap()["listener"])
}
