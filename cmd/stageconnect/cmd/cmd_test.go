package cmd

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/stomp"
	"github.com/stageconnect/messaging/pkg/messaging/transform"
	"github.com/stageconnect/messaging/pkg/messaging/transport/transporttest"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
)

func TestListenTransforms(t *testing.T) {
	defer func() { listenTypes, listenJq = nil, "" }()

	listenTypes = []string{"chat", " read "}
	listenJq = ".content"

	transforms, err := listenTransforms(zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, transforms, 2)
	pipeline := transform.Chain(transforms...)

	env := envelope.Envelope{Type: envelope.TypeChat, SenderID: 7, ReceiverID: 3, Content: "hi", ConversationID: "3_7", Timestamp: time.Now()}
	msg, keep := pipeline(transform.FromEnvelope("/topic/user/3", env))
	require.True(t, keep)
	assert.Equal(t, "hi", msg.Payload)

	env.Type = envelope.TypeTyping
	_, keep = pipeline(transform.FromEnvelope("/topic/user/3", env))
	assert.False(t, keep)

	listenTypes = []string{"SHOUT"}
	_, err = listenTransforms(zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	defer func() { logLevel, debug = "info", false }()

	logLevel = "warn"
	logger, err := setupLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	debug = true
	logger, err = setupLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["listen"])
	assert.True(t, names["send"])
	assert.True(t, names["serve"])
}

func TestSubscribeOnConnectSurvivesReconnect(t *testing.T) {
	const wait = 2 * time.Second

	dialer := transporttest.NewDialer()
	clk := clock.NewMock()
	c, err := client.NewClient().
		WithURL("ws://chat.example.com/ws").
		WithLogger(zaptest.NewLogger(t)).
		WithDialer(dialer).
		WithClock(clk).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })

	remove := subscribeOnConnect(c, []string{"/topic/announcements"}, func(string, envelope.Envelope) {}, zaptest.NewLogger(t))
	defer remove()

	require.NoError(t, c.Connect(context.Background(), "3", ""))
	assert.Equal(t, 2, c.Subscriptions())

	dialer.Peer(0).Drop()
	require.Eventually(t, func() bool { return !c.IsConnected() }, wait, 5*time.Millisecond)

	clk.Add(client.DefaultReconnectDelay)
	require.Eventually(t, c.IsConnected, wait, 5*time.Millisecond)
	require.Equal(t, 2, dialer.Dials())
	assert.Equal(t, 2, c.Subscriptions())

	subscribed := func() []string {
		var out []string
		for _, f := range dialer.Peer(1).SeenCommand(stomp.CommandSubscribe) {
			out = append(out, f.Get(stomp.HeaderDestination))
		}
		return out
	}
	require.Eventually(t, func() bool {
		return slices.Contains(subscribed(), "/topic/announcements")
	}, wait, 5*time.Millisecond, "subscribed to %v", subscribed())
	assert.Contains(t, subscribed(), "/topic/user/3")
}
