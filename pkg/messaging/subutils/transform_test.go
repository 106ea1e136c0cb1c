package subutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/transform"
)

func TestTransformingHandler(t *testing.T) {
	var got []transform.Message
	consume := func(msg transform.Message) { got = append(got, msg) }

	jq, err := transform.Jq(".content", nil)
	require.NoError(t, err)

	h := NewTransformingHandler(consume, transform.OnlyTypes(envelope.TypeChat), jq)

	h.Handle("/topic/user/3", envelope.Envelope{Type: envelope.TypeChat, SenderID: 7, ReceiverID: 3, Content: "hi"})
	h.Handle("/topic/user/3", envelope.Envelope{Type: envelope.TypeTyping, SenderID: 7, ReceiverID: 3})

	require.Len(t, got, 1)
	assert.Equal(t, "/topic/user/3", got[0].Destination)
	assert.Equal(t, "hi", got[0].Payload)
}

func TestTransformingHandlerWithoutTransforms(t *testing.T) {
	var got []transform.Message
	h := NewTransformingHandler(func(msg transform.Message) { got = append(got, msg) })

	env := envelope.Envelope{Type: envelope.TypeJoin, SenderID: 7}
	h.Handle("/topic/user/3", env)

	require.Len(t, got, 1)
	assert.Equal(t, env, got[0].Payload)
}

func TestTransformingHandlerBehindAsyncHandler(t *testing.T) {
	done := make(chan transform.Message, 1)
	h := NewTransformingHandler(func(msg transform.Message) { done <- msg }, transform.DropDestination("/topic/room/#"))

	async := NewAsyncHandler(h.Handle, 4).Start()
	defer async.Close()

	async.Handle("/topic/room/1", envelope.Envelope{Type: envelope.TypeChat})
	async.Handle("/topic/user/3", envelope.Envelope{Type: envelope.TypeChat, Content: "kept"})

	msg := <-done
	assert.Equal(t, "/topic/user/3", msg.Destination)
}
