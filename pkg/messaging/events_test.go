package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListeners(t *testing.T) {
	t.Run("emits in registration order", func(t *testing.T) {
		var l Listeners
		var got []string
		l.Add(func(ev Event) { got = append(got, "a:"+string(ev.Kind())) })
		l.Add(func(ev Event) { got = append(got, "b:"+string(ev.Kind())) })

		l.Emit(Connected{UserID: 3})
		assert.Equal(t, []string{"a:CONNECTED", "b:CONNECTED"}, got)
	})

	t.Run("remove deregisters only that listener", func(t *testing.T) {
		var l Listeners
		var a, b int
		removeA := l.Add(func(Event) { a++ })
		l.Add(func(Event) { b++ })

		l.Emit(Failed{Err: errors.New("x")})
		removeA()
		removeA()
		l.Emit(Disconnected{})

		assert.Equal(t, 1, a)
		assert.Equal(t, 2, b)
		assert.Equal(t, 1, l.Len())
	})

	t.Run("listener may remove itself while emitting", func(t *testing.T) {
		var l Listeners
		calls := 0
		var remove func()
		remove = l.Add(func(Event) {
			calls++
			remove()
		})

		l.Emit(Connected{})
		l.Emit(Connected{})
		assert.Equal(t, 1, calls)
	})
}

func TestEventKinds(t *testing.T) {
	assert.Equal(t, KindConnected, Connected{}.Kind())
	assert.Equal(t, KindDisconnected, Disconnected{}.Kind())
	assert.Equal(t, KindMessage, MessageReceived{}.Kind())
	assert.Equal(t, KindError, Failed{}.Kind())
}

func TestUserTopic(t *testing.T) {
	assert.Equal(t, "/topic/user/3", UserTopic(3))
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
