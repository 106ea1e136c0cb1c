package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/stomp"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
)

const wait = 3 * time.Second

func startBroker(t *testing.T, configure ...func(*ListenerConfig)) (*Listener, *httptest.Server) {
	t.Helper()

	cfg := NewListenerConfig().WithLogger(zaptest.NewLogger(t)).WithPingInterval(0)
	for _, fn := range configure {
		fn(cfg)
	}
	listener, err := cfg.Build()
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", listener.ServeWebsocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return listener, srv
}

type inbox struct {
	mu       sync.Mutex
	messages []envelope.Envelope
}

func (i *inbox) listen(ev messaging.Event) {
	if msg, ok := ev.(messaging.MessageReceived); ok {
		i.mu.Lock()
		i.messages = append(i.messages, msg.Envelope)
		i.mu.Unlock()
	}
}

func (i *inbox) snapshot() []envelope.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]envelope.Envelope, len(i.messages))
	copy(out, i.messages)
	return out
}

func connectUser(t *testing.T, l *Listener, srv *httptest.Server, userID string) (*client.Client, *inbox) {
	t.Helper()

	url, err := client.EndpointURL(srv.URL)
	require.NoError(t, err)

	c, err := client.NewClient().
		WithURL(url).
		WithLogger(zaptest.NewLogger(t).Named("user-" + userID)).
		Build()
	require.NoError(t, err)

	box := &inbox{}
	c.OnEvent(box.listen)
	t.Cleanup(func() { c.Disconnect() })

	require.NoError(t, c.Connect(context.Background(), userID, "token-"+userID))

	id, _ := c.UserID()
	require.Eventually(t, func() bool {
		p, ok := l.Presence(id)
		return ok && p.Online
	}, wait, 10*time.Millisecond, "user %s never joined", userID)

	return c, box
}

func TestListenerConfig(t *testing.T) {
	_, err := NewListenerConfig().Build()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Logger")

	l, err := NewListenerConfig().WithLogger(zap.NewNop()).WithQueueSize(-1).Build()
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, l.config.queueSize)
	assert.Equal(t, DefaultReadTimeout, l.config.readTimeout)
}

func TestChatBetweenTwoUsers(t *testing.T) {
	listener, srv := startBroker(t)

	alice, aliceInbox := connectUser(t, listener, srv, "3")
	_, bobInbox := connectUser(t, listener, srv, "7")
	assert.Equal(t, 2, listener.SessionCount())

	require.NoError(t, alice.SendMessage(context.Background(), envelope.Draft{
		ReceiverID: 7,
		Content:    envelope.Text("hello bob"),
	}))

	require.Eventually(t, func() bool { return len(bobInbox.snapshot()) == 1 }, wait, 10*time.Millisecond)
	got := bobInbox.snapshot()[0]
	assert.Equal(t, envelope.TypeChat, got.Type)
	assert.Equal(t, int64(3), got.SenderID)
	assert.Equal(t, int64(7), got.ReceiverID)
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, "3_7", got.ConversationID)

	// the sender gets its own copy on its private topic
	require.Eventually(t, func() bool { return len(aliceInbox.snapshot()) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, "3_7", aliceInbox.snapshot()[0].ConversationID)
}

func TestTypingGoesToReceiverOnly(t *testing.T) {
	listener, srv := startBroker(t)

	alice, aliceInbox := connectUser(t, listener, srv, "3")
	_, bobInbox := connectUser(t, listener, srv, "7")

	require.NoError(t, alice.SendTyping(context.Background(), 7))

	require.Eventually(t, func() bool { return len(bobInbox.snapshot()) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, envelope.TypeTyping, bobInbox.snapshot()[0].Type)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, aliceInbox.snapshot())
}

func TestPresence(t *testing.T) {
	listener, srv := startBroker(t)

	_, ok := listener.Presence(3)
	assert.False(t, ok)

	alice, _ := connectUser(t, listener, srv, "3")

	p, ok := listener.Presence(3)
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.False(t, p.LastSeen.IsZero())

	require.NoError(t, alice.Disconnect())
	require.Eventually(t, func() bool {
		p, _ := listener.Presence(3)
		return !p.Online
	}, wait, 10*time.Millisecond)
	require.Eventually(t, func() bool { return listener.SessionCount() == 0 }, wait, 10*time.Millisecond)
}

func TestTokenValidator(t *testing.T) {
	listener, srv := startBroker(t, func(c *ListenerConfig) {
		c.WithTokenValidator(func(ctx context.Context, token string) error {
			if token != "token-3" {
				return errors.New("unknown token")
			}
			return nil
		})
	})

	connectUser(t, listener, srv, "3")

	url, err := client.EndpointURL(srv.URL)
	require.NoError(t, err)
	c, err := client.NewClient().WithURL(url).WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })

	err = c.Connect(context.Background(), "7", "forged")
	var perr *client.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "authentication failed", perr.Message)
	assert.False(t, c.IsConnected())
}

func TestShutdown(t *testing.T) {
	listener, srv := startBroker(t)

	alice, _ := connectUser(t, listener, srv, "3")

	disconnected := make(chan error, 1)
	alice.OnEvent(func(ev messaging.Event) {
		if d, ok := ev.(messaging.Disconnected); ok {
			select {
			case disconnected <- d.Err:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, listener.Shutdown(ctx))
	assert.Equal(t, 0, listener.SessionCount())

	select {
	case err := <-disconnected:
		assert.Error(t, err, "a server going away is not a clean close")
	case <-time.After(wait):
		t.Fatal("client did not notice shutdown")
	}
	assert.False(t, alice.IsConnected())
}

func TestProtocolErrors(t *testing.T) {
	_, srv := startBroker(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	dial := func(t *testing.T) *websocket.Conn {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			Subprotocols: []string{stomp.SubProtocol},
		})
		require.NoError(t, err)
		t.Cleanup(func() { conn.CloseNow() })
		return conn
	}

	readFrame := func(t *testing.T, conn *websocket.Conn) stomp.Frame {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		frame, err := stomp.Decode(data)
		require.NoError(t, err)
		return frame
	}

	write := func(t *testing.T, conn *websocket.Conn, f stomp.Frame) {
		require.NoError(t, conn.Write(context.Background(), websocket.MessageText, stomp.Encode(f)))
	}

	t.Run("frame before CONNECT", func(t *testing.T) {
		conn := dial(t)
		write(t, conn, stomp.NewSend("/app/chat.sendMessage", stomp.ContentTypeJSON, []byte(`{}`)))

		frame := readFrame(t, conn)
		assert.Equal(t, stomp.CommandError, frame.Command)
		assert.Equal(t, "not connected", frame.Get(stomp.HeaderMessage))
	})

	t.Run("invalid envelope", func(t *testing.T) {
		conn := dial(t)
		write(t, conn, stomp.NewConnect("localhost", "", "", ""))
		assert.Equal(t, stomp.CommandConnected, readFrame(t, conn).Command)

		write(t, conn, stomp.NewSend("/app/chat.sendMessage", stomp.ContentTypeJSON, []byte(`not json`)))
		frame := readFrame(t, conn)
		assert.Equal(t, stomp.CommandError, frame.Command)
		assert.Equal(t, "invalid envelope", frame.Get(stomp.HeaderMessage))
	})

	t.Run("receipt and fan-out", func(t *testing.T) {
		conn := dial(t)
		write(t, conn, stomp.NewConnect("localhost", "", "", ""))
		assert.Equal(t, stomp.CommandConnected, readFrame(t, conn).Command)

		sub := stomp.NewSubscribe("sub-1", "/topic/rooms/+")
		sub.Add(stomp.HeaderReceipt, "r-1")
		write(t, conn, sub)
		receipt := readFrame(t, conn)
		assert.Equal(t, stomp.CommandReceipt, receipt.Command)
		assert.Equal(t, "r-1", receipt.Get(stomp.HeaderReceiptID))

		write(t, conn, stomp.NewSend("/topic/rooms/lobby", "text/plain", []byte("anyone here?")))
		msg := readFrame(t, conn)
		assert.Equal(t, stomp.CommandMessage, msg.Command)
		assert.Equal(t, "sub-1", msg.Get(stomp.HeaderSubscription))
		assert.Equal(t, "/topic/rooms/lobby", msg.Get(stomp.HeaderDestination))
		assert.Equal(t, "anyone here?", string(msg.Body))
	})
}

func TestSessionIdentity(t *testing.T) {
	_, srv := startBroker(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	read := func(t *testing.T, conn *websocket.Conn) stomp.Frame {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		reply, err := stomp.Decode(data)
		require.NoError(t, err)
		return reply
	}

	exchange := func(t *testing.T, conn *websocket.Conn, f stomp.Frame) stomp.Frame {
		require.NoError(t, conn.Write(context.Background(), websocket.MessageText, stomp.Encode(f)))
		return read(t, conn)
	}

	connect := func(t *testing.T, login string) (*websocket.Conn, stomp.Frame) {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			Subprotocols: []string{stomp.SubProtocol},
		})
		require.NoError(t, err)
		t.Cleanup(func() { conn.CloseNow() })

		return conn, exchange(t, conn, stomp.NewConnect("localhost", login, "", ""))
	}

	subscribe := func(id, destination string) stomp.Frame {
		f := stomp.NewSubscribe(id, destination)
		f.Add(stomp.HeaderReceipt, "r-"+id)
		return f
	}

	chatFrom := func(t *testing.T, sender int64) stomp.Frame {
		body, err := envelope.Encode(envelope.Envelope{
			Type:       envelope.TypeChat,
			SenderID:   sender,
			ReceiverID: 7,
			Content:    "hi",
			Timestamp:  time.Now(),
		})
		require.NoError(t, err)
		return stomp.NewSend(messaging.DestinationSend, stomp.ContentTypeJSON, body)
	}

	t.Run("bound session", func(t *testing.T) {
		conn, reply := connect(t, "3")
		require.Equal(t, stomp.CommandConnected, reply.Command)

		receipt := exchange(t, conn, subscribe("own", "/topic/user/3"))
		assert.Equal(t, "r-own", receipt.Get(stomp.HeaderReceiptID))

		for _, destination := range []string{"/topic/user/7", "/topic/user/+", "/topic/#", "/+/user/7"} {
			reply := exchange(t, conn, subscribe("x", destination))
			assert.Equal(t, stomp.CommandError, reply.Command, destination)
			assert.Equal(t, "forbidden", reply.Get(stomp.HeaderMessage), destination)
		}

		reply = exchange(t, conn, chatFrom(t, 7))
		assert.Equal(t, stomp.CommandError, reply.Command)
		assert.Equal(t, "sender mismatch", reply.Get(stomp.HeaderMessage))

		// the session survives rejected frames
		assert.Equal(t, stomp.CommandReceipt, exchange(t, conn, subscribe("rooms", "/topic/rooms/+")).Command)
	})

	t.Run("unbound session", func(t *testing.T) {
		conn, reply := connect(t, "")
		require.Equal(t, stomp.CommandConnected, reply.Command)

		reply = exchange(t, conn, subscribe("x", "/topic/user/3"))
		assert.Equal(t, "forbidden", reply.Get(stomp.HeaderMessage))

		reply = exchange(t, conn, chatFrom(t, 3))
		assert.Equal(t, "not identified", reply.Get(stomp.HeaderMessage))
	})

	t.Run("invalid login", func(t *testing.T) {
		_, reply := connect(t, "three")
		assert.Equal(t, stomp.CommandError, reply.Command)
		assert.Equal(t, "invalid login", reply.Get(stomp.HeaderMessage))
	})
}

func TestForeignPrivateTopic(t *testing.T) {
	bound := &session{userID: 3, hasUser: true}
	unbound := &session{}

	for _, tc := range []struct {
		s           *session
		destination string
		want        bool
	}{
		{bound, "/topic/user/3", false},
		{bound, "/+/user/3", false},
		{bound, "/topic/user/7", true},
		{bound, "/topic/user/+", true},
		{bound, "/topic/+/7", true},
		{bound, "/topic/#", true},
		{bound, "/topic/rooms/lobby", false},
		{bound, "/topic/rooms/+", false},
		{unbound, "/topic/user/3", true},
		{unbound, "/topic/user/0", true},
		{unbound, "/topic/rooms/+", false},
	} {
		assert.Equal(t, tc.want, tc.s.foreignPrivateTopic(tc.destination), "%s (bound=%v)", tc.destination, tc.s.hasUser)
	}
}

func TestRouterMatching(t *testing.T) {
	newTestSession := func() *session {
		return &session{
			listener: &Listener{},
			logger:   zap.NewNop(),
			outbound: make(chan []byte, 8),
			done:     make(chan struct{}),
		}
	}

	r := newRouter()
	exact, wildcard, other := newTestSession(), newTestSession(), newTestSession()
	r.subscribe(exact, "a", "/topic/user/7")
	r.subscribe(wildcard, "b", "/topic/user/#")
	r.subscribe(other, "c", "/topic/user/8")

	assert.Equal(t, 2, r.publish("/topic/user/7", stomp.ContentTypeJSON, []byte(`{}`)))
	assert.Len(t, exact.outbound, 1)
	assert.Len(t, wildcard.outbound, 1)
	assert.Len(t, other.outbound, 0)

	assert.True(t, r.unsubscribe(wildcard, "b"))
	assert.False(t, r.unsubscribe(wildcard, "b"))
	assert.Equal(t, 1, r.publish("/topic/user/7", stomp.ContentTypeJSON, []byte(`{}`)))

	r.drop(exact)
	assert.Zero(t, r.subscriptions(exact))
	assert.Equal(t, 0, r.publish("/topic/user/7", stomp.ContentTypeJSON, []byte(`{}`)))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("  Bearer abc "))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken(""))
}
