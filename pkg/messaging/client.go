// Package messaging holds the types shared by the StageConnect real-time
// messaging packages: the client contract and its event model.
package messaging

import (
	"context"
	"strconv"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

// Application destinations and topics of the chat sub-protocol.
const (
	DestinationJoin      = "/app/chat.join"
	DestinationSend      = "/app/chat.sendMessage"
	DestinationTyping    = "/app/chat.typing"
	DestinationRead      = "/app/chat.read"
	DestinationHeartbeat = "/app/chat.heartbeat"

	UserTopicPrefix = "/topic/user/"
)

// UserTopic returns the private topic of the given user.
func UserTopic(userID int64) string {
	return UserTopicPrefix + strconv.FormatInt(userID, 10)
}

// State is the connection state of a client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives envelopes delivered to a subscribed destination.
type Handler func(destination string, env envelope.Envelope)

// Subscription is a handle on an active destination subscription.
type Subscription interface {
	ID() string
	Destination() string
	Unsubscribe() error
}

// Client is the messaging connection used by the UI layer.
type Client interface {
	Connect(ctx context.Context, userID string, token string) error
	Disconnect() error
	IsConnected() bool

	Subscribe(destination string, handler Handler) Subscription

	Send(ctx context.Context, destination string, draft envelope.Draft) error
	SendMessage(ctx context.Context, draft envelope.Draft) error

	OnEvent(listener Listener) (remove func())
}
