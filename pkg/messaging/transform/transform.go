// Package transform filters and reshapes received envelopes before they are
// printed or handed on.
package transform

import (
	"slices"

	"github.com/amir-yaghoubi/mqttpattern"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

// Message is a received envelope on its way through a transform chain. Payload
// starts out as the envelope.Envelope itself and may be replaced by any value.
type Message struct {
	Destination string
	Payload     any
}

// FromEnvelope wraps a received envelope.
func FromEnvelope(destination string, env envelope.Envelope) Message {
	return Message{Destination: destination, Payload: env}
}

// Func transforms a message.
//
// Returns:
//   - Message: the transformed message
//   - bool: false to drop the message
type Func func(msg Message) (Message, bool)

// DropDestination drops messages whose destination matches the given
// MQTT-style pattern, e.g. "/topic/user/+".
func DropDestination(pattern string) Func {
	return func(msg Message) (Message, bool) {
		if mqttpattern.Matches(pattern, msg.Destination) {
			return Message{}, false
		}
		return msg, true
	}
}

// OnlyTypes keeps envelopes of the given types. Messages whose payload is no
// longer an envelope pass through.
func OnlyTypes(types ...envelope.MessageType) Func {
	return func(msg Message) (Message, bool) {
		env, ok := msg.Payload.(envelope.Envelope)
		if !ok || slices.Contains(types, env.Type) {
			return msg, true
		}
		return Message{}, false
	}
}

// PayloadFunc replaces a payload. Fields holds the named wildcards of the
// pattern it was registered with. Returning nil drops the message.
type PayloadFunc func(payload any, fields map[string]string) any

// OnDestination applies fn to messages whose destination matches pattern,
// extracting named wildcards such as "/topic/user/+userId".
func OnDestination(pattern string, fn PayloadFunc) Func {
	return func(msg Message) (Message, bool) {
		if !mqttpattern.Matches(pattern, msg.Destination) {
			return msg, true
		}

		payload := fn(msg.Payload, mqttpattern.Extract(pattern, msg.Destination))
		if payload == nil {
			return Message{}, false
		}
		return Message{Destination: msg.Destination, Payload: payload}, true
	}
}

// Chain combines transforms, stopping at the first one that drops the
// message.
func Chain(transforms ...Func) Func {
	return func(msg Message) (Message, bool) {
		for _, transform := range transforms {
			var keep bool
			if msg, keep = transform(msg); !keep {
				return Message{}, false
			}
		}
		return msg, true
	}
}
