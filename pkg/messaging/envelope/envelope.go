// Package envelope defines the chat envelope exchanged over the StageConnect
// real-time channel and the rules used to make outbound envelopes well formed.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates chat and control envelopes.
type MessageType string

const (
	TypeChat      MessageType = "CHAT"
	TypeJoin      MessageType = "JOIN"
	TypeTyping    MessageType = "TYPING"
	TypeRead      MessageType = "READ"
	TypeHeartbeat MessageType = "HEARTBEAT"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeChat, TypeJoin, TypeTyping, TypeRead, TypeHeartbeat:
		return true
	}
	return false
}

// NeedsReceiver reports whether envelopes of this type are addressed to a
// single partner.
func (t MessageType) NeedsReceiver() bool {
	return t == TypeChat || t == TypeTyping || t == TypeRead
}

// Envelope is a single, fully populated chat or control message.
type Envelope struct {
	Type           MessageType `json:"type"`
	SenderID       int64       `json:"senderId"`
	ReceiverID     int64       `json:"receiverId"`
	Content        string      `json:"content"`
	ConversationID string      `json:"conversationId"`
	Timestamp      time.Time   `json:"timestamp"`
}

// PartnerOf returns the participant of the envelope that is not localID.
func (e Envelope) PartnerOf(localID int64) int64 {
	if e.SenderID == localID {
		return e.ReceiverID
	}
	return e.SenderID
}

// Encode marshals the envelope to its JSON wire form.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// wireEnvelope mirrors Envelope with loosely typed fields, since peers are
// not consistent about sending ids as numbers or strings.
type wireEnvelope struct {
	Type           MessageType `json:"type"`
	SenderID       any         `json:"senderId"`
	ReceiverID     any         `json:"receiverId"`
	Content        *string     `json:"content"`
	ConversationID *string     `json:"conversationId"`
	Timestamp      any         `json:"timestamp"`
}

// Decode parses an inbound envelope. Missing fields are filled in the same
// way Normalize fills them, except that the sender has no default.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	d := Draft{
		Type:       w.Type,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		Content:    w.Content,
		Timestamp:  parseTimestamp(w.Timestamp),
	}
	if w.ConversationID != nil {
		d.ConversationID = *w.ConversationID
	}

	env, _ := Normalize(d, Defaults{})
	return env, nil
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t
			}
		}
	case float64:
		return time.UnixMilli(int64(ts))
	}
	return time.Time{}
}
