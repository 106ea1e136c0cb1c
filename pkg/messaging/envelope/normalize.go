package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Defaulting rules applied by Normalize.
const (
	DefaultType                  = TypeChat
	DefaultContent               = ""
	UnknownParticipant     int64 = 0
	FallbackConversationID       = "0_0"
)

// Draft is a possibly partial envelope as produced by callers. Participant
// ids are raw values and are coerced to integers during normalization.
// A nil id or Content means the field is absent.
type Draft struct {
	Type           MessageType
	SenderID       any
	ReceiverID     any
	Content        *string
	ConversationID string
	Timestamp      time.Time
}

// Text returns a pointer to s, for filling Draft.Content.
func Text(s string) *string {
	return &s
}

// Defaults supplies the context dependent values used by Normalize.
type Defaults struct {
	// UserID is the local participant, used when the draft has no sender.
	UserID int64
	// Now returns the current time. time.Now is used when nil.
	Now func() time.Time
}

func (d Defaults) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// InvalidEnvelopeError lists the draft fields whose values could not be
// coerced. The envelope returned alongside it carries UnknownParticipant in
// those fields.
type InvalidEnvelopeError struct {
	Fields []string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("invalid envelope: non-numeric %s", strings.Join(e.Fields, ", "))
}

// IsInvalidEnvelope reports whether err is, or wraps, an InvalidEnvelopeError.
func IsInvalidEnvelope(err error) bool {
	var target *InvalidEnvelopeError
	return errors.As(err, &target)
}

// Normalize builds a fully populated envelope from d. It never modifies d.
//
// The returned envelope is always usable. When an id could not be coerced
// the error is an *InvalidEnvelopeError and the caller decides whether the
// envelope should still be sent.
func Normalize(d Draft, defaults Defaults) (Envelope, error) {
	var bad []string

	env := Envelope{
		Type:      d.Type,
		Content:   DefaultContent,
		Timestamp: d.Timestamp,
	}

	if env.Type == "" {
		env.Type = DefaultType
	}

	if d.SenderID == nil {
		env.SenderID = defaults.UserID
	} else if id, ok := CoerceID(d.SenderID); ok {
		env.SenderID = id
	} else {
		env.SenderID = UnknownParticipant
		bad = append(bad, "senderId")
	}

	if d.ReceiverID == nil {
		env.ReceiverID = UnknownParticipant
	} else if id, ok := CoerceID(d.ReceiverID); ok {
		env.ReceiverID = id
	} else {
		env.ReceiverID = UnknownParticipant
		bad = append(bad, "receiverId")
	}

	if d.Content != nil {
		env.Content = *d.Content
	}

	if missingConversationID(d.ConversationID) {
		env.ConversationID = ConversationIDFor(env.SenderID, env.ReceiverID)
	} else {
		env.ConversationID = d.ConversationID
	}

	if env.Timestamp.IsZero() {
		env.Timestamp = defaults.now()
	}

	if len(bad) > 0 {
		return env, &InvalidEnvelopeError{Fields: bad}
	}
	return env, nil
}

func missingConversationID(id string) bool {
	switch strings.TrimSpace(id) {
	case "", "null", "undefined":
		return true
	}
	return false
}

// CoerceID converts a raw participant id to an integer. Floats are
// truncated; strings must parse as finite numbers. Values outside the int64
// range are rejected.
func CoerceID(v any) (int64, bool) {
	switch id := v.(type) {
	case int:
		return int64(id), true
	case int32:
		return int64(id), true
	case int64:
		return id, true
	case uint:
		return unsignedID(uint64(id))
	case uint32:
		return int64(id), true
	case uint64:
		return unsignedID(id)
	case float32:
		return floatID(float64(id))
	case float64:
		return floatID(id)
	case json.Number:
		return stringID(id.String())
	case string:
		return stringID(id)
	case *int64:
		if id != nil {
			return *id, true
		}
	}
	return 0, false
}

func stringID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return floatID(f)
}

func unsignedID(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func floatID(f float64) (int64, bool) {
	// int64(f) is implementation defined outside [-2^63, 2^63)
	if math.IsNaN(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// DeriveConversationID returns the canonical id of the conversation between
// x and y: the smaller id first, joined by an underscore. It returns
// FallbackConversationID when either id is not a finite number.
func DeriveConversationID(x, y float64) string {
	if !isFinite(x) || !isFinite(y) {
		return FallbackConversationID
	}
	lo, hi := math.Min(x, y), math.Max(x, y)
	return strconv.FormatFloat(lo, 'f', -1, 64) + "_" + strconv.FormatFloat(hi, 'f', -1, 64)
}

// ConversationIDFor is DeriveConversationID for integer ids.
func ConversationIDFor(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + "_" + strconv.FormatInt(b, 10)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
