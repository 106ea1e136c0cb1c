package conversation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

// PartnerPresence is what the local user knows about a partner, as seen
// from the envelopes the partner sent.
type PartnerPresence struct {
	Online   bool
	LastSeen time.Time
	Typing   bool
	// ReadAt is when the partner last marked the conversation read.
	ReadAt time.Time
}

// Conversation is the local view of the exchange with one partner.
type Conversation struct {
	ID        string
	PartnerID int64
	Messages  []envelope.Envelope
	Unread    int
	Partner   PartnerPresence
}

// LastActivity is the timestamp of the newest message, or the zero time.
func (c Conversation) LastActivity() time.Time {
	if len(c.Messages) == 0 {
		return time.Time{}
	}
	return c.Messages[len(c.Messages)-1].Timestamp
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = slices.Clone(c.Messages)
	return out
}

// EventSource is anything that emits client events.
type EventSource interface {
	OnEvent(listener messaging.Listener) (remove func())
}

// Sender sends chat messages.
type Sender interface {
	SendMessage(ctx context.Context, draft envelope.Draft) error
}

// Store keeps the conversations of one session in memory, keyed by
// conversation id. It is safe for concurrent use.
type Store struct {
	localUserID int64
	logger      *zap.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewStore(localUserID int64, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		localUserID:   localUserID,
		logger:        logger,
		conversations: make(map[string]*Conversation),
	}
}

// Open returns the conversation with partnerID, creating it if needed.
func (s *Store) Open(partnerID int64) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation(envelope.ConversationIDFor(s.localUserID, partnerID), partnerID).clone()
}

// conversation returns the conversation id, creating it. Callers hold s.mu.
func (s *Store) conversation(id string, partnerID int64) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id, PartnerID: partnerID}
		s.conversations[id] = c
	}
	return c
}

// Apply folds an envelope into the store and returns the updated
// conversation. Envelopes that do not involve the local user are ignored.
func (s *Store) Apply(env envelope.Envelope) (Conversation, bool) {
	if env.SenderID != s.localUserID && env.ReceiverID != s.localUserID {
		return Conversation{}, false
	}

	partnerID := env.PartnerOf(s.localUserID)
	id := env.ConversationID
	if id == "" {
		id = envelope.ConversationIDFor(env.SenderID, env.ReceiverID)
	}
	fromPartner := env.SenderID == partnerID && partnerID != s.localUserID

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conversation(id, partnerID)

	if fromPartner {
		c.Partner.Online = true
		if env.Timestamp.After(c.Partner.LastSeen) {
			c.Partner.LastSeen = env.Timestamp
		}
	}

	switch env.Type {
	case envelope.TypeChat:
		i := sort.Search(len(c.Messages), func(i int) bool {
			return c.Messages[i].Timestamp.After(env.Timestamp)
		})
		c.Messages = slices.Insert(c.Messages, i, env)
		if fromPartner {
			c.Unread++
			c.Partner.Typing = false
		}

	case envelope.TypeTyping:
		if fromPartner {
			c.Partner.Typing = true
		}

	case envelope.TypeRead:
		if fromPartner {
			c.Partner.ReadAt = env.Timestamp
		}
	}

	return c.clone(), true
}

// MarkRead clears the unread count of a conversation and returns how many
// messages were unread.
func (s *Store) MarkRead(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return 0
	}
	n := c.Unread
	c.Unread = 0
	return n
}

func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// List returns every conversation, most recently active first.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Attach applies every envelope received by source until the returned
// function is called.
func (s *Store) Attach(source EventSource) (detach func()) {
	return source.OnEvent(func(ev messaging.Event) {
		msg, ok := ev.(messaging.MessageReceived)
		if !ok {
			return
		}
		if _, applied := s.Apply(msg.Envelope); !applied {
			s.logger.Debug("Ignoring envelope for another user",
				zap.Int64("senderId", msg.Envelope.SenderID),
				zap.Int64("receiverId", msg.Envelope.ReceiverID),
			)
		}
	})
}

// PartnerFromID extracts the partner of localUserID from a canonical
// conversation id.
func PartnerFromID(conversationID string, localUserID int64) (int64, error) {
	lo, hi, ok := strings.Cut(conversationID, "_")
	if !ok {
		return 0, fmt.Errorf("malformed conversation id %q", conversationID)
	}

	a, errA := strconv.ParseInt(lo, 10, 64)
	b, errB := strconv.ParseInt(hi, 10, 64)
	if errA != nil || errB != nil {
		return 0, fmt.Errorf("malformed conversation id %q", conversationID)
	}

	switch localUserID {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return 0, fmt.Errorf("user %d is not part of conversation %q", localUserID, conversationID)
}

// SendVia returns a SendFunc that sends chat messages through sender on
// behalf of localUserID.
func SendVia(sender Sender, localUserID int64) SendFunc {
	return func(ctx context.Context, conversationID, content string) error {
		partnerID, err := PartnerFromID(conversationID, localUserID)
		if err != nil {
			return err
		}
		return sender.SendMessage(ctx, envelope.Draft{
			Type:           envelope.TypeChat,
			ReceiverID:     partnerID,
			Content:        envelope.Text(content),
			ConversationID: conversationID,
		})
	}
}
