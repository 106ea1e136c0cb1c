package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
	"github.com/stageconnect/messaging/pkg/messaging/stomp"
)

// Send normalizes draft and sends it to destination. Sends are fire and
// forget: nil means the frame was queued, not that the server received it.
//
// Ids that cannot be coerced are sent as participant 0 with a warning,
// unless the client was built with strict envelopes, in which case the
// *envelope.InvalidEnvelopeError is returned and nothing is sent.
func (c *Client) Send(ctx context.Context, destination string, draft envelope.Draft) error {
	c.mu.Lock()
	s := c.session
	userID := c.userID
	c.mu.Unlock()

	if s == nil {
		c.metrics.RecordSendError(ctx, "not_connected")
		return ErrNotConnected
	}

	env, err := envelope.Normalize(draft, envelope.Defaults{UserID: userID, Now: c.clock.Now})
	if err != nil {
		if c.strict {
			c.metrics.RecordSendError(ctx, "invalid")
			return err
		}
		c.logger.Warn("Sending envelope with unknown participant",
			zap.String("destination", destination), zap.Error(err))
	}

	if c.limiter != nil {
		if env.Type == envelope.TypeTyping {
			if !c.limiter.Allow() {
				c.logger.Debug("Dropping rate limited typing indicator")
				return nil
			}
		} else if err := c.limiter.Wait(ctx); err != nil {
			c.metrics.RecordSendError(ctx, "rate_limited")
			return fmt.Errorf("send rate limit: %w", err)
		}
	}

	body, err := envelope.Encode(env)
	if err != nil {
		c.metrics.RecordSendError(ctx, "encode")
		return err
	}

	frame := stomp.NewSend(destination, stomp.ContentTypeJSON, body)
	if err := c.enqueue(s, stomp.Encode(frame)); err != nil {
		c.metrics.RecordSendError(ctx, "queue")
		return err
	}

	c.metrics.RecordSent(ctx, env.Type)
	return nil
}

// SendMessage sends a chat message.
func (c *Client) SendMessage(ctx context.Context, draft envelope.Draft) error {
	if draft.Type == "" {
		draft.Type = envelope.TypeChat
	}
	return c.Send(ctx, messaging.DestinationSend, draft)
}

// SendTyping tells receiverID that the local user is typing.
func (c *Client) SendTyping(ctx context.Context, receiverID int64) error {
	return c.Send(ctx, messaging.DestinationTyping, envelope.Draft{
		Type:       envelope.TypeTyping,
		ReceiverID: receiverID,
	})
}

// SendRead marks the conversation with receiverID as read.
func (c *Client) SendRead(ctx context.Context, receiverID int64, conversationID string) error {
	return c.Send(ctx, messaging.DestinationRead, envelope.Draft{
		Type:           envelope.TypeRead,
		ReceiverID:     receiverID,
		ConversationID: conversationID,
	})
}

// SendJoin announces the local user's presence.
func (c *Client) SendJoin(ctx context.Context) error {
	return c.Send(ctx, messaging.DestinationJoin, envelope.Draft{Type: envelope.TypeJoin})
}

// SendHeartbeat sends a liveness envelope.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	return c.Send(ctx, messaging.DestinationHeartbeat, envelope.Draft{Type: envelope.TypeHeartbeat})
}
