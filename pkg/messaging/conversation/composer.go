package conversation

import (
	"context"
	"strings"
	"sync"
)

// SendFunc delivers composed content to a conversation.
type SendFunc func(ctx context.Context, conversationID, content string) error

// Composer holds the text being typed into a conversation.
type Composer struct {
	send SendFunc

	mu    sync.Mutex
	input string
}

func NewComposer(send SendFunc) *Composer {
	return &Composer{send: send}
}

func (c *Composer) SetInput(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = s
}

func (c *Composer) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Submit sends the current input to conversationID and clears it. Blank
// input is ignored and Submit returns false. When sending fails the input
// is kept so it can be retried.
//
// The input is sent as typed; only the emptiness check trims it.
func (c *Composer) Submit(ctx context.Context, conversationID string) (bool, error) {
	c.mu.Lock()
	content := c.input
	c.mu.Unlock()

	if strings.TrimSpace(content) == "" {
		return false, nil
	}

	if err := c.send(ctx, conversationID, content); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.input == content {
		c.input = ""
	}
	c.mu.Unlock()
	return true, nil
}
