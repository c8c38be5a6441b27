package chatview

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/services"
)

const typingWriteTimeout = 5 * time.Second

// Input records the current compose text. Non-blank text marks the viewer as
// typing and restarts the quiet timer; blank text clears the flag at once.
func (c *Controller) Input(ctx context.Context, text string) {
	c.mu.Lock()
	if c.closed || c.state != StateValid {
		c.mu.Unlock()
		return
	}
	c.draft = text
	conversationID := c.conversationID
	c.typingGen++
	gen := c.typingGen
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}

	if strings.TrimSpace(text) == "" {
		wasTyping := c.localTyping
		c.localTyping = false
		c.mu.Unlock()
		if wasTyping {
			c.writeTyping(ctx, conversationID, false)
		}
		return
	}

	// Rewrite a held flag before it ages past the observers' expiry.
	refresh := !c.localTyping || time.Since(c.typingWritten) > c.refresh
	c.localTyping = true
	c.typingTimer = time.AfterFunc(c.quiet, func() { c.quietElapsed(gen) })
	c.mu.Unlock()

	if refresh {
		c.writeTyping(ctx, conversationID, true)
	}
}

func (c *Controller) quietElapsed(gen uint64) {
	c.mu.Lock()
	if gen != c.typingGen || !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.typingTimer = nil
	conversationID := c.conversationID
	c.mu.Unlock()

	c.writeTyping(context.Background(), conversationID, false)
}

// Submit sends text as a message. Blank text does nothing. On success the
// draft is cleared and the typing flag is cleared immediately; on failure the
// draft keeps text and the error is returned.
func (c *Controller) Submit(ctx context.Context, text string, attachment ...services.Attachment) (*models.ChatMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	switch c.state {
	case StateValid:
	case StateInvalid:
		c.mu.Unlock()
		return nil, services.ErrInvalidConversation
	default:
		c.mu.Unlock()
		return nil, ErrNotMounted
	}
	conversationID := c.conversationID
	c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	message, err := c.deps.Messages.Send(ctx, conversationID, c.selfID, text, attachment...)
	if err != nil {
		c.mu.Lock()
		if c.conversationID == conversationID {
			c.draft = text
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	if c.conversationID != conversationID {
		c.mu.Unlock()
		return message, nil
	}
	c.draft = ""
	c.localTyping = false
	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	c.writeTyping(ctx, conversationID, false)
	return message, nil
}

// writeTyping stores the flag. Failures are logged and dropped.
func (c *Controller) writeTyping(ctx context.Context, conversationID string, isTyping bool) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	// A later call may have changed the local flag while this one waited.
	c.mu.Lock()
	if c.conversationID == conversationID && c.scope != nil {
		isTyping = c.localTyping
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), typingWriteTimeout)
	defer cancel()
	if err := c.deps.Typing.SetTyping(ctx, conversationID, c.selfID, isTyping); err != nil {
		slog.WarnContext(ctx, "typing write failed",
			"conversation_id", conversationID,
			"is_typing", isTyping,
			"error", err,
		)
		return
	}
	if isTyping {
		c.mu.Lock()
		c.typingWritten = time.Now()
		c.mu.Unlock()
	}
}
