// Package chatview drives one participant's view of one conversation at a
// time: validity gating, live messages, the other side's typing flag, read
// receipts and the local typing debounce.
package chatview

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/logger"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"github.com/servimatch/MarketplaceBack/internal/services"
)

const (
	DefaultQuietPeriod   = time.Second
	DefaultTypingRefresh = 5 * time.Second
)

var (
	ErrNotMounted = errors.New("chatview: no valid conversation mounted")
	ErrClosed     = errors.New("chatview: controller closed")
)

type Directory interface {
	Open(ctx context.Context, conversationID, viewerID string) (*models.Conversation, error)
}

type Messages interface {
	Subscribe(conversationID string) *realtime.Feed[[]models.ChatMessage]
	Send(ctx context.Context, conversationID, senderID, text string, attachment ...services.Attachment) (*models.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID, messageID, readerID string) error
}

type Typing interface {
	SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) error
	Observe(conversationID, participantID string) *realtime.Feed[bool]
}

type Identities interface {
	Resolve(ctx context.Context, userID string) models.Identity
}

type Deps struct {
	Directory  Directory
	Messages   Messages
	Typing     Typing
	Identities Identities
}

type Options struct {
	// QuietPeriod is how long after the last keystroke the typing flag is
	// cleared. Zero means DefaultQuietPeriod.
	QuietPeriod time.Duration
	// TypingRefresh is how often a held typing flag is rewritten while the
	// viewer keeps typing. Zero means DefaultTypingRefresh.
	TypingRefresh time.Duration
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// Controller is safe for concurrent use. Events must be drained by the
// owner; delivery blocks until the event is taken or the view scope ends.
type Controller struct {
	deps    Deps
	selfID  string
	quiet   time.Duration
	refresh time.Duration

	events chan Event
	done   chan struct{}

	// typingMu serializes typing writes so the stored flag converges on the
	// latest local state.
	typingMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	state          State
	conversationID string
	conversation   *models.Conversation
	otherID        string
	draft          string
	localTyping    bool
	typingWritten  time.Time
	typingTimer    *time.Timer
	typingGen      uint64
	scope          *scope
}

// scope owns everything started for one mounted conversation.
type scope struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	messages *realtime.Feed[[]models.ChatMessage]
	typing   *realtime.Feed[bool]
}

func New(deps Deps, selfID string, opts Options) *Controller {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.TypingRefresh <= 0 {
		opts.TypingRefresh = DefaultTypingRefresh
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 32
	}
	return &Controller{
		deps:    deps,
		selfID:  selfID,
		quiet:   opts.QuietPeriod,
		refresh: opts.TypingRefresh,
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Controller) Events() <-chan Event {
	return c.events
}

// Done is closed by Unmount.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Draft is the compose text kept after a failed submit.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Mount opens conversationID. otherHint, when set, is only used to render a
// header before the record is checked. Anything but a well formed
// conversation that includes the viewer leaves the view invalid; transient
// subscription failures leave it unknown so the caller may retry.
func (c *Controller) Mount(ctx context.Context, conversationID, otherHint string) (err error) {
	if err := c.teardown(); err != nil {
		return err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: conversationID,
		UserID:         c.selfID,
		Component:      "chatview",
	})
	ctx, finish := logger.StartSpan(ctx, "chatview.mount")
	defer func() { finish(err) }()

	c.mu.Lock()
	c.conversationID = conversationID
	c.state = StateUnknown
	c.mu.Unlock()
	c.emit(ctx, Event{Kind: EventState, ConversationID: conversationID, State: StateUnknown})

	if hint := strings.TrimSpace(otherHint); hint != "" && hint != c.selfID {
		identity := c.deps.Identities.Resolve(ctx, hint)
		c.emit(ctx, Event{Kind: EventIdentity, ConversationID: conversationID, Identity: &identity})
	}

	conversation, err := c.deps.Directory.Open(ctx, conversationID, c.selfID)
	if err != nil {
		c.mu.Lock()
		c.state = StateInvalid
		c.mu.Unlock()
		slog.InfoContext(ctx, "conversation rejected", "error", err)
		c.emit(ctx, Event{Kind: EventState, ConversationID: conversationID, State: StateInvalid, Reason: invalidReason(err)})
		return err
	}

	otherID := conversation.OtherParticipant(c.selfID)
	identity := c.deps.Identities.Resolve(ctx, otherID)

	sc, err := c.start(ctx, conversationID, otherID)
	if err != nil {
		slog.WarnContext(ctx, "conversation subscription failed", "error", err)
		return err
	}

	c.mu.Lock()
	if c.closed || c.conversationID != conversationID {
		c.mu.Unlock()
		close(sc.done)
		sc.stop()
		return ErrClosed
	}
	c.state = StateValid
	c.conversation = conversation
	c.otherID = otherID
	c.scope = sc
	c.mu.Unlock()

	c.emit(ctx, Event{Kind: EventState, ConversationID: conversationID, State: StateValid})
	c.emit(ctx, Event{Kind: EventIdentity, ConversationID: conversationID, Identity: &identity})
	go c.pump(sc, conversationID)
	return nil
}

// Switch leaves the current conversation and mounts another. The old
// subscriptions are stopped before the new ones start.
func (c *Controller) Switch(ctx context.Context, conversationID, otherHint string) error {
	return c.Mount(ctx, conversationID, otherHint)
}

// Unmount stops everything and closes Done. It is safe to call more than once.
func (c *Controller) Unmount() {
	_ = c.teardown()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Controller) start(ctx context.Context, conversationID, otherID string) (*scope, error) {
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc := &scope{
		ctx:      pumpCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		messages: c.deps.Messages.Subscribe(conversationID),
		typing:   c.deps.Typing.Observe(conversationID, otherID),
	}
	if err := sc.messages.Start(ctx); err != nil {
		cancel()
		sc.typing.Stop()
		close(sc.done)
		return nil, err
	}
	if err := sc.typing.Start(ctx); err != nil {
		// The typing flag is decorative; a view without it still works.
		slog.WarnContext(ctx, "typing subscription failed", "error", err)
	}
	return sc, nil
}

func (sc *scope) stop() {
	sc.cancel()
	sc.messages.Stop()
	sc.typing.Stop()
	<-sc.done
}

// teardown ends the current scope and clears a pending local typing flag.
func (c *Controller) teardown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sc := c.scope
	conversationID := c.conversationID
	wasTyping := c.localTyping
	c.scope = nil
	c.conversation = nil
	c.otherID = ""
	c.state = StateUnknown
	c.draft = ""
	c.localTyping = false
	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	if sc != nil {
		sc.stop()
	}
	if wasTyping && conversationID != "" {
		c.writeTyping(context.Background(), conversationID, false)
	}
	return nil
}

func (c *Controller) pump(sc *scope, conversationID string) {
	defer close(sc.done)

	ctx := sc.ctx
	messages := sc.messages.Updates()
	typing := sc.typing.Updates()
	for messages != nil || typing != nil {
		select {
		case <-ctx.Done():
			return
		case list, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			c.emit(ctx, Event{Kind: EventMessages, ConversationID: conversationID, Messages: list})
			c.acknowledge(ctx, conversationID, list)
		case isTyping, ok := <-typing:
			if !ok {
				typing = nil
				continue
			}
			c.emit(ctx, Event{Kind: EventTyping, ConversationID: conversationID, Typing: isTyping})
		}
	}
}

// acknowledge marks every unread message from the other side as read.
// Failures are logged; the next snapshot retries them.
func (c *Controller) acknowledge(ctx context.Context, conversationID string, list []models.ChatMessage) {
	for _, m := range list {
		if m.IsRead || m.SenderID == c.selfID {
			continue
		}
		if err := c.deps.Messages.MarkRead(ctx, conversationID, m.ID, c.selfID); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "mark read failed", "message_id", m.ID, "error", err)
		}
	}
}

func (c *Controller) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.done:
	}
}

func invalidReason(err error) string {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return "not_participant"
	case errors.Is(err, services.ErrInvalidConversation):
		return "invalid_conversation"
	default:
		return "unavailable"
	}
}
