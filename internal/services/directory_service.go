package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/logger"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"go.opentelemetry.io/otel/attribute"
)

type CreateMode string

const (
	// CreateCheckThenCreate scans the caller's conversations and inserts when
	// none matches. Two concurrent callers can both insert.
	CreateCheckThenCreate CreateMode = "check_then_create"
	// CreatePairKey inserts keyed by the sorted participant pair; the store
	// keeps a single row per pair.
	CreatePairKey CreateMode = "pair_key"
)

type conversationStore interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	CreateIfAbsent(ctx context.Context, conversation *models.Conversation, pairKey string) (*models.Conversation, bool, error)
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	ListByParticipant(ctx context.Context, participantID string) ([]models.Conversation, error)
	ListSummaries(ctx context.Context, participantID string) ([]models.ConversationSummary, error)
	UpdateLastMessage(ctx context.Context, conversationID, text string, at time.Time) error
}

type conversationIDSource interface {
	ConversationID() string
}

type StartOption func(*models.Conversation)

// WithService records the service listing a conversation was started from.
func WithService(serviceID string) StartOption {
	return func(c *models.Conversation) {
		if id := strings.TrimSpace(serviceID); id != "" {
			c.ServiceID = &id
		}
	}
}

type ConversationDirectory struct {
	conversations conversationStore
	broker        realtime.Broker
	ids           conversationIDSource
	mode          CreateMode
}

func NewConversationDirectory(
	conversations conversationStore,
	broker realtime.Broker,
	ids conversationIDSource,
	mode CreateMode,
) *ConversationDirectory {
	if mode == "" {
		mode = CreateCheckThenCreate
	}
	return &ConversationDirectory{
		conversations: conversations,
		broker:        broker,
		ids:           ids,
		mode:          mode,
	}
}

// FindOrCreate returns the id of a conversation between selfID and otherID,
// creating one when none exists.
func (d *ConversationDirectory) FindOrCreate(
	ctx context.Context,
	selfID string,
	otherID string,
	opts ...StartOption,
) (id string, err error) {
	selfID, otherID = strings.TrimSpace(selfID), strings.TrimSpace(otherID)
	if selfID == "" || otherID == "" || selfID == otherID {
		return "", ErrInvalidArgument
	}

	ctx, finish := logger.StartSpan(ctx, "directory.find_or_create",
		attribute.String("user.id", selfID),
		attribute.String("create.mode", string(d.mode)),
	)
	defer func() { finish(err) }()

	candidate := &models.Conversation{
		ID:           d.ids.ConversationID(),
		Participants: []string{selfID, otherID},
	}
	for _, opt := range opts {
		opt(candidate)
	}

	if d.mode == CreatePairKey {
		conversation, created, err := d.conversations.CreateIfAbsent(ctx, candidate, models.PairKey(selfID, otherID))
		if err != nil {
			return "", unavailable("create conversation", err)
		}
		if created {
			d.announce(ctx, conversation)
		}
		return conversation.ID, nil
	}

	existing, err := d.conversations.ListByParticipant(ctx, selfID)
	if err != nil {
		return "", unavailable("list conversations", err)
	}
	for i := range existing {
		if existing[i].Validate() != nil {
			slog.DebugContext(ctx, "skipping malformed conversation", "conversation_id", existing[i].ID)
			continue
		}
		if existing[i].HasParticipant(selfID) && existing[i].HasParticipant(otherID) {
			return existing[i].ID, nil
		}
	}

	if err := d.conversations.Create(ctx, candidate); err != nil {
		return "", unavailable("create conversation", err)
	}
	d.announce(ctx, candidate)
	slog.InfoContext(ctx, "conversation created", "conversation_id", candidate.ID, "user_id", selfID)
	return candidate.ID, nil
}

// Get returns the raw record, malformed or not.
func (d *ConversationDirectory) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidConversation
	}
	conversation, err := d.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrInvalidConversation
		}
		return nil, unavailable("get conversation", err)
	}
	return conversation, nil
}

// Open returns the conversation only when it is well formed and viewerID is
// one of its participants.
func (d *ConversationDirectory) Open(ctx context.Context, conversationID, viewerID string) (*models.Conversation, error) {
	conversation, err := d.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := conversation.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConversation, err)
	}
	if !conversation.HasParticipant(viewerID) {
		return nil, ErrForbidden
	}
	return conversation, nil
}

// List is a one-shot snapshot of userID's conversations, most recent first.
// An empty userID yields an empty list.
func (d *ConversationDirectory) List(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if userID == "" {
		return []models.ConversationSummary{}, nil
	}
	summaries, err := d.conversations.ListSummaries(ctx, userID)
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	models.SortByLastActivity(summaries)
	return summaries, nil
}

// Watch returns an unstarted live listing for userID.
func (d *ConversationDirectory) Watch(userID string) *realtime.Feed[[]models.ConversationSummary] {
	return realtime.NewFeed(d.broker, realtime.TopicConversations(userID),
		func(ctx context.Context) ([]models.ConversationSummary, error) {
			return d.List(ctx, userID)
		},
		realtime.WithErrorHandler[[]models.ConversationSummary](func(err error) {
			slog.Warn("conversation listing reload failed", "user_id", userID, "error", err)
		}),
	)
}

// Participants resolves both sides of a valid conversation, in stored order.
func (d *ConversationDirectory) Participants(
	ctx context.Context,
	conversationID string,
	viewerID string,
	identities *IdentityResolver,
) ([]models.Identity, error) {
	conversation, err := d.Open(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return identities.ResolveMany(ctx, conversation.Participants), nil
}

func (d *ConversationDirectory) announce(ctx context.Context, conversation *models.Conversation) {
	for _, participant := range conversation.Participants {
		notify(ctx, d.broker, realtime.TopicConversations(participant))
	}
}

// notify publishes a change hint. Subscribers reload on their own, so a lost
// hint only delays a view until the next change.
func notify(ctx context.Context, broker realtime.Broker, topic string) {
	if broker == nil {
		return
	}
	if err := broker.Publish(ctx, topic, nil); err != nil {
		slog.WarnContext(ctx, "change notification failed", "topic", topic, "error", err)
	}
}
