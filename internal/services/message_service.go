package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/servimatch/MarketplaceBack/internal/logger"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"go.opentelemetry.io/otel/attribute"
)

type messageStore interface {
	Create(ctx context.Context, message *models.ChatMessage) error
	ListByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID, messageID, readerID string) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

type messageIDSource interface {
	MessageID() string
}

// Attachment is an already uploaded object referenced by a message.
type Attachment struct {
	ImageURL *string
	FileURL  *string
}

type attachmentVerifier interface {
	Verify(conversationID string, attachment Attachment) error
}

type MessageStream struct {
	conversations conversationStore
	messages      messageStore
	broker        realtime.Broker
	ids           messageIDSource
	attachments   attachmentVerifier
}

type MessageOption func(*MessageStream)

// WithAttachmentVerifier lets messages carry attachments that v accepts.
// Without it every attachment is rejected.
func WithAttachmentVerifier(v attachmentVerifier) MessageOption {
	return func(s *MessageStream) {
		s.attachments = v
	}
}

func NewMessageStream(
	conversations conversationStore,
	messages messageStore,
	broker realtime.Broker,
	ids messageIDSource,
	opts ...MessageOption,
) *MessageStream {
	s := &MessageStream{
		conversations: conversations,
		messages:      messages,
		broker:        broker,
		ids:           ids,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History is a one-shot read of the ordered message list.
func (s *MessageStream) History(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	messages, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	models.SortMessages(messages)
	return messages, nil
}

// Subscribe returns an unstarted feed of the full ordered message list. Any
// append or read flip in the conversation delivers the whole list again.
func (s *MessageStream) Subscribe(conversationID string) *realtime.Feed[[]models.ChatMessage] {
	return realtime.NewFeed(s.broker, realtime.TopicMessages(conversationID),
		func(ctx context.Context) ([]models.ChatMessage, error) {
			return s.History(ctx, conversationID)
		},
		realtime.WithErrorHandler[[]models.ChatMessage](func(err error) {
			slog.Warn("message reload failed", "conversation_id", conversationID, "error", err)
		}),
	)
}

// Send appends a message from senderID. Blank text is a no-op that returns
// (nil, nil) without touching the store.
func (s *MessageStream) Send(
	ctx context.Context,
	conversationID string,
	senderID string,
	text string,
	attachment ...Attachment,
) (message *models.ChatMessage, err error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	ctx, finish := logger.StartSpan(ctx, "messages.send",
		attribute.String("conversation.id", conversationID),
		attribute.String("user.id", senderID),
	)
	defer func() { finish(err) }()

	conversation, err := s.member(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}

	message = &models.ChatMessage{
		ID:             s.ids.MessageID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           trimmed,
	}
	for _, a := range attachment {
		if a.ImageURL == nil && a.FileURL == nil {
			continue
		}
		if s.attachments == nil {
			return nil, ErrInvalidArgument
		}
		if err := s.attachments.Verify(conversationID, a); err != nil {
			return nil, err
		}
		if a.ImageURL != nil {
			message.ImageURL = a.ImageURL
		}
		if a.FileURL != nil {
			message.FileURL = a.FileURL
		}
	}

	if err := s.messages.Create(ctx, message); err != nil {
		return nil, unavailable("create message", err)
	}

	// The summary write is separate from the append; a failure leaves the
	// listing stale until the next send.
	if err := s.conversations.UpdateLastMessage(ctx, conversationID, trimmed, message.CreatedAt); err != nil {
		slog.WarnContext(ctx, "last message update failed",
			"conversation_id", conversationID,
			"message_id", message.ID,
			"error", err,
		)
	}

	notify(ctx, s.broker, realtime.TopicMessages(conversationID))
	for _, participant := range conversation.Participants {
		notify(ctx, s.broker, realtime.TopicConversations(participant))
	}
	return message, nil
}

// MarkRead flips one message to read on behalf of readerID, who must be a
// participant. Already read
// messages and the reader's own messages are left untouched.
func (s *MessageStream) MarkRead(ctx context.Context, conversationID, messageID, readerID string) error {
	if _, err := s.member(ctx, conversationID, readerID); err != nil {
		return err
	}
	changed, err := s.messages.MarkRead(ctx, conversationID, messageID, readerID)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return unavailable("mark read", err)
	}
	if changed {
		notify(ctx, s.broker, realtime.TopicMessages(conversationID))
		notify(ctx, s.broker, realtime.TopicConversations(readerID))
	}
	return nil
}

// MarkAllRead flips every unread message not sent by readerID.
func (s *MessageStream) MarkAllRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if _, err := s.member(ctx, conversationID, readerID); err != nil {
		return 0, err
	}
	count, err := s.messages.MarkConversationRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, unavailable("mark conversation read", err)
	}
	if count > 0 {
		notify(ctx, s.broker, realtime.TopicMessages(conversationID))
		notify(ctx, s.broker, realtime.TopicConversations(readerID))
	}
	return count, nil
}

// member loads a valid conversation that userID takes part in.
func (s *MessageStream) member(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conversation, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrInvalidConversation
		}
		return nil, unavailable("get conversation", err)
	}
	if conversation.Validate() != nil {
		return nil, ErrInvalidConversation
	}
	if !conversation.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return conversation, nil
}
