package memstore

import (
	"context"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/repository"
)

type Users struct{ s *Store }

func (u *Users) GetByID(ctx context.Context, id string) (*models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if err := u.s.beginLocked(ctx, "users.get"); err != nil {
		return nil, err
	}
	user, ok := u.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &user, nil
}

type Conversations struct{ s *Store }

func (c *Conversations) Create(ctx context.Context, conversation *models.Conversation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.beginLocked(ctx, "conversations.create"); err != nil {
		return err
	}
	conversation.CreatedAt = c.s.stampLocked()
	c.s.conversations[conversation.ID] = cloneConversation(*conversation)
	return nil
}

func (c *Conversations) CreateIfAbsent(
	ctx context.Context,
	conversation *models.Conversation,
	pairKey string,
) (*models.Conversation, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.beginLocked(ctx, "conversations.create"); err != nil {
		return nil, false, err
	}
	if id, ok := c.s.pairKeys[pairKey]; ok {
		existing := cloneConversation(c.s.conversations[id])
		return &existing, false, nil
	}
	conversation.CreatedAt = c.s.stampLocked()
	c.s.conversations[conversation.ID] = cloneConversation(*conversation)
	c.s.pairKeys[pairKey] = conversation.ID
	created := cloneConversation(*conversation)
	return &created, true, nil
}

func (c *Conversations) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.beginLocked(ctx, "conversations.get"); err != nil {
		return nil, err
	}
	conversation, ok := c.s.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	conversation = cloneConversation(conversation)
	return &conversation, nil
}

func (c *Conversations) ListByParticipant(ctx context.Context, participantID string) ([]models.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.beginLocked(ctx, "conversations.list"); err != nil {
		return nil, err
	}
	summaries := c.summariesLocked(participantID)
	conversations := make([]models.Conversation, 0, len(summaries))
	for _, summary := range summaries {
		conversations = append(conversations, summary.Conversation)
	}
	return conversations, nil
}

func (c *Conversations) ListSummaries(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.beginLocked(ctx, "conversations.list"); err != nil {
		return nil, err
	}
	return c.summariesLocked(participantID), nil
}

func (c *Conversations) summariesLocked(participantID string) []models.ConversationSummary {
	summaries := make([]models.ConversationSummary, 0)
	for _, conversation := range c.s.conversations {
		if !conversation.HasParticipant(participantID) {
			continue
		}
		unread := 0
		for _, message := range c.s.messages[conversation.ID] {
			if message.SenderID != participantID && !message.IsRead {
				unread++
			}
		}
		summaries = append(summaries, models.ConversationSummary{
			Conversation: cloneConversation(conversation),
			UnreadCount:  unread,
		})
	}
	models.SortByLastActivity(summaries)
	return summaries
}

func (c *Conversations) UpdateLastMessage(ctx context.Context, conversationID, text string, at time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.beginLocked(ctx, "conversations.update_last_message"); err != nil {
		return err
	}
	conversation, ok := c.s.conversations[conversationID]
	if !ok {
		return repository.ErrNotFound
	}
	if conversation.LastMessageAt != nil && conversation.LastMessageAt.After(at) {
		return nil
	}
	conversation.LastMessage = &text
	conversation.LastMessageAt = &at
	c.s.conversations[conversationID] = conversation
	return nil
}

type Messages struct{ s *Store }

func (m *Messages) Create(ctx context.Context, message *models.ChatMessage) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.beginLocked(ctx, "messages.create"); err != nil {
		return err
	}
	message.IsRead = false
	message.CreatedAt = m.s.stampLocked()
	m.s.messages[message.ConversationID] = append(m.s.messages[message.ConversationID], *message)
	return nil
}

func (m *Messages) ListByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.beginLocked(ctx, "messages.list"); err != nil {
		return nil, err
	}
	messages := append([]models.ChatMessage{}, m.s.messages[conversationID]...)
	models.SortMessages(messages)
	return messages, nil
}

func (m *Messages) MarkRead(ctx context.Context, conversationID, messageID, readerID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.beginLocked(ctx, "messages.mark_read"); err != nil {
		return false, err
	}
	messages := m.s.messages[conversationID]
	for i := range messages {
		if messages[i].ID != messageID {
			continue
		}
		if messages[i].IsRead || messages[i].SenderID == readerID {
			return false, nil
		}
		messages[i].IsRead = true
		return true, nil
	}
	return false, repository.ErrNotFound
}

func (m *Messages) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.beginLocked(ctx, "messages.mark_read"); err != nil {
		return 0, err
	}
	var changed int64
	messages := m.s.messages[conversationID]
	for i := range messages {
		if messages[i].SenderID != readerID && !messages[i].IsRead {
			messages[i].IsRead = true
			changed++
		}
	}
	return changed, nil
}

type Typing struct{ s *Store }

func (t *Typing) Upsert(ctx context.Context, signal *models.TypingSignal) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.beginLocked(ctx, "typing.upsert"); err != nil {
		return err
	}
	signal.UpdatedAt = t.s.stampLocked()
	t.s.typing[typingKey(signal.ConversationID, signal.ParticipantID)] = *signal
	return nil
}

func (t *Typing) Delete(ctx context.Context, conversationID, participantID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.beginLocked(ctx, "typing.delete"); err != nil {
		return err
	}
	delete(t.s.typing, typingKey(conversationID, participantID))
	return nil
}

func (t *Typing) Get(ctx context.Context, conversationID, participantID string) (*models.TypingSignal, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.beginLocked(ctx, "typing.get"); err != nil {
		return nil, err
	}
	signal, ok := t.s.typing[typingKey(conversationID, participantID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &signal, nil
}
