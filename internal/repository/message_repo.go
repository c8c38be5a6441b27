package repository

import (
	"context"

	"github.com/servimatch/MarketplaceBack/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create appends message with read=false; created_at is assigned by the
// database and written back into message.
func (r *MessageRepository) Create(ctx context.Context, message *models.ChatMessage) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, text, image_url, file_url, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING is_read, created_at
	`
	return r.db.QueryRow(ctx, query,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Text,
		message.ImageURL,
		message.FileURL,
	).Scan(&message.IsRead, &message.CreatedAt)
}

func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	query := `
		SELECT id, conversation_id, sender_id, text, image_url, file_url, is_read, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var message models.ChatMessage
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.Text,
			&message.ImageURL,
			&message.FileURL,
			&message.IsRead,
			&message.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead flips one message to read on behalf of readerID. changed is false
// when the message was already read or readerID sent it.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, messageID, readerID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE id = $1
		  AND conversation_id = $2
		  AND sender_id <> $3
		  AND is_read = FALSE
	`, messageID, conversationID, readerID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`,
		messageID, conversationID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND is_read = FALSE
	`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
