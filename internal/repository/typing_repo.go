package repository

import (
	"context"

	"github.com/servimatch/MarketplaceBack/internal/models"
)

type TypingRepository struct {
	db DBTX
}

func NewTypingRepository(db DBTX) *TypingRepository {
	return &TypingRepository{db: db}
}

// Upsert records the participant's flag; the last write wins.
func (r *TypingRepository) Upsert(ctx context.Context, signal *models.TypingSignal) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO conversation_typing (conversation_id, participant_id, is_typing, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id, participant_id)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, signal.ConversationID, signal.ParticipantID, signal.IsTyping).Scan(&signal.UpdatedAt)
}

func (r *TypingRepository) Delete(ctx context.Context, conversationID, participantID string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM conversation_typing
		WHERE conversation_id = $1 AND participant_id = $2
	`, conversationID, participantID)
	return err
}

func (r *TypingRepository) Get(ctx context.Context, conversationID, participantID string) (*models.TypingSignal, error) {
	var signal models.TypingSignal
	err := r.db.QueryRow(ctx, `
		SELECT conversation_id, participant_id, is_typing, updated_at
		FROM conversation_typing
		WHERE conversation_id = $1 AND participant_id = $2
	`, conversationID, participantID).Scan(
		&signal.ConversationID,
		&signal.ParticipantID,
		&signal.IsTyping,
		&signal.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &signal, nil
}
