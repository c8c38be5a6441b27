package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/servimatch/MarketplaceBack/internal/models"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `id, participants, service_id, last_message, last_message_at, created_at`

func scanConversation(row pgx.Row, conversation *models.Conversation) error {
	return row.Scan(
		&conversation.ID,
		&conversation.Participants,
		&conversation.ServiceID,
		&conversation.LastMessage,
		&conversation.LastMessageAt,
		&conversation.CreatedAt,
	)
}

// Create inserts a conversation; created_at is assigned by the database.
func (r *ConversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, participants, service_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query, conversation.ID, conversation.Participants, conversation.ServiceID).
		Scan(&conversation.CreatedAt)
}

// CreateIfAbsent inserts conversation keyed by pairKey unless a row with that
// key already exists, in which case the existing row is returned and created
// is false.
func (r *ConversationRepository) CreateIfAbsent(
	ctx context.Context,
	conversation *models.Conversation,
	pairKey string,
) (*models.Conversation, bool, error) {
	insert := `
		INSERT INTO conversations (id, participants, pair_key, service_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pair_key) WHERE pair_key IS NOT NULL DO NOTHING
		RETURNING ` + conversationColumns

	var created models.Conversation
	err := scanConversation(
		r.db.QueryRow(ctx, insert, conversation.ID, conversation.Participants, pairKey, conversation.ServiceID),
		&created,
	)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	var existing models.Conversation
	err = scanConversation(
		r.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, pairKey),
		&existing,
	)
	if err != nil {
		return nil, false, notFound(err)
	}
	return &existing, false, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	var conversation models.Conversation
	if err := scanConversation(r.db.QueryRow(ctx, query, conversationID), &conversation); err != nil {
		return nil, notFound(err)
	}
	return &conversation, nil
}

func (r *ConversationRepository) ListByParticipant(ctx context.Context, participantID string) ([]models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participants @> ARRAY[$1::text]
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conversation models.Conversation
		if err := scanConversation(rows, &conversation); err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *ConversationRepository) ListSummaries(ctx context.Context, participantID string) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			c.id,
			c.participants,
			c.service_id,
			c.last_message,
			c.last_message_at,
			c.created_at,
			COALESCE(uc.unread_count, 0)
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_id <> $1
			  AND is_read = FALSE
		) uc ON TRUE
		WHERE c.participants @> ARRAY[$1::text]
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.Participants,
			&summary.ServiceID,
			&summary.LastMessage,
			&summary.LastMessageAt,
			&summary.CreatedAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// UpdateLastMessage refreshes the denormalized preview. An older message
// never overwrites a newer preview.
func (r *ConversationRepository) UpdateLastMessage(
	ctx context.Context,
	conversationID string,
	text string,
	at time.Time,
) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET last_message = $2, last_message_at = $3
		WHERE id = $1
		  AND (last_message_at IS NULL OR last_message_at <= $3)
	`, conversationID, text, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}
