package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesGetStrictlyIncreasingServerTimestamps(t *testing.T) {
	store := New()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	first := &models.ChatMessage{ID: "2", ConversationID: "c1", SenderID: "u1", Text: "a"}
	second := &models.ChatMessage{ID: "1", ConversationID: "c1", SenderID: "u1", Text: "b"}
	require.NoError(t, store.Messages().Create(ctx, first))
	require.NoError(t, store.Messages().Create(ctx, second))

	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	listed, err := store.Messages().ListByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "a", listed[0].Text)
}

func TestCreateIfAbsentReturnsExisting(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := models.PairKey("u2", "u1")

	created, ok, err := store.Conversations().CreateIfAbsent(ctx, &models.Conversation{ID: "c1", Participants: []string{"u1", "u2"}}, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", created.ID)

	again, ok, err := store.Conversations().CreateIfAbsent(ctx, &models.Conversation{ID: "c2", Participants: []string{"u2", "u1"}}, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "c1", again.ID)
}

func TestFaultInjectionAndCallCounting(t *testing.T) {
	store := New()
	boom := errors.New("permission denied")
	store.SetFault(func(op string) error {
		if op == "typing.upsert" {
			return boom
		}
		return nil
	})

	err := store.Typing().Upsert(context.Background(), &models.TypingSignal{ConversationID: "c1", ParticipantID: "u1", IsTyping: true})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.Calls("typing.upsert"))

	_, err = store.Typing().Get(context.Background(), "c1", "u1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 2, store.TotalCalls())
}

func TestSummariesCountUnreadFromOthers(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.PutConversation(models.Conversation{ID: "c1", Participants: []string{"u1", "u2"}})

	require.NoError(t, store.Messages().Create(ctx, &models.ChatMessage{ID: "1", ConversationID: "c1", SenderID: "u2", Text: "oi"}))
	require.NoError(t, store.Messages().Create(ctx, &models.ChatMessage{ID: "2", ConversationID: "c1", SenderID: "u1", Text: "olá"}))

	summaries, err := store.Conversations().ListSummaries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UnreadCount)
}
