package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOrCreateIsIdempotentForAPair(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	ctx := context.Background()

	first, err := f.directory.FindOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	second, err := f.directory.FindOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	fromOtherSide, err := f.directory.FindOrCreate(ctx, "u2", "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, fromOtherSide)
	assert.Equal(t, 1, f.store.Calls("conversations.create"))

	conversation, err := f.directory.Get(ctx, first)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, conversation.Participants)
	assert.False(t, conversation.CreatedAt.IsZero())
}

func TestFindOrCreateRejectsSelfConversationWithoutIO(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)

	for _, pair := range [][2]string{{"u1", "u1"}, {"", "u2"}, {"u1", " "}} {
		_, err := f.directory.FindOrCreate(context.Background(), pair[0], pair[1])
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
	assert.Zero(t, f.store.TotalCalls())
}

func TestFindOrCreateSkipsMalformedRecords(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	f.store.PutConversation(models.Conversation{ID: "broken", Participants: []string{"u1", "u2", "u3"}})

	id, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.NotEqual(t, "broken", id)
}

func TestFindOrCreateIgnoresPaddedParticipantRecord(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	f.store.PutConversation(models.Conversation{ID: "padded", Participants: []string{" u1", "u2"}})
	first := f.conversation(t, "u1", "u2")
	assert.NotEqual(t, "padded", first)

	second := f.conversation(t, "u2", "u1")
	assert.Equal(t, first, second, "the clean record is reused")
}

func TestFindOrCreateRecordsService(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	ctx := context.Background()

	id, err := f.directory.FindOrCreate(ctx, "client", "provider", WithService("svc-9"))
	require.NoError(t, err)

	conversation, err := f.directory.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, conversation.ServiceID)
	assert.Equal(t, "svc-9", *conversation.ServiceID)

	again, err := f.directory.FindOrCreate(ctx, "provider", "client", WithService("svc-10"))
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestFindOrCreatePairKeyModeSurvivesConcurrentCallers(t *testing.T) {
	f := newFixture(t, CreatePairKey)

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			self, other := "u1", "u2"
			if i%2 == 1 {
				self, other = other, self
			}
			id, err := f.directory.FindOrCreate(context.Background(), self, other)
			assert.NoError(t, err)
			results[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
	listed, err := f.directory.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestFindOrCreateWrapsStoreFailures(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	f.store.SetFault(func(op string) error {
		if op == "conversations.list" {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestListFiltersByParticipantAndOrdersByActivity(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	ctx := context.Background()

	older := f.conversation(t, "u1", "u2")
	newer := f.conversation(t, "u1", "u3")
	f.conversation(t, "u2", "u3")

	listed, err := f.directory.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, newer, listed[0].ID)
	assert.Equal(t, older, listed[1].ID)

	_, err = f.messages.Send(ctx, older, "u2", "bom dia")
	require.NoError(t, err)

	listed, err = f.directory.List(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, older, listed[0].ID)
	assert.Equal(t, 1, listed[0].UnreadCount)
	for _, summary := range listed {
		assert.True(t, summary.HasParticipant("u1"))
	}
}

func TestListWithoutUserIsEmpty(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)

	listed, err := f.directory.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.NotNil(t, listed)
	assert.Zero(t, f.store.TotalCalls())
}

func TestOpenGatesValidity(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	ctx := context.Background()
	broken := map[string][]string{
		"solo":   {"u1"},
		"same":   {"u1", "u1"},
		"blank":  {"u1", ""},
		"trio":   {"u1", "u2", "u3"},
		"padded": {" u1", "u2"},
	}
	for id, participants := range broken {
		f.store.PutConversation(models.Conversation{ID: id, Participants: participants})
	}
	valid := f.conversation(t, "u1", "u2")

	_, err := f.directory.Open(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrInvalidConversation)
	for id := range broken {
		_, err = f.directory.Open(ctx, id, "u1")
		assert.ErrorIs(t, err, ErrInvalidConversation, id)
	}
	_, err = f.directory.Open(ctx, valid, "u3")
	assert.ErrorIs(t, err, ErrForbidden)

	conversation, err := f.directory.Open(ctx, valid, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", conversation.OtherParticipant("u2"))
}

func TestWatchDeliversNewConversations(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)

	feed := f.directory.Watch("u2")
	require.NoError(t, feed.Start(context.Background()))
	t.Cleanup(feed.Stop)

	assert.Empty(t, receive(t, feed.Updates()))

	id := f.conversation(t, "u1", "u2")
	listed := receiveUntil(t, feed.Updates(), func(s []models.ConversationSummary) bool { return len(s) == 1 })
	assert.Equal(t, id, listed[0].ID)
}

func TestParticipantsResolvesBothSides(t *testing.T) {
	f := newFixture(t, CreateCheckThenCreate)
	f.store.PutUser(models.User{ID: "u1", DisplayName: "Ana"})
	id := f.conversation(t, "u1", "u2")

	resolver := NewIdentityResolver(f.store.Users(), WithViewer("u1"))
	identities, err := f.directory.Participants(context.Background(), id, "u1", resolver)
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.Equal(t, "Ana", identities[0].Name)
	assert.Equal(t, FallbackOtherName, identities[1].Name)
}
