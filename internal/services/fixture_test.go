package services

import (
	"context"
	"testing"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/ids"
	"github.com/servimatch/MarketplaceBack/internal/memstore"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *memstore.Store
	hub       *realtime.Hub
	directory *ConversationDirectory
	messages  *MessageStream
	typing    *TypingSignal
	ids       *ids.Generator
}

func newFixture(t *testing.T, mode CreateMode) *fixture {
	t.Helper()

	gen, err := ids.NewGenerator(1)
	require.NoError(t, err)

	store := memstore.New()
	hub := realtime.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Close() })

	return &fixture{
		store:     store,
		hub:       hub,
		directory: NewConversationDirectory(store.Conversations(), hub, gen, mode),
		messages:  NewMessageStream(store.Conversations(), store.Messages(), hub, gen),
		typing:    NewTypingSignal(store.Typing(), hub, 10*time.Second),
		ids:       gen,
	}
}

func (f *fixture) conversation(t *testing.T, a, b string) string {
	t.Helper()
	id, err := f.directory.FindOrCreate(context.Background(), a, b)
	require.NoError(t, err)
	return id
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "feed closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	var zero T
	return zero
}

// receiveUntil drains snapshots until match accepts one.
func receiveUntil[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "feed closed")
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching update")
		}
	}
}

func texts(messages []models.ChatMessage) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}
