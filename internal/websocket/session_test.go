package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/servimatch/MarketplaceBack/internal/chatview"
	"github.com/servimatch/MarketplaceBack/internal/ids"
	"github.com/servimatch/MarketplaceBack/internal/memstore"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"github.com/servimatch/MarketplaceBack/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errClosed = errors.New("closed")

// fakeConn feeds scripted client frames and records server frames.
type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	out    []Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-c.in:
		return 1, payload, nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) client(t *testing.T, frame Incoming) {
	t.Helper()
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	c.in <- payload
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.out...)
}

func (c *fakeConn) waitFor(t *testing.T, match func(Frame) bool) Frame {
	t.Helper()
	var found Frame
	require.Eventually(t, func() bool {
		for _, f := range c.frames() {
			if match(f) {
				found = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

type harness struct {
	store     *memstore.Store
	directory *services.ConversationDirectory
	messages  *services.MessageStream
	typing    *services.TypingSignal
	users     *services.IdentityResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gen, err := ids.NewGenerator(3)
	require.NoError(t, err)
	store := memstore.New()
	hub := realtime.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Close() })

	return &harness{
		store:     store,
		directory: services.NewConversationDirectory(store.Conversations(), hub, gen, services.CreateCheckThenCreate),
		messages:  services.NewMessageStream(store.Conversations(), store.Messages(), hub, gen),
		typing:    services.NewTypingSignal(store.Typing(), hub, time.Minute),
		users:     services.NewIdentityResolver(store.Users()),
	}
}

func (h *harness) session(conn Conn, userID string) *Session {
	view := chatview.New(chatview.Deps{
		Directory:  h.directory,
		Messages:   h.messages,
		Typing:     h.typing,
		Identities: h.users.ForViewer(userID),
	}, userID, chatview.Options{})
	return NewSession(conn, view, userID)
}

func TestSessionSendsAndStreams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.directory.FindOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.session(conn, "u1").Run(ctx, id, "u2")
	}()

	conn.waitFor(t, func(f Frame) bool { return f.Type == "state" && f.State == "valid" })

	conn.client(t, Incoming{Type: "send", Text: "olá"})
	sent := conn.waitFor(t, func(f Frame) bool { return f.Type == "sent" })
	require.NotNil(t, sent.Message)
	assert.Equal(t, "olá", sent.Message.Text)

	conn.waitFor(t, func(f Frame) bool {
		list, ok := f.Messages.([]any)
		return f.Type == "messages" && ok && len(list) == 1
	})

	conn.client(t, Incoming{Type: "leave"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after leave")
	}
}

func TestSessionReportsInvalidConversation(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	go h.session(conn, "u1").Run(context.Background(), "", "")
	t.Cleanup(func() { _ = conn.Close() })

	conn.client(t, Incoming{Type: "switch", ConversationID: "ghost"})
	frame := conn.waitFor(t, func(f Frame) bool { return f.Type == "state" && f.State == "invalid" })
	assert.Equal(t, "invalid_conversation", frame.Reason)

	conn.client(t, Incoming{Type: "send", Text: "hi"})
	errFrame := conn.waitFor(t, func(f Frame) bool { return f.Type == "error" })
	assert.Equal(t, "invalid conversation", errFrame.Error)
	assert.Zero(t, h.store.Calls("messages.create"))
}

func TestSessionRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	go h.session(conn, "u1").Run(context.Background(), "", "")
	t.Cleanup(func() { _ = conn.Close() })

	conn.in <- []byte("{not json")
	conn.client(t, Incoming{Type: "dance"})

	require.Eventually(t, func() bool {
		count := 0
		for _, f := range conn.frames() {
			if f.Type == "error" {
				count++
			}
		}
		return count == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFrameForTyping(t *testing.T) {
	frame := frameFor(chatview.Event{Kind: chatview.EventTyping, ConversationID: "c1", Typing: false})
	require.NotNil(t, frame.Typing)
	assert.False(t, *frame.Typing)

	frame = frameFor(chatview.Event{Kind: chatview.EventMessages})
	assert.Equal(t, []models.ChatMessage{}, frame.Messages)
}
