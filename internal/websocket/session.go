package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/servimatch/MarketplaceBack/internal/chatview"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/services"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type viewController interface {
	Mount(ctx context.Context, conversationID, otherHint string) error
	Switch(ctx context.Context, conversationID, otherHint string) error
	Input(ctx context.Context, text string)
	Submit(ctx context.Context, text string, attachment ...services.Attachment) (*models.ChatMessage, error)
	Unmount()
	Events() <-chan chatview.Event
	Done() <-chan struct{}
}

// Frame is a server to client message.
type Frame struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id,omitempty"`
	State          string              `json:"state,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Messages       any                 `json:"messages,omitempty"`
	Typing         *bool               `json:"typing,omitempty"`
	Identity       *models.Identity    `json:"identity,omitempty"`
	Message        *models.ChatMessage `json:"message,omitempty"`
	Error          string              `json:"error,omitempty"`
	Timestamp      string              `json:"timestamp"`
}

// Incoming is a client to server message.
type Incoming struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	Other          string  `json:"other"`
	Text           string  `json:"text"`
	ImageURL       *string `json:"image_url"`
	FileURL        *string `json:"file_url"`
}

// Session pumps one socket: client frames drive the view controller and
// controller events are written back. Only WritePump writes to the socket.
type Session struct {
	conn   Conn
	view   viewController
	userID string
	send   chan []byte
	stop   chan struct{}
	once   sync.Once
}

func NewSession(conn Conn, view viewController, userID string) *Session {
	return &Session{
		conn:   conn,
		view:   view,
		userID: userID,
		send:   make(chan []byte, 32),
		stop:   make(chan struct{}),
	}
}

// Run serves the socket until the client leaves or the connection fails.
// conversationID, when set, is mounted before the first client frame is read.
func (s *Session) Run(ctx context.Context, conversationID, otherHint string) {
	var forwarder sync.WaitGroup
	forwarder.Add(1)
	go func() {
		defer forwarder.Done()
		s.forwardEvents()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.WritePump()
	}()

	if conversationID != "" {
		s.mount(ctx, conversationID, otherHint)
	}
	s.ReadPump(ctx)

	s.view.Unmount()
	forwarder.Wait()
	close(s.send)
	<-writerDone
}

func (s *Session) ReadPump(ctx context.Context) {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming Incoming
		if err := json.Unmarshal(payload, &incoming); err != nil {
			s.writeError("", "invalid message payload")
			continue
		}

		switch incoming.Type {
		case "switch", "open":
			if strings.TrimSpace(incoming.ConversationID) == "" {
				s.writeError("", "invalid conversation id")
				continue
			}
			s.mount(ctx, incoming.ConversationID, incoming.Other)
		case "input":
			s.view.Input(ctx, incoming.Text)
		case "send":
			message, err := s.view.Submit(ctx, incoming.Text, services.Attachment{
				ImageURL: incoming.ImageURL,
				FileURL:  incoming.FileURL,
			})
			if err != nil {
				s.writeError(incoming.ConversationID, sendErrorText(err))
				continue
			}
			if message != nil {
				s.enqueue(Frame{Type: "sent", ConversationID: message.ConversationID, Message: message})
			}
		case "leave":
			return
		default:
			s.writeError("", "unsupported message type")
		}
	}
}

func (s *Session) WritePump() {
	defer func() {
		s.halt()
		_ = s.conn.Close()
	}()

	for payload := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Session) mount(ctx context.Context, conversationID, otherHint string) {
	err := s.view.Switch(ctx, conversationID, otherHint)
	if err == nil {
		return
	}
	// Rejected conversations already reached the client as an invalid state.
	if errors.Is(err, services.ErrInvalidConversation) || errors.Is(err, services.ErrForbidden) {
		return
	}
	slog.WarnContext(ctx, "view mount failed", "user_id", s.userID, "conversation_id", conversationID, "error", err)
	s.writeError(conversationID, "conversation temporarily unavailable")
}

func (s *Session) forwardEvents() {
	for {
		select {
		case ev := <-s.view.Events():
			s.enqueue(frameFor(ev))
		case <-s.view.Done():
			return
		}
	}
}

func frameFor(ev chatview.Event) Frame {
	frame := Frame{Type: string(ev.Kind), ConversationID: ev.ConversationID}
	switch ev.Kind {
	case chatview.EventState:
		frame.State = ev.State.String()
		frame.Reason = ev.Reason
	case chatview.EventMessages:
		messages := ev.Messages
		if messages == nil {
			messages = []models.ChatMessage{}
		}
		frame.Messages = messages
	case chatview.EventTyping:
		typing := ev.Typing
		frame.Typing = &typing
	case chatview.EventIdentity:
		frame.Identity = ev.Identity
	}
	return frame
}

func (s *Session) writeError(conversationID, message string) {
	s.enqueue(Frame{Type: "error", ConversationID: conversationID, Error: message})
}

// enqueue hands a frame to WritePump. Frames are dropped once the writer has
// stopped.
func (s *Session) enqueue(frame Frame) {
	frame.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("encode frame failed", "type", frame.Type, "error", err)
		return
	}
	select {
	case s.send <- payload:
	case <-s.stop:
	}
}

func (s *Session) halt() {
	s.once.Do(func() { close(s.stop) })
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chatview.ErrNotMounted):
		return "no conversation open"
	case errors.Is(err, services.ErrInvalidConversation):
		return "invalid conversation"
	case errors.Is(err, services.ErrForbidden):
		return "forbidden"
	default:
		return "failed to send message"
	}
}
