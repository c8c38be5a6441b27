package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/servimatch/MarketplaceBack/internal/ids"
	"github.com/servimatch/MarketplaceBack/internal/memstore"
	"github.com/servimatch/MarketplaceBack/internal/middleware"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/realtime"
	"github.com/servimatch/MarketplaceBack/internal/services"
	"github.com/servimatch/MarketplaceBack/pkg/utils"
)

const testSecret = "secret"

type stubStorage struct {
	lastPath string
}

func (s *stubStorage) Upload(_ context.Context, objectPath string, _ []byte, _ string) (string, error) {
	s.lastPath = objectPath
	return s.PublicURL(objectPath), nil
}

func (s *stubStorage) PublicURL(objectPath string) string {
	return "https://cdn/" + objectPath
}

type chatFixture struct {
	store     *memstore.Store
	directory *services.ConversationDirectory
	messages  *services.MessageStream
	typing    *services.TypingSignal
	app       *fiber.App
}

func newChatFixture(t *testing.T, anonymousListing bool) *chatFixture {
	t.Helper()
	gen, err := ids.NewGenerator(4)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	store := memstore.New()
	store.PutUser(models.User{ID: "u1", DisplayName: "Ana", Role: models.RoleClient})
	store.PutUser(models.User{ID: "u2", DisplayName: "Bruno", Role: models.RoleProvider})

	hub := realtime.NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Close() })

	directory := services.NewConversationDirectory(store.Conversations(), hub, gen, services.CreateCheckThenCreate)
	attachments := services.NewAttachmentService(directory, &stubStorage{})
	f := &chatFixture{
		store:     store,
		directory: directory,
		messages:  services.NewMessageStream(store.Conversations(), store.Messages(), hub, gen, services.WithAttachmentVerifier(attachments)),
		typing:    services.NewTypingSignal(store.Typing(), hub, time.Minute),
	}

	handler := NewChatHandler(ChatHandlerConfig{
		Directory:             f.directory,
		Messages:              f.messages,
		Typing:                f.typing,
		Attachments:           attachments,
		Identities:            services.NewIdentityResolver(store.Users()),
		JWTSecret:             testSecret,
		AllowAnonymousListing: anonymousListing,
	})

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Get("/conversations", middleware.AuthOptional(testSecret), handler.ListConversations)
	protected := api.Group("", middleware.AuthRequired(testSecret))
	protected.Post("/conversations", handler.CreateConversation)
	protected.Get("/conversations/:id", handler.GetConversation)
	protected.Get("/conversations/:id/messages", handler.GetMessages)
	protected.Post("/conversations/:id/messages", handler.SendMessage)
	protected.Post("/conversations/:id/messages/:messageId/read", handler.MarkRead)
	protected.Put("/conversations/:id/typing", handler.SetTyping)
	protected.Post("/conversations/:id/attachments", handler.UploadAttachment)
	protected.Get("/users/:id/identity", handler.GetIdentity)
	f.app = app
	return f
}

func (f *chatFixture) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := utils.GenerateToken(userID, models.RoleClient, testSecret)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	f := newChatFixture(t, false)

	var first, second struct {
		Conversation models.Conversation `json:"conversation"`
	}
	resp := f.do(t, http.MethodPost, "/api/v1/conversations", "u1", map[string]string{"other_id": "u2", "service_id": "svc-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	decode(t, resp, &first)

	resp = f.do(t, http.MethodPost, "/api/v1/conversations", "u2", map[string]string{"other_id": "u1"})
	decode(t, resp, &second)

	if first.Conversation.ID == "" || first.Conversation.ID != second.Conversation.ID {
		t.Fatalf("expected one conversation, got %q and %q", first.Conversation.ID, second.Conversation.ID)
	}
	if first.Conversation.ServiceID == nil || *first.Conversation.ServiceID != "svc-1" {
		t.Fatalf("expected service id to be recorded, got %+v", first.Conversation.ServiceID)
	}
}

func TestCreateConversationWithSelfIsBadRequest(t *testing.T) {
	f := newChatFixture(t, false)

	resp := f.do(t, http.MethodPost, "/api/v1/conversations", "u1", map[string]string{"other_id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListConversationsRequiresUserUnlessAnonymousAllowed(t *testing.T) {
	strict := newChatFixture(t, false)
	resp := strict.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	lenient := newChatFixture(t, true)
	resp = lenient.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	decode(t, resp, &body)
	if body.Conversations == nil || len(body.Conversations) != 0 {
		t.Fatalf("expected empty list, got %+v", body.Conversations)
	}
}

func TestSendAndReadMessages(t *testing.T) {
	f := newChatFixture(t, false)
	id, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "u1", map[string]string{"text": "olá"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "u1", map[string]string{"text": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/conversations/"+id+"/messages", "u2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	decode(t, resp, &body)
	if len(body.Messages) != 1 || body.Messages[0].Text != "olá" || !body.Messages[0].IsRead {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}

	listed, err := f.directory.List(context.Background(), "u2")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listed[0].UnreadCount != 0 {
		t.Fatalf("expected history fetch to mark messages read, got %d unread", listed[0].UnreadCount)
	}
}

func TestOutsiderIsForbidden(t *testing.T) {
	f := newChatFixture(t, false)
	id, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/conversations/" + id, nil},
		{http.MethodGet, "/api/v1/conversations/" + id + "/messages", nil},
		{http.MethodPost, "/api/v1/conversations/" + id + "/messages", map[string]string{"text": "hi"}},
		{http.MethodPut, "/api/v1/conversations/" + id + "/typing", map[string]bool{"is_typing": true}},
	} {
		resp := f.do(t, tc.method, tc.path, "u3", tc.body)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestUnknownConversationIsNotFound(t *testing.T) {
	f := newChatFixture(t, false)

	resp := f.do(t, http.MethodGet, "/api/v1/conversations/ghost", "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	f := newChatFixture(t, false)
	ctx := context.Background()
	id, err := f.directory.FindOrCreate(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	sent, err := f.messages.Send(ctx, id, "u1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages/"+sent.ID+"/read", "u2", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages/missing/read", "u2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	history, err := f.messages.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !history[0].IsRead {
		t.Fatal("expected message to be read")
	}
}

func TestSetTypingEndpoint(t *testing.T) {
	f := newChatFixture(t, false)
	ctx := context.Background()
	id, err := f.directory.FindOrCreate(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	resp := f.do(t, http.MethodPut, "/api/v1/conversations/"+id+"/typing", "u1", map[string]bool{"is_typing": true})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if !f.typing.IsTyping(ctx, id, "u1") {
		t.Fatal("expected typing flag to be set")
	}
}

func TestGetIdentityFallsBack(t *testing.T) {
	f := newChatFixture(t, false)

	var body struct {
		Identity models.Identity `json:"identity"`
	}
	resp := f.do(t, http.MethodGet, "/api/v1/users/u2/identity", "u1", nil)
	decode(t, resp, &body)
	if body.Identity.Name != "Bruno" {
		t.Fatalf("expected Bruno, got %q", body.Identity.Name)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/users/nobody/identity", "u1", nil)
	decode(t, resp, &body)
	if body.Identity.Name != services.FallbackOtherName {
		t.Fatalf("expected fallback name, got %q", body.Identity.Name)
	}
}

func TestUploadAttachment(t *testing.T) {
	f := newChatFixture(t, false)
	id, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "contrato.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 test document"))
	_ = writer.Close()

	token, _ := utils.GenerateToken("u1", models.RoleClient, testSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+id+"/attachments", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body struct {
		ImageURL *string `json:"image_url"`
		FileURL  *string `json:"file_url"`
	}
	decode(t, resp, &body)
	if body.FileURL == nil || !strings.HasSuffix(*body.FileURL, ".pdf") || body.ImageURL != nil {
		t.Fatalf("unexpected attachment: %+v", body)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	f := newChatFixture(t, false)

	resp := f.do(t, http.MethodPost, "/api/v1/conversations", "", map[string]string{"other_id": "u2"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestGetConversationResolvesParticipants(t *testing.T) {
	f := newChatFixture(t, false)
	id, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	resp := f.do(t, http.MethodGet, "/api/v1/conversations/"+id, "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Conversation models.Conversation `json:"conversation"`
		Participants []models.Identity   `json:"participants"`
	}
	decode(t, resp, &body)
	if body.Conversation.ID != id || len(body.Participants) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	names := map[string]string{}
	for _, p := range body.Participants {
		names[p.UserID] = p.Name
	}
	if names["u1"] != "Ana" || names["u2"] != "Bruno" {
		t.Fatalf("unexpected participants: %+v", names)
	}
}

func TestSendMessageRejectsForeignAttachmentURL(t *testing.T) {
	f := newChatFixture(t, false)
	id, err := f.directory.FindOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "u1", map[string]any{
		"text":      "veja",
		"image_url": "https://evil.example/x.png",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "u1", map[string]any{
		"text":     "contrato",
		"file_url": "https://cdn/chat/" + id + "/contrato.pdf",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for an uploaded URL, got %d", resp.StatusCode)
	}
}
