package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/servimatch/MarketplaceBack/internal/chatview"
	"github.com/servimatch/MarketplaceBack/internal/models"
	"github.com/servimatch/MarketplaceBack/internal/services"
	chatws "github.com/servimatch/MarketplaceBack/internal/websocket"
	"github.com/servimatch/MarketplaceBack/pkg/utils"
)

type conversationDirectory interface {
	FindOrCreate(ctx context.Context, selfID, otherID string, opts ...services.StartOption) (string, error)
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	Open(ctx context.Context, conversationID, viewerID string) (*models.Conversation, error)
	List(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	Participants(ctx context.Context, conversationID, viewerID string, identities *services.IdentityResolver) ([]models.Identity, error)
}

type messageStream interface {
	chatview.Messages
	History(ctx context.Context, conversationID string) ([]models.ChatMessage, error)
	MarkAllRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

type typingSignal interface {
	chatview.Typing
}

type attachmentUploader interface {
	Upload(ctx context.Context, conversationID, uploaderID, filename string, file io.Reader) (*services.Attachment, error)
}

type ChatHandler struct {
	directory   conversationDirectory
	messages    messageStream
	typing      typingSignal
	attachments attachmentUploader
	identities  *services.IdentityResolver
	view        chatview.Options
	jwtSecret   string

	allowAnonymousListing bool
}

type ChatHandlerConfig struct {
	Directory             conversationDirectory
	Messages              messageStream
	Typing                typingSignal
	Attachments           attachmentUploader
	Identities            *services.IdentityResolver
	View                  chatview.Options
	JWTSecret             string
	AllowAnonymousListing bool
}

type createConversationRequest struct {
	OtherID   string `json:"other_id"`
	ServiceID string `json:"service_id"`
}

type sendMessageRequest struct {
	Text     string  `json:"text"`
	ImageURL *string `json:"image_url"`
	FileURL  *string `json:"file_url"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	return &ChatHandler{
		directory:             cfg.Directory,
		messages:              cfg.Messages,
		typing:                cfg.Typing,
		attachments:           cfg.Attachments,
		identities:            cfg.Identities,
		view:                  cfg.View,
		jwtSecret:             cfg.JWTSecret,
		allowAnonymousListing: cfg.AllowAnonymousListing,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if userID == "" && !h.allowAnonymousListing {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.directory.List(c.UserContext(), userID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	var opts []services.StartOption
	if req.ServiceID != "" {
		opts = append(opts, services.WithService(req.ServiceID))
	}

	conversationID, err := h.directory.FindOrCreate(c.UserContext(), userID, req.OtherID, opts...)
	if err != nil {
		return mapChatError(c, err)
	}

	conversation, err := h.directory.Get(c.UserContext(), conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) GetConversation(c *fiber.Ctx) error {
	userID := currentUserID(c)
	conversationID := c.Params("id")

	conversation, err := h.directory.Open(c.UserContext(), conversationID, userID)
	if err != nil {
		return mapChatError(c, err)
	}

	participants, err := h.directory.Participants(c.UserContext(), conversationID, userID, h.identities.ForViewer(userID))
	if err != nil {
		return mapChatError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversation": conversation,
		"participants": participants,
	})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	userID := currentUserID(c)
	conversationID := c.Params("id")

	if _, err := h.directory.Open(c.UserContext(), conversationID, userID); err != nil {
		return mapChatError(c, err)
	}

	messages, err := h.messages.History(c.UserContext(), conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	if c.QueryBool("mark_read", true) {
		count, err := h.messages.MarkAllRead(c.UserContext(), conversationID, userID)
		if err != nil {
			return mapChatError(c, err)
		}
		if count > 0 {
			for i := range messages {
				if messages[i].SenderID != userID {
					messages[i].IsRead = true
				}
			}
		}
	}

	return c.JSON(fiber.Map{"messages": messages})
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID := currentUserID(c)
	conversationID := c.Params("id")

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	message, err := h.messages.Send(c.UserContext(), conversationID, userID, req.Text, services.Attachment{
		ImageURL: req.ImageURL,
		FileURL:  req.FileURL,
	})
	if err != nil {
		return mapChatError(c, err)
	}
	if message == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Message text is required"})
	}

	if err := h.typing.SetTyping(c.UserContext(), conversationID, userID, false); err != nil {
		slog.WarnContext(c.UserContext(), "typing clear after send failed", "conversation_id", conversationID, "error", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	userID := currentUserID(c)
	conversationID := c.Params("id")

	if _, err := h.directory.Open(c.UserContext(), conversationID, userID); err != nil {
		return mapChatError(c, err)
	}

	if err := h.messages.MarkRead(c.UserContext(), conversationID, c.Params("messageId"), userID); err != nil {
		return mapChatError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) SetTyping(c *fiber.Ctx) error {
	userID := currentUserID(c)
	conversationID := c.Params("id")

	var req typingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if _, err := h.directory.Open(c.UserContext(), conversationID, userID); err != nil {
		return mapChatError(c, err)
	}

	if err := h.typing.SetTyping(c.UserContext(), conversationID, userID, req.IsTyping); err != nil {
		return mapChatError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) UploadAttachment(c *fiber.Ctx) error {
	userID := currentUserID(c)
	conversationID := c.Params("id")

	if h.attachments == nil {
		return mapChatError(c, services.ErrStorageUnavailable)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "File is required"})
	}
	if fileHeader.Size > services.MaxAttachmentBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "File too large"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid file"})
	}
	defer file.Close()

	attachment, err := h.attachments.Upload(c.UserContext(), conversationID, userID, fileHeader.Filename, file)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"image_url": attachment.ImageURL,
		"file_url":  attachment.FileURL,
	})
}

func (h *ChatHandler) GetIdentity(c *fiber.Ctx) error {
	identity := h.identities.ForViewer(currentUserID(c)).Resolve(c.UserContext(), c.Params("id"))
	return c.JSON(fiber.Map{"identity": identity})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

// HandleWebSocket serves one conversation view. The optional
// conversation_id and other query parameters mount a conversation right away.
func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)

	view := chatview.New(chatview.Deps{
		Directory:  h.directory,
		Messages:   h.messages,
		Typing:     h.typing,
		Identities: h.identities.ForViewer(userID),
	}, userID, h.view)

	session := chatws.NewSession(conn, view, userID)
	session.Run(context.Background(), conn.Query("conversation_id"), conn.Query("other"))
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		if bearer, ok := utils.BearerToken(c.Get("Authorization")); ok {
			tokenString = bearer
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func currentUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrInvalidConversation):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Message not found"})
	case errors.Is(err, services.ErrStorageUnavailable), errors.Is(err, services.ErrUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Chat backend unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
