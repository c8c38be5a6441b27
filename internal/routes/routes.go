package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/servimatch/MarketplaceBack/internal/chatview"
	"github.com/servimatch/MarketplaceBack/internal/config"
	"github.com/servimatch/MarketplaceBack/internal/handlers"
	"github.com/servimatch/MarketplaceBack/internal/middleware"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, backend *Backend) {
	chatCfg := handlers.ChatHandlerConfig{
		Directory:  backend.Directory,
		Messages:   backend.Messages,
		Typing:     backend.Typing,
		Identities: backend.Identities,
		View: chatview.Options{
			QuietPeriod:   cfg.TypingQuietPeriod,
			TypingRefresh: cfg.TypingTTL / 2,
		},
		JWTSecret:             cfg.JWTSecret,
		AllowAnonymousListing: cfg.AllowAnonymousListing,
	}
	// A nil *AttachmentService must not become a non-nil interface.
	if backend.Attachments != nil {
		chatCfg.Attachments = backend.Attachments
	}
	chatHandler := handlers.NewChatHandler(chatCfg)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	v1.Get("/conversations", middleware.AuthOptional(cfg.JWTSecret), chatHandler.ListConversations)

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	authProtected := v1.Group("", middleware.AuthRequired(cfg.JWTSecret))

	conversations := authProtected.Group("/conversations")
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id", chatHandler.GetConversation)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/messages/:messageId/read", chatHandler.MarkRead)
	conversations.Put("/:id/typing", chatHandler.SetTyping)
	conversations.Post("/:id/attachments", chatHandler.UploadAttachment)

	users := authProtected.Group("/users")
	users.Get("/:id/identity", chatHandler.GetIdentity)
}
