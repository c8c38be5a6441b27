package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/servimatch/MarketplaceBack/internal/config"
	"github.com/servimatch/MarketplaceBack/internal/logger"
	"github.com/servimatch/MarketplaceBack/internal/routes"
	"github.com/servimatch/MarketplaceBack/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Telemetry and logging
	ctx := context.Background()
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}
	logger.Setup(cfg)

	// 3. Chat backend
	backend, err := routes.NewBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to build chat backend", "error", err)
		os.Exit(1)
	}

	// 4. Setup Fiber
	app := fiber.New()

	app.Use(cors.New())
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(backend.Health(c.UserContext()))
	})
	routes.RegisterRoutes(app, cfg, backend)

	// 5. Start Server
	go func() {
		slog.Info("server starting", "port", cfg.Port, "env", cfg.AppEnv)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server stopped", "error", err)
		}
	}()

	ops := backend.ShutdownOperations()
	ops["http"] = func(ctx context.Context) error {
		return app.ShutdownWithContext(ctx)
	}
	ops["telemetry"] = func(ctx context.Context) error {
		return tel.Shutdown(ctx)
	}

	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, ops)
	exitCode := <-wait
	slog.Info("server exited", "code", exitCode)
	os.Exit(exitCode)
}
