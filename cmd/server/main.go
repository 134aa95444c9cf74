package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"relay-backend/internal/auth"
	"relay-backend/internal/config"
	"relay-backend/internal/discovery"
	"relay-backend/internal/engine"
	"relay-backend/internal/gateway"
	"relay-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Wire the engine
	gw := gateway.New(db)
	repos := engine.NewRepos(gw)

	webhooks := engine.NewWebhookService(repos.Definitions, &cfg.Engine)
	resolver := engine.NewResolver(repos.Assignments, repos.Definitions, &cfg.Engine)
	validator := engine.NewSecurityValidator(repos.Members, cfg.IsProduction())
	limiter := engine.NewRateLimiter(repos.Windows)
	executor := engine.NewExecutor(&cfg.Engine, resolver, validator, limiter, repos.Definitions, repos.Executions)
	metrics := engine.NewMetricsService(repos.Executions, repos.Definitions)

	elementRepo := discovery.NewElementRepo(gw)
	sessionRepo := discovery.NewSessionRepo(gw)
	discoverySvc := discovery.NewService(&cfg.Discovery, elementRepo, sessionRepo)
	monitors := discovery.NewMonitorManager(discoverySvc, &cfg.Discovery)
	defer monitors.StopAll()

	// 5. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":           "ok",
			"activeExecutions": executor.ActiveExecutions(),
		})
	})

	// 7. Auth routes (before middleware, no auth required)
	authHandler := auth.NewHandler(db, cfg.JWTSecret)
	auth.RegisterRoutes(app, authHandler)

	// 8. Protected routes
	authMW := auth.Middleware(cfg.JWTSecret)

	engineHandler := engine.NewHandler(webhooks, resolver, executor, metrics, repos.Executions)
	engine.RegisterRoutes(app, engineHandler, authMW)

	discoveryHandler := discovery.NewHandler(discoverySvc, monitors)
	discovery.RegisterRoutes(app, discoveryHandler, authMW)

	// 9. Start maintenance scheduler
	maintenance := engine.NewMaintenanceScheduler(db, repos.Windows, cfg)
	maintenance.Start()
	defer maintenance.Stop()

	// 10. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}
