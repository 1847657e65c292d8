package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quiz-progression-system/bootstrap"
	"quiz-progression-system/config"
	"quiz-progression-system/handlers"
	"quiz-progression-system/logger"
	"quiz-progression-system/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config: ", err)
	}
	zlog, err := logger.New(cfg.AppEnv)
	if err != nil {
		log.Fatal("logger: ", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap.Build(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("startup failed", "error", err)
	}
	defer a.Close()

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// 🔐 Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, zlog, handlers.HealthPath))

	allowedOrigins := config.String("ALLOWED_ORIGINS", "http://localhost:3000")
	origins := strings.Split(allowedOrigins, ",")
	for i, o := range origins {
		origins[i] = strings.TrimSpace(o)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.Setup(app, a.Handlers())

	if err := a.Reconciler.Start(ctx); err != nil {
		zlog.Fatal("failed to start reconciler", "error", err)
	}
	if err := a.Warmer.Start(ctx); err != nil {
		zlog.Fatal("failed to start cache warmer", "error", err)
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			zlog.Error("server error", "error", err)
		}
	}()

	zlog.Info("✅ Server running", "port", cfg.Port, "db", cfg.DatabaseDriver)
	zlog.Info("✅ Reconciler running", "interval", cfg.ReconcileInterval.String())
	zlog.Info("✅ Cache warmer running", "interval", cfg.CacheWarmEvery.String())
	zlog.Info("✅ CORS configured", "origins", allowedOrigins)

	<-ctx.Done()
	zlog.Info("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		zlog.Warn("server shutdown", "error", err)
	}
}
