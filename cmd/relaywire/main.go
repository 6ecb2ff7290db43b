package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaywire/relaywire/internal/api"
	"github.com/relaywire/relaywire/internal/bridge"
	"github.com/relaywire/relaywire/internal/bus"
	"github.com/relaywire/relaywire/internal/collaborator"
	"github.com/relaywire/relaywire/internal/config"
	"github.com/relaywire/relaywire/internal/gateway"
	"github.com/relaywire/relaywire/internal/httputil"
	"github.com/relaywire/relaywire/internal/presence"
	"github.com/relaywire/relaywire/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting relaywire")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}
	if cfg.SharedSecret == "" {
		log.Warn().Msg("SHARED_SECRET is empty. Every request will be accepted unauthenticated.")
	}

	ctx := context.Background()

	presenceRDB, busRDB, err := valkey.ConnectPair(ctx, cfg.PresenceStoreURL, cfg.BusURL, cfg.ValkeyDialTimeout, log.Logger)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer valkey.ClosePair(presenceRDB, busRDB)

	presenceStore := presence.NewStore(presenceRDB)
	fanout := bus.New(busRDB, log.Logger)
	resumeStore := gateway.NewResumeStore(presenceRDB, cfg.GatewaySessionTTL, cfg.GatewayReplayBufferSize)
	hub := gateway.NewHub(cfg, presenceStore, fanout, resumeStore, log.Logger)

	llm := collaborator.New(
		cfg.CollaboratorURL,
		cfg.CollaboratorConnectTimeout,
		cfg.CollaboratorSummarizeTimeout,
		cfg.CollaboratorHistoryTimeout,
		cfg.CollaboratorSMSTimeout,
	)
	bridges := bridge.NewRegistry(cfg, llm, log.Logger)

	app := fiber.New(fiber.Config{
		AppName: "relaywire",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, message)
		},
	})

	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-API-KEY"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(api.RequireSharedSecret(cfg.SharedSecret))

	registerRoutes(app, hub, llm, bridges, cfg, log.Logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(app *fiber.App, hub *gateway.Hub, llm *collaborator.Client, bridges *bridge.Registry, cfg *config.Config, logger zerolog.Logger) {
	health := api.NewHealthHandler()
	app.Get("/health", health.Health)

	gw := api.NewGatewayHandler(hub)
	app.Get("/ws/session/:session_id", gw.Upgrade)

	threads := api.NewThreadHandler(llm, bridges, cfg.CollaboratorConfigured(), logger)
	app.Post("/thread/connect", threads.Connect)
	app.Post("/thread/summarize", threads.Summarize)
	app.Post("/thread/history", threads.History)
	app.Post("/chat/sms", threads.ChatSMS)

	// Fiber v3 treats app.Use() middleware as a route match, so without this catch-all unmatched paths would fall
	// through the middleware chain and return 200 with an empty body instead of 404.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}
