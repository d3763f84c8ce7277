package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"signet/internal/api"
	"signet/internal/api/handlers"
	"signet/internal/api/middleware"
	"signet/internal/engine/deadletter"
	"signet/internal/engine/documents"
	"signet/internal/engine/reminders"
	"signet/internal/engine/webhooks"
	"signet/internal/pkg/logger"
	"signet/internal/pkg/ratelimit"
	"signet/internal/platform/audit"
	"signet/internal/platform/auth"
	"signet/internal/platform/config"
	"signet/internal/platform/database"
	"signet/internal/platform/queue"
	"signet/internal/platform/repositories"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Repositories
	webhookRepo := repositories.NewWebhookRepository(db)
	documentRepo := repositories.NewDocumentRepository(db)
	signerRepo := repositories.NewSignerRepository(db)
	reminderRepo := repositories.NewReminderRepository(db)
	deadLetterRepo := repositories.NewDeadLetterRepository(db)

	// Services
	tokenSvc, err := auth.NewTokenService(cfg.JWT)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token service")
	}
	q := queue.New(db)
	store := webhooks.NewEventStore(db)
	dispatcher := webhooks.NewDispatcher(webhookRepo, store, webhooks.NewTransport(cfg.Webhooks), q, cfg.Webhooks)
	scheduler := reminders.NewScheduler(documentRepo, signerRepo, reminderRepo, q, cfg.Reminders.DaysBefore)
	docService := documents.NewService(documentRepo, signerRepo, reminderRepo, scheduler, dispatcher)
	dlq := deadletter.NewService(deadLetterRepo, q)
	auditLogger := audit.NewLogger(db)

	limiter := ratelimit.New()
	go limiter.RunCleanup(ctx, 10*time.Minute, 10*time.Minute)

	router := api.NewRouter(&api.Dependencies{
		HealthHandler:     handlers.NewHealthHandler(db),
		MetricsHandler:    handlers.NewMetricsHandler(q, dlq),
		DeadLetterHandler: handlers.NewDeadLetterHandler(dlq, auditLogger),
		WebhookHandler:    handlers.NewWebhookHandler(webhookRepo, store, auditLogger),
		DocumentHandler:   handlers.NewDocumentHandler(documentRepo, docService, scheduler, auditLogger),
		AuditHandler:      handlers.NewAuditHandler(auditLogger),
		AuthMiddleware:    middleware.NewAuthMiddleware(tokenSvc),
		RateLimiter:       middleware.NewRateLimiter(limiter, cfg.RateLimit),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
