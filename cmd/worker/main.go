package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"signet/internal/engine/deadletter"
	"signet/internal/engine/reminders"
	"signet/internal/engine/webhooks"
	"signet/internal/pkg/logger"
	"signet/internal/platform/config"
	"signet/internal/platform/database"
	"signet/internal/platform/mailer"
	"signet/internal/platform/queue"
	"signet/internal/platform/repositories"
	"signet/internal/workers"
)

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

	sender, err := mailer.New(cfg.Email)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create mailer")
	}

	documentRepo := repositories.NewDocumentRepository(db)
	signerRepo := repositories.NewSignerRepository(db)
	reminderRepo := repositories.NewReminderRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)

	q := queue.New(db)
	dispatcher := webhooks.NewDispatcher(webhookRepo, webhooks.NewEventStore(db), webhooks.NewTransport(cfg.Webhooks), q, cfg.Webhooks)

	runner, err := workers.NewRunner(workers.Dependencies{
		Queue:       q,
		Webhooks:    dispatcher,
		Reminders:   reminders.NewWorker(documentRepo, signerRepo, reminderRepo, sender, cfg.Reminders.SigningBaseURL),
		Sweeper:     reminders.NewScheduler(documentRepo, signerRepo, reminderRepo, q, cfg.Reminders.DaysBefore),
		DeadLetters: deadletter.NewService(repositories.NewDeadLetterRepository(db), q),
	}, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create workers")
	}

	log.Info().Msg("workers starting")
	runner.Run(ctx)
	log.Info().Msg("workers stopped")
}
