package main

import (
	"context"
	"flag"

	"github.com/rs/zerolog/log"

	"signet/internal/pkg/logger"
	"signet/internal/platform/config"
	"signet/internal/platform/database"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	log.Info().Str("database", cfg.Database.URL).Msg("migration completed successfully")
}
