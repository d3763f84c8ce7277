// Command token issues an access token for the operator API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"signet/internal/platform/auth"
	"signet/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	userID := flag.String("user", "", "User ID the token is issued to")
	role := flag.String("role", auth.RoleOperator, "Role: admin, operator or viewer")
	email := flag.String("email", "", "Email recorded in the token")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "--user is required")
		os.Exit(2)
	}
	switch *role {
	case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	tokenSvc, err := auth.NewTokenService(cfg.JWT)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token service")
	}

	token, err := tokenSvc.GenerateAccessToken(*userID, *role, *email)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate token")
	}
	fmt.Println(token)
}
