package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/dvcrn/codex-gateway/internal/codex"
	"github.com/dvcrn/codex-gateway/internal/config"
	"github.com/dvcrn/codex-gateway/internal/logger"
	"github.com/dvcrn/codex-gateway/internal/oauth"
	"github.com/dvcrn/codex-gateway/internal/server"
)

func main() {
	configPath := flag.String("config", "codex-gateway.json", "Path to the gateway config file")
	flag.Parse()

	log := logger.New()

	store, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}

	cfg := store.Snapshot()
	tokens := cfg.Codex
	if tokens.Authenticated() {
		log.Info().
			Str("account_id", tokens.AccountID).
			Str("last_refresh", tokens.LastRefresh).
			Msg("✅ Codex credentials loaded")
	} else {
		log.Warn().Msg("⚠️  Not authenticated, complete the login via /api/codex/oauth/start")
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("⚠️  No api_key configured, completion routes are open")
	}
	if cfg.AdminKey == "" {
		log.Warn().Msg("⚠️  No admin_key configured, admin routes are open")
	}

	dispatcher := codex.NewDispatcher(store, nil, log)
	flow := oauth.NewFlow(store, nil, log)
	srv := server.New(log, store, dispatcher, flow)

	address := cfg.Address
	if fromEnv := os.Getenv("PORT"); fromEnv != "" {
		address = ":" + fromEnv
	}

	log.Info().Str("address", address).Msg("Starting server")
	log.Fatal().Err(http.ListenAndServe(address, srv)).Msg("Server failed to start")
}
