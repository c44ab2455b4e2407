// paycore - payment orchestration for card, wallet and crypto checkouts
package main

import (
	"context"
	"os"

	"github.com/petnest/paycore/internal/config"
	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting paycore",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"base_currency", cfg.BaseCurrency,
		"database", cfg.DatabaseURL != "",
		"card_checkout", cfg.Card.SecretKey != "",
		"regional_wallet", cfg.Wallet.ClientID != "",
		"crypto_invoice", cfg.Crypto.APIKey != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
