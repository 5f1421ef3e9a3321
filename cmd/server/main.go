// Baggo - escrow-backed peer-to-peer package delivery
package main

import (
	"context"
	"os"

	"github.com/baggo/baggo/internal/config"
	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting baggo",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Reconfigure logging now that level and format are known
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"stripe", cfg.StripeSecretKey != "",
		"paystack", cfg.PaystackSecretKey != "",
		"postgres", cfg.DatabaseURL != "",
	)

	server.Version = Version
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
