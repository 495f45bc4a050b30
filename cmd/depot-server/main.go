package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/foundry/depot/internal/adapters/index"
	"github.com/foundry/depot/internal/api/handlers"
	"github.com/foundry/depot/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "depot-server").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if len(cfg.Auth.Tokens) == 0 {
		logger.Fatal().Msg("no auth tokens configured, every deployment would be rejected")
	}

	idx, err := index.Open(cfg.Local.Basedir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open artifact index")
	}
	defer idx.Close()

	handler := handlers.New(cfg.Local.Basedir, idx, cfg.Auth.Tokens, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		srv.Close()
	}()

	logger.Info().Str("addr", addr).Str("repository", cfg.Local.Basedir).Msg("starting depot server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
}
