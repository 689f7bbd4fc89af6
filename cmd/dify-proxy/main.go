package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvcrn/dify-proxy/internal/app"
	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/logger"
)

func main() {
	cfg, err := config.Load()
	log := logger.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithOptions(logger.Options{Env: cfg.Env, Level: cfg.LogLevel})

	log.Info().
		Str("dify_api_base", cfg.DifyAPIBase).
		Int("dify_keys", len(cfg.DifyAPIKeys)).
		Int("client_keys", len(cfg.ValidAPIKeys)).
		Str("memory_mode", cfg.MemoryMode.String()).
		Msg("📝 Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, nil, log)
	a.Start(ctx)
	defer a.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.Server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.Addr()).Msg("Starting server")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed to start")
	}
	log.Info().Msg("Server stopped")
}
