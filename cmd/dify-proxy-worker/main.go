//go:build js && wasm

package main

import (
	"context"

	"github.com/dvcrn/dify-proxy/internal/app"
	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/credentials"
	"github.com/dvcrn/dify-proxy/internal/logger"
	"github.com/syumai/workers"
	"github.com/syumai/workers/cloudflare"
)

func main() {
	log := logger.New()

	cfg, err := config.LoadFunc(cloudflare.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	var keys credentials.KeySource
	if len(cfg.DifyAPIKeys) == 0 {
		log.Info().Msg("📦 Using Cloudflare KV for Dify API keys")
		kvSource, err := credentials.NewCloudflareKVKeySource()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Cloudflare KV key source")
		}
		keys = kvSource
	}

	log = logger.NewWithOptions(logger.Options{Env: cfg.Env, Level: cfg.LogLevel})

	a := app.New(cfg, keys, log)
	a.Start(context.Background())

	// Serve using workers - it handles all the HTTP server setup
	workers.Serve(a.Server)
}
