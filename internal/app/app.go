package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/credentials"
	"github.com/dvcrn/dify-proxy/internal/dify"
	"github.com/dvcrn/dify-proxy/internal/server"
)

const initialRefreshTimeout = 30 * time.Second

// App holds the long-lived pieces shared by both entrypoints.
type App struct {
	Server   *server.Server
	Registry *credentials.Registry
	logger   zerolog.Logger
	cfg      *config.Config
}

// New wires the Dify client, model registry and HTTP server. keys supplies
// the Dify application keys; nil selects DIFY_API_KEYS from cfg.
func New(cfg *config.Config, keys credentials.KeySource, logger zerolog.Logger) *App {
	if keys == nil {
		keys = credentials.NewStaticKeySource(cfg.DifyAPIKeys)
	}

	client := dify.NewClient(cfg.DifyAPIBase, nil, logger)
	registry := credentials.NewRegistry(keys, client, cfg.DefaultUser, logger)
	srv := server.New(logger, client, registry, server.OptionsFromConfig(cfg))

	return &App{Server: srv, Registry: registry, logger: logger, cfg: cfg}
}

// Start performs the initial registry refresh and, when configured, starts
// periodic refreshes. A failed refresh is logged, not fatal: the models
// endpoint retries on every call.
func (a *App) Start(ctx context.Context) {
	if len(a.cfg.ValidAPIKeys) == 0 {
		a.logger.Warn().Msg("VALID_API_KEYS is empty, every chat request will be rejected")
	}

	ctx, cancel := context.WithTimeout(ctx, initialRefreshTimeout)
	defer cancel()
	if err := a.Registry.Refresh(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Initial model registry refresh failed")
	}

	if a.cfg.ModelRefreshInterval > 0 {
		a.logger.Info().Dur("interval", a.cfg.ModelRefreshInterval).Msg("Starting periodic model refresh")
		a.Registry.StartAutoRefresh(a.cfg.ModelRefreshInterval)
	}
}

// Close stops background work.
func (a *App) Close() {
	a.Registry.Close()
}
