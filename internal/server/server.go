package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvcrn/dify-proxy/internal/config"
	"github.com/dvcrn/dify-proxy/internal/credentials"
	"github.com/dvcrn/dify-proxy/internal/dify"
	"github.com/dvcrn/dify-proxy/internal/metrics"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// Upstream is the part of the Dify client the server needs.
type Upstream interface {
	ChatMessages(ctx context.Context, apiKey string, req dify.ChatRequest) (*http.Response, error)
	ChatMessagesBlocking(ctx context.Context, apiKey string, req dify.ChatRequest) (*dify.ChatResponse, error)
}

// ModelRegistry resolves model names to Dify application keys.
type ModelRegistry interface {
	Refresh(ctx context.Context) error
	Lookup(name string) (string, bool)
	Names() []string
	Models(created int64) []credentials.Model
	Status() credentials.Status
}

// Options carries the settings the HTTP surface needs.
type Options struct {
	MemoryMode        config.MemoryMode
	DefaultUser       string
	ValidAPIKeys      []string
	AdminAPIKey       string
	CORSAllowOrigin   string
	KeepAliveInterval time.Duration
}

// OptionsFromConfig maps the process configuration onto server options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MemoryMode:        cfg.MemoryMode,
		DefaultUser:       cfg.DefaultUser,
		ValidAPIKeys:      cfg.ValidAPIKeys,
		AdminAPIKey:       cfg.AdminAPIKey,
		CORSAllowOrigin:   cfg.CORSAllowOrigin,
		KeepAliveInterval: cfg.StreamKeepAliveInterval,
	}
}

type Server struct {
	upstream   Upstream
	registry   ModelRegistry
	translator *RequestTranslator
	opts       Options
	mux        *http.ServeMux
	handler    http.Handler
	logger     zerolog.Logger

	now      func() time.Time
	newPacer func() *Pacer
}

func New(logger zerolog.Logger, upstream Upstream, registry ModelRegistry, opts Options) *Server {
	if opts.MemoryMode == 0 {
		opts.MemoryMode = config.MemoryHistory
	}
	if opts.DefaultUser == "" {
		opts.DefaultUser = "default_user"
	}
	if opts.CORSAllowOrigin == "" {
		opts.CORSAllowOrigin = "*"
	}

	s := &Server{
		upstream:   upstream,
		registry:   registry,
		translator: NewRequestTranslator(opts.MemoryMode, opts.DefaultUser, logger),
		opts:       opts,
		mux:        http.NewServeMux(),
		logger:     logger,
		now:        time.Now,
		newPacer:   NewPacer,
	}

	s.setupRoutes()
	s.handler = s.recoverMiddleware(s.loggingMiddleware(s.corsMiddleware(s.mux)))
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("/v1/chat/completions", metrics.Middleware("chat_completions", s.apiKeyMiddleware(s.chatCompletionsHandler)))
	s.mux.Handle("/v1/models", metrics.Middleware("models", http.HandlerFunc(s.modelsHandler)))
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/admin/models/status", s.adminMiddleware(s.modelsStatusHandler))
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

// modelsHandler refreshes the registry before listing. A failed refresh
// still lists whatever the current snapshot holds.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info().Msg("Listing available models")
	if err := s.registry.Refresh(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Model registry refresh failed")
	}

	s.writeJSON(w, http.StatusOK, modelsResponse{
		Object: "list",
		Data:   s.registry.Models(s.now().Unix()),
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	s.writeError(w, http.StatusNotFound, errTypeInvalidRequest, "not_found",
		"Unknown route: "+r.Method+" "+r.URL.Path)
}

func (s *Server) unknownModelMessage(model string) string {
	return "Model " + model + " is not supported. Available models: " + strings.Join(s.registry.Names(), ", ")
}
