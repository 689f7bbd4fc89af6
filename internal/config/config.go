// Package config loads the proxy configuration from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// MemoryMode selects how conversation continuity is carried across turns.
type MemoryMode int

const (
	// MemoryHistory embeds prior turns as a transcript inside the query.
	MemoryHistory MemoryMode = 1
	// MemoryInvisible carries the upstream conversation id as an invisible
	// token at the tail of assistant replies.
	MemoryInvisible MemoryMode = 2
)

func (m MemoryMode) String() string {
	switch m {
	case MemoryHistory:
		return "history"
	case MemoryInvisible:
		return "invisible"
	default:
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
}

type Config struct {
	DifyAPIBase string   `env:"DIFY_API_BASE,required"`
	DifyAPIKeys []string `env:"DIFY_API_KEYS" envSeparator:","`

	ValidAPIKeys []string `env:"VALID_API_KEYS" envSeparator:","`
	AdminAPIKey  string   `env:"ADMIN_API_KEY"`

	MemoryMode MemoryMode `env:"CONVERSATION_MEMORY_MODE" envDefault:"1"`

	Host string `env:"SERVER_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"SERVER_PORT" envDefault:"5000"`

	ModelRefreshInterval    time.Duration `env:"MODEL_REFRESH_INTERVAL" envDefault:"0s"`
	StreamKeepAliveInterval time.Duration `env:"STREAM_KEEPALIVE_INTERVAL" envDefault:"15s"`

	DefaultUser     string `env:"DEFAULT_USER" envDefault:"default_user"`
	CORSAllowOrigin string `env:"CORS_ALLOW_ORIGIN" envDefault:"*"`

	Env      string `env:"ENV"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and parses the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}
	return parse(env.Options{})
}

// LoadFrom parses configuration from the given variables only.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

// Variables lists every variable Config reads.
var Variables = []string{
	"DIFY_API_BASE", "DIFY_API_KEYS", "VALID_API_KEYS", "ADMIN_API_KEY",
	"CONVERSATION_MEMORY_MODE", "SERVER_HOST", "SERVER_PORT",
	"MODEL_REFRESH_INTERVAL", "STREAM_KEEPALIVE_INTERVAL",
	"DEFAULT_USER", "CORS_ALLOW_ORIGIN", "ENV", "LOG_LEVEL",
}

// LoadFunc parses configuration from a lookup function, for runtimes such as
// Workers where bindings are not process environment variables.
func LoadFunc(getenv func(string) string) (*Config, error) {
	environ := make(map[string]string, len(Variables))
	for _, name := range Variables {
		if v := getenv(name); v != "" {
			environ[name] = v
		}
	}
	return LoadFrom(environ)
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing env config: %w", err)
	}
	cfg.DifyAPIBase = strings.TrimRight(strings.TrimSpace(cfg.DifyAPIBase), "/")
	cfg.DifyAPIKeys = cleanList(cfg.DifyAPIKeys)
	cfg.ValidAPIKeys = cleanList(cfg.ValidAPIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants env tags cannot express.
func (c *Config) Validate() error {
	if c.MemoryMode != MemoryHistory && c.MemoryMode != MemoryInvisible {
		return fmt.Errorf("CONVERSATION_MEMORY_MODE must be 1 or 2, got %d", int(c.MemoryMode))
	}
	u, err := url.Parse(c.DifyAPIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DIFY_API_BASE must be an absolute URL, got %q", c.DifyAPIBase)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("SERVER_PORT out of range: %d", c.Port)
	}
	if c.StreamKeepAliveInterval < 0 || c.ModelRefreshInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
