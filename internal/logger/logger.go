package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35

	colorBold = 1
)

func colorize(s interface{}, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// Options controls how the process logger is built.
type Options struct {
	// Env selects the output format: "development", "dev" or "" give a
	// colored console writer, anything else JSON.
	Env string
	// Level is a zerolog level name. Unknown or empty values fall back to info.
	Level string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// New creates a logger based on the ENV and LOG_LEVEL environment variables.
func New() zerolog.Logger {
	return NewWithOptions(Options{
		Env:   os.Getenv("ENV"),
		Level: os.Getenv("LOG_LEVEL"),
	})
}

// NewWithOptions builds a logger from explicit options.
func NewWithOptions(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var l zerolog.Logger
	switch opts.Env {
	case "development", "dev", "":
		l = newDevelopment(out)
	default:
		l = newProduction(out)
	}
	return l.Level(ParseLevel(opts.Level))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func newDevelopment(out io.Writer) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i interface{}) string {
			ll, ok := i.(string)
			if !ok {
				return strings.ToUpper(fmt.Sprintf("%s", i))
			}
			switch ll {
			case "trace":
				return colorize("TRC", colorMagenta)
			case "debug":
				return colorize("DBG", colorYellow)
			case "info":
				return colorize("INF", colorGreen)
			case "warn", "error", "fatal", "panic":
				return colorize(strings.ToUpper(ll)[0:3], colorRed)
			default:
				if len(ll) >= 3 {
					return colorize(strings.ToUpper(ll)[0:3], colorBold)
				}
				return colorize(strings.ToUpper(ll), colorBold)
			}
		},
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

// newProduction emits JSON with UNIX timestamps.
func newProduction(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(out).With().Timestamp().Logger()
}

// Preview shortens a secret so it can be logged without exposing it.
func Preview(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "…"
}
