package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	silent = true
	format = FORMAT_CONSOLE
	output io.Writer = os.Stderr
)

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"
)

const (
	FORMAT_CONSOLE = "console"
	FORMAT_JSON    = "json"
)

func init() {
	// Default to silent mode (no output)
	SetSilentMode(true)
}

// SetSilentMode configures whether logging should be silent or output to stderr
func SetSilentMode(s bool) {
	silent = s
	rebuild()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetFormat selects console or JSON lines output
func SetFormat(f string) error {
	switch strings.ToLower(f) {
	case FORMAT_CONSOLE, "":
		format = FORMAT_CONSOLE
	case FORMAT_JSON:
		format = FORMAT_JSON
	default:
		return fmt.Errorf("unknown log format %q, want console or json", f)
	}
	rebuild()
	return nil
}

// SetOutput redirects log output to w; silent mode still discards it
func SetOutput(w io.Writer) {
	output = w
	rebuild()
}

func rebuild() {
	var w io.Writer
	switch {
	case silent:
		w = io.Discard
	case format == FORMAT_JSON:
		w = output
	default:
		w = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    output != os.Stderr,
		}
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// GetLogger returns a logger tagged with the given component name.
// Loggers keep the output in effect when they were created.
func GetLogger(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// SetLevel sets the global log level
func SetLevel(level string) {
	switch level {
	case LOG_DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LOG_INFO:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case LOG_WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LOG_ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
