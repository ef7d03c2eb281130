// Package logging builds the zerolog loggers used across gostgen.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New creates a logger writing to output at level. A nil output means stderr.
func New(output io.Writer, level zerolog.Level, format Format) zerolog.Logger {
	if output == nil {
		output = os.Stderr
	}
	if format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "02.01.2006 15:04:05.000"}
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// Component derives a logger tagged with a component name.
func Component(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// ParseLevel accepts gost style names (trace, debug, info, warn, error,
// fatal) and the long names used by older gateway files (Verbose,
// Information, Warning). Matching is case-insensitive; empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "verbose":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info", "information":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
}

// ParseFormat accepts "console" or "json"; empty means console.
func ParseFormat(format string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case "", FormatConsole:
		return FormatConsole, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown log format %q", format)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
