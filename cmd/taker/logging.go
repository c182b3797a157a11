package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// newLogger builds the process logger: pretty console output when stdout is
// a terminal, JSON lines otherwise so collected logs stay parseable. The
// level comes from LOG_LEVEL / --log-level.
func newLogger(level string) (zerolog.Logger, error) {
	raw := strings.ToLower(strings.TrimSpace(level))
	if raw == "" {
		raw = "info"
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("LOG_LEVEL %q: %w", level, err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var out io.Writer = os.Stdout
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
