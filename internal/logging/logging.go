// Package logging configures the process-wide structured logger.
//
// Grounded on the teacher's logger.go (NewLogger/InitGlobalLogger): a
// zerolog.Logger with timestamp and caller fields, level parsed from a
// string, console-pretty output for local runs and JSON for everything
// else. Narrowed to what chatty needs: one service field and one log
// level string straight out of Config, no separate pretty/JSON toggle
// since a Unix-socket chat daemon has no Loki pipeline to format for.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error", or "fatal"; anything else falls back to "info").
func New(level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Str("service", "chatty").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
