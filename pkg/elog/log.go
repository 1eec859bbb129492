// Package elog provides structured logging for the storage engine core
// using zerolog. It mirrors the rest of the host process's logging setup:
// one global logger, component-scoped children, and helpers for the
// handful of message shapes the engine emits repeatedly.
package elog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is the engine's log verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global logger. Safe to call more than once (e.g. in
// tests that want console output for a single package).
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sensible default so packages that log before Init is called (e.g.
	// package-level tests) don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel, JSONOutput: false, Output: os.Stderr})
}

// WithComponent returns a child logger tagged with the subsystem name
// (e.g. "recordstore", "oplog", "index", "recoveryunit").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithIdent returns a child logger tagged with the ident a log line is
// about.
func WithIdent(component, ident string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("ident", ident).Logger()
}

// WithOperation returns a child logger tagged with a recovery unit's
// operation-context id, for correlating a run of log lines to one host
// operation.
func WithOperation(component, opCtxID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("op_ctx", opCtxID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

// Fatal logs msg at fatal level and exits the process. Reserved for
// invariant violations (spec §7.2): callers that need a flush delay first
// should use FatalAfterDelay.
func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}

// FatalAfterDelay sleeps briefly so buffered log sinks can flush, then
// logs msg at fatal level and exits. Used for invariant-violation crashes,
// which must not be silently swallowed by a sink that hasn't flushed yet.
func FatalAfterDelay(msg string, delay time.Duration) {
	time.Sleep(delay)
	Logger.Fatal().Msg(msg)
}
