// Package logging holds the server's structured logging conventions.
//
// Loggers are dependency-injected, never global. Each component scopes
// its logger once at construction with slog.With, and a nil logger
// falls back to a discard logger so tests and embedders stay quiet by
// default. Output format, level, and destination are decided only in
// main(); components never call slog.SetDefault.
//
// Log points sit at lifecycle boundaries: vault load and eviction,
// materialize failures, session join and leave, backup sweeps. Nothing
// logs per keystroke or per sync frame.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops every record. It backs Default
// and suits tests that do not care about log output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default resolves an optional logger parameter: the logger itself when
// non-nil, a discard logger otherwise. Constructors scope the result
// once:
//
//	logger: logging.Default(cfg.Logger).With("component", "registry")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
