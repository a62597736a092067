// Package log provides the module-gated slog wrapper used throughout the
// register mediator. It mirrors the go-ethereum style logger: a small
// Logger interface over slog, level aliases for trace/crit, and a terminal
// handler that can colorize its output.
package log

import (
	"context"
	"log/slog"
	"math"
	"os"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

// LevelAlignedString returns a fixed-width name for l, used by the terminal handler.
func LevelAlignedString(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO "
	case slog.LevelWarn:
		return "WARN "
	case slog.LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT "
	default:
		return "UNKNO"
	}
}

// Logger writes key/value pairs to a slog.Handler. Its methods do not
// consult the module table; module gating applies to the package-level
// Trace and Debug functions (see root.go).
type Logger interface {
	With(ctx ...interface{}) Logger
	New(ctx ...interface{}) Logger

	Trace(module string, msg string, ctx ...interface{})
	Debug(module string, msg string, ctx ...interface{})
	Info(module string, msg string, ctx ...interface{})
	Warn(module string, msg string, ctx ...interface{})
	Error(module string, msg string, ctx ...interface{})
	Crit(module string, msg string, ctx ...interface{})

	Write(level slog.Level, module string, msg string, attrs ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

// NewLogger returns a Logger backed by h.
func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler {
	return l.inner.Handler()
}

func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(slog.String("module", module))
	r.Add(attrs...)
	l.inner.Handler().Handle(context.Background(), r)
}

func (l *logger) With(ctx ...interface{}) Logger { return &logger{l.inner.With(ctx...)} }
func (l *logger) New(ctx ...interface{}) Logger   { return l.With(ctx...) }

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) Trace(module string, msg string, ctx ...interface{}) { l.Write(LevelTrace, module, msg, ctx...) }
func (l *logger) Debug(module string, msg string, ctx ...interface{}) { l.Write(LevelDebug, module, msg, ctx...) }
func (l *logger) Info(module string, msg string, ctx ...interface{})  { l.Write(LevelInfo, module, msg, ctx...) }
func (l *logger) Warn(module string, msg string, ctx ...interface{})  { l.Write(LevelWarn, module, msg, ctx...) }
func (l *logger) Error(module string, msg string, ctx ...interface{}) { l.Write(LevelError, module, msg, ctx...) }

func (l *logger) Crit(module string, msg string, ctx ...interface{}) {
	l.Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
