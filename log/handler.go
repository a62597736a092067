package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// DiscardHandler returns a handler that drops every record; it is the
// default root handler until InitLogger is called.
func DiscardHandler() slog.Handler {
	return discardHandler{}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// terminalHandler renders records as "LVL[time] msg key=val ..." to w,
// optionally colorized. It is deliberately small: the register mediator
// only needs enough structure to read spill/restore traces off a terminal.
type terminalHandler struct {
	mu       sync.Mutex
	w        io.Writer
	level    slog.Level
	useColor bool
	attrs    []slog.Attr
}

// NewTerminalHandlerWithLevel returns a slog.Handler writing aligned,
// optionally colorized lines to w, filtering out anything below lvl.
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, useColor bool) slog.Handler {
	return &terminalHandler{w: w, level: lvl, useColor: useColor}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%s[%s] %s", colorize(h.useColor, r.Level), r.Time.Format("15:04:05.000"), r.Message)

	attrs := make([]slog.Attr, 0, r.NumAttrs()+len(h.attrs))
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	for _, a := range attrs {
		fmt.Fprintf(buf, " %s=%v", a.Key, a.Value.Any())
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &terminalHandler{w: h.w, level: h.level, useColor: h.useColor}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return nh
}

func (h *terminalHandler) WithGroup(string) slog.Handler { return h }

func colorize(useColor bool, lvl slog.Level) string {
	label := LevelAlignedString(lvl)
	if !useColor {
		return label
	}
	code := 37
	switch {
	case lvl >= LevelCrit:
		code = 35
	case lvl >= LevelError:
		code = 31
	case lvl >= LevelWarn:
		code = 33
	case lvl >= LevelInfo:
		code = 32
	case lvl >= LevelDebug:
		code = 36
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", code, label)
}
