package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// PrettyHandler renders records as colored single lines:
// [time] LEVEL message key=value ...
type PrettyHandler struct {
	opts  slog.HandlerOptions
	mu    sync.Mutex
	w     io.Writer
	group string
	attrs []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(ansiGray)
	b.WriteByte('[')
	b.WriteString(r.Time.Format(time.DateTime))
	b.WriteByte(']')
	b.WriteString(ansiReset)
	b.WriteByte(' ')

	b.WriteString(levelColor(r.Level))
	b.WriteString(ansiBold)
	fmt.Fprintf(&b, "%-5s", r.Level.String())
	b.WriteString(ansiReset)
	b.WriteByte(' ')

	b.WriteString(r.Message)

	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	if len(attrs) > 0 {
		b.WriteByte(' ')
		b.WriteString(ansiCyan)
		for i, a := range attrs {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeAttr(&b, a, h.group)
		}
		b.WriteString(ansiReset)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &PrettyHandler{opts: h.opts, w: h.w, group: h.group, attrs: merged}
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &PrettyHandler{opts: h.opts, w: h.w, group: group, attrs: h.attrs}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func writeAttr(b *strings.Builder, a slog.Attr, group string) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	b.WriteString(key)
	b.WriteByte('=')

	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if needsQuoting(s) {
			b.WriteString(strconv.Quote(s))
		} else {
			b.WriteString(s)
		}
	case slog.KindTime:
		b.WriteString(a.Value.Time().Format(time.RFC3339))
	case slog.KindGroup:
		b.WriteByte('{')
		for i, ga := range a.Value.Group() {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeAttr(b, ga, "")
		}
		b.WriteByte('}')
	default:
		fmt.Fprint(b, a.Value.Any())
	}
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, " \t\n\"")
}
