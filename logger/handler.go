package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

func createHandler(format string, level slog.Leveler, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.NewJSONHandler(output, opts)
	case "text":
		return slog.NewTextHandler(output, opts)
	default:
		// "color" and unset formats colorize only when writing to a terminal
		if isTerminal(output) {
			return NewColorHandler(output, opts)
		}
		return slog.NewTextHandler(output, opts)
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// ColorHandler writes one colorized line per record:
//
//	15:04:05.000 INFO  [controller] mining started addr=0xabc
//
// The component attribute, when present, is rendered as a bracketed prefix
// instead of a key=value pair.
type ColorHandler struct {
	mu        *sync.Mutex
	output    io.Writer
	opts      slog.HandlerOptions
	component string
	attrs     []slog.Attr
	groups    []string
}

// NewColorHandler creates a new ColorHandler
func NewColorHandler(output io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	h := &ColorHandler{mu: &sync.Mutex{}, output: output}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

// Enabled reports whether the handler handles records at the given level
func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes the record.
func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(color.HiBlackString(r.Time.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(colorizeLevel(r.Level))
	b.WriteByte(' ')

	component := h.component
	var attrs []slog.Attr
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, h.qualify(a))
		return true
	})

	if component != "" {
		b.WriteString(color.MagentaString("[%s]", component))
		b.WriteByte(' ')
	}
	b.WriteString(r.Message)

	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", color.CyanString(a.Key), a.Value.Resolve())
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.output, b.String())
	return err
}

func (h *ColorHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	return slog.Attr{Key: strings.Join(h.groups, ".") + "." + a.Key, Value: a.Value}
}

// WithAttrs returns a handler that prepends attrs to every record.
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return next
}

// WithGroup returns a handler that qualifies subsequent attribute keys.
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *ColorHandler) clone() *ColorHandler {
	return &ColorHandler{
		mu:        h.mu,
		output:    h.output,
		opts:      h.opts,
		component: h.component,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
	}
}

func colorizeLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return color.RedString("ERROR")
	case level >= slog.LevelWarn:
		return color.YellowString("WARN ")
	case level >= slog.LevelInfo:
		return color.GreenString("INFO ")
	default:
		return color.CyanString("DEBUG")
	}
}
