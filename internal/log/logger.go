package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Options configures a logger built by New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text, auto
	Writer io.Writer
}

// New builds a logger from opts.
// logic: default to INFO. If level is invalid, fallback to INFO. "auto" picks
// the text handler when the writer is a terminal and JSON otherwise.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	switch resolveFormat(opts.Format, w) {
	case "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelForVerbosity maps the -v count of the CLI onto a level name.
func LevelForVerbosity(verbosity int, configured string) string {
	switch {
	case verbosity >= 3:
		return "debug"
	case verbosity > 0 && ParseLevel(configured) > slog.LevelInfo:
		return "info"
	default:
		return configured
	}
}

// WithComponent returns a logger with the component field set.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return orDiscard(l).With(slog.String("component", name))
}

// WithHost returns a logger with the host field set.
func WithHost(l *slog.Logger, host string) *slog.Logger {
	return orDiscard(l).With(slog.String("host", host))
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func resolveFormat(format string, w io.Writer) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return "text"
	case "auto":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return "text"
		}
		return "json"
	default:
		return "json"
	}
}
