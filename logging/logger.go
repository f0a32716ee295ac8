package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the process-wide structured logger shared by every engine package.
// Defaults to a no-op (discard) handler until Init is called.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

var logDir string

// Options controls where log output goes.
type Options struct {
	// Dir receives level-split rotating log files. Empty disables file output.
	Dir string
	// Level is the minimum level written to the debug/info files ("debug", "info", "warn", "error").
	Level string
	// Console routes INFO→stdout and WARN/ERROR→stderr.
	Console bool
}

// Init configures the shared logger.
// If opts.Dir is non-empty, writes level-split log files:
//   - lazytree_warn.log : WARN + ERROR (no practical size limit)
//   - lazytree_info.log : INFO only (1MB, 1 backup)
//   - lazytree_debug.log: DEBUG only (1MB, 1 backup)
func Init(opts Options) {
	handlers := []slog.Handler{&errorCaptureHandler{}}
	minLevel := ParseLevel(opts.Level)

	if opts.Console {
		handlers = append(handlers, &consoleHandler{
			stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
			stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		})
	}

	if opts.Dir != "" {
		os.MkdirAll(opts.Dir, 0750) //nolint:errcheck

		warnFile := slog.NewTextHandler(&lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "lazytree_warn.log"),
			MaxSize:    1000,
			MaxBackups: 3,
		}, &slog.HandlerOptions{Level: slog.LevelWarn})
		handlers = append(handlers, warnFile)

		if minLevel <= slog.LevelInfo {
			handlers = append(handlers, &levelRangeHandler{
				min: slog.LevelInfo,
				max: slog.LevelInfo,
				inner: slog.NewTextHandler(&lumberjack.Logger{
					Filename:   filepath.Join(opts.Dir, "lazytree_info.log"),
					MaxSize:    1,
					MaxBackups: 1,
				}, &slog.HandlerOptions{Level: slog.LevelInfo}),
			})
		}

		if minLevel <= slog.LevelDebug {
			handlers = append(handlers, &levelRangeHandler{
				min: slog.LevelDebug,
				max: slog.LevelDebug,
				inner: slog.NewTextHandler(&lumberjack.Logger{
					Filename:   filepath.Join(opts.Dir, "lazytree_debug.log"),
					MaxSize:    1,
					MaxBackups: 1,
				}, &slog.HandlerOptions{Level: slog.LevelDebug}),
			})
		}
	}

	logDir = opts.Dir
	logger = slog.New(&multiHandler{handlers: handlers})
}

// ParseLevel maps a config level name onto a slog level. Unknown names mean INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sub returns a child logger tagged with the given component name.
func Sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// Enabled reports whether the given log level is enabled.
// Use this to guard expensive DEBUG logging in hot paths.
func Enabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// Dir returns the directory log files are written to, or "" when file output is off.
func Dir() string {
	return logDir
}

// --- consoleHandler: routes INFO→stdout, WARN+→stderr ---

type consoleHandler struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		stdout: h.stdout.WithAttrs(attrs),
		stderr: h.stderr.WithAttrs(attrs),
	}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{
		stdout: h.stdout.WithGroup(name),
		stderr: h.stderr.WithGroup(name),
	}
}

// --- errorCapture: captures recent error-level log messages ---

const errorRingSize = 4

// LogEntry represents a captured error log entry.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Comp    string    `json:"comp"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

var errorRing struct {
	mu      sync.Mutex
	entries [errorRingSize]LogEntry
	count   int
}

// RecentErrors returns the most recent error log entries, newest first.
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := min(errorRing.count, errorRingSize)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(errorRing.count-1-i)%errorRingSize]
	}
	return out
}

type errorCaptureHandler struct {
	comp string
}

func (h *errorCaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *errorCaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Comp:    h.comp,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	})
	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%errorRingSize] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

// WithAttrs keeps the component tag so entries logged through Sub loggers
// are attributed correctly.
func (h *errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	for _, a := range attrs {
		if a.Key == "comp" {
			return &errorCaptureHandler{comp: a.Value.String()}
		}
	}
	return h
}

func (h *errorCaptureHandler) WithGroup(_ string) slog.Handler { return h }

// --- levelRangeHandler: passes only a specific level range ---

type levelRangeHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *levelRangeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *levelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRangeHandler) WithGroup(name string) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// --- multiHandler: fans out to multiple handlers ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
