package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (mode changes, link health, faults)
	LevelLive    = 2 // Live info (commands sent to the dome, park requests)
	LevelVerbose = 3 // Verbose (per-tick geometry, fusion decisions)
	LevelTrace   = 4 // Trace (wire lines, GPIO, very low level)
)

// slog levels for the live and trace tiers, which slog has no names for.
const (
	slogLive  = slog.Level(-2)
	slogTrace = slog.Level(-8)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger           = slog.New(discardHandler{})
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (mode changes, link health, faults)
// 2 = live info (dome commands, park requests)
// 3 = verbose (geometry, fusion, tracker details)
// 4 = trace (wire lines, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output (e.g. to tee into the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

func rebuild() {
	if level <= LevelOff {
		logger = slog.New(discardHandler{})
		return
	}
	logger = slog.New(&textHandler{
		w:     out,
		min:   minLevel(level),
		mu:    &sync.Mutex{},
		attrs: nil,
	})
}

func minLevel(debugLevel int) slog.Level {
	switch {
	case debugLevel >= LevelTrace:
		return slogTrace
	case debugLevel == LevelVerbose:
		return slog.LevelDebug
	case debugLevel == LevelLive:
		return slogLive
	default:
		return slog.LevelInfo
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// Logger returns the structured logger. It never returns nil; with the
// debug level at 0 every record is discarded.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func logf(l slog.Level, format string, args ...any) {
	lg := Logger()
	if !lg.Enabled(context.Background(), l) {
		return
	}
	lg.Log(context.Background(), l, fmt.Sprintf(format, args...))
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...any) {
	logf(slog.LevelInfo, format, args...)
}

// Warn prints a level 1 warning.
func Warn(format string, args ...any) {
	logf(slog.LevelWarn, format, args...)
}

// Error prints a debug error (level 1+).
func Error(err error) {
	if err == nil {
		return
	}
	logf(slog.LevelError, "%v", err)
}

// Summary prints an important summary banner (level 1).
func Summary(title string) {
	Info("═══════════════ %s ═══════════════", title)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value any) {
	logf(slog.LevelInfo, "  %s = %v", name, value)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...any) {
	logf(slogLive, format, args...)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...any) {
	logf(slog.LevelDebug, format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...any) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v any) {
	logf(slog.LevelDebug, "%s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	logf(slog.LevelDebug, "━━━━━━━━━━ %s ━━━━━━━━━━", name)
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	logf(slog.LevelDebug, "Step %d: %s", num, description)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...any) {
	logf(slogTrace, format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value any) {
	logf(slogTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// Wire prints a line exchanged with the motor controller (level 4).
func Wire(direction, link, line string) {
	logf(slogTrace, "[WIRE] %s %s %q", direction, link, line)
}

// textHandler renders records as "[DomeGo] time [LEVEL] msg [k=v ...]".
type textHandler struct {
	w     io.Writer
	min   slog.Level
	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.min
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString("[DomeGo] ")
	b.WriteString(r.Time.Format("2006/01/02 15:04:05.000000"))
	b.WriteString(" [")
	b.WriteString(levelName(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(attrs, " "))
		b.WriteString("]")
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *textHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindTime {
		return fmt.Sprintf("%s=%s", key, v.Time().Format(time.RFC3339))
	}
	return fmt.Sprintf("%s=%v", key, v.Any())
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	case l >= slogLive:
		return "LIVE"
	case l >= slog.LevelDebug:
		return "VERBOSE"
	default:
		return "TRACE"
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
