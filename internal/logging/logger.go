package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger wraps the charmbracelet logger so components share one type.
type Logger struct {
	*log.Logger
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// New builds a logger writing to w at the given level ("debug", "info", "warn", "error").
// DEBUG=1 in the environment forces debug level with caller and timestamps.
func New(w io.Writer, level string) *Logger {
	if os.Getenv("DEBUG") == "1" {
		base := log.NewWithOptions(w, log.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			Prefix:          "uniconvert",
		})
		base.SetLevel(log.DebugLevel)
		return &Logger{Logger: base}
	}
	base := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "uniconvert",
	})
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	base.SetLevel(lvl)
	return &Logger{Logger: base}
}

// SetDefault replaces the process-wide logger returned by Default.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Default returns the process-wide logger, creating an info-level stderr logger on first use.
func Default() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(os.Stderr, "info")
	}
	return defaultLogger
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	base := log.New(io.Discard)
	return &Logger{Logger: base}
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...)}
}
