// Package log provides leveled, categorized logging for the marcus server.
// Entries go to a log file and are also published on a broker so other
// components (tests, the event pipeline) can observe the stream.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/bus"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown values mean Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups related log messages.
type Category string

const (
	CatServer    Category = "server"    // startup, shutdown, signals
	CatMCP       Category = "mcp"       // protocol framing and dispatch
	CatAssign    Category = "assign"    // assignment engine decisions
	CatLifecycle Category = "lifecycle" // progress, blockers, releases
	CatKanban    Category = "kanban"    // board provider calls
	CatAI        Category = "ai"        // AI adapter calls
	CatMonitor   Category = "monitor"   // error monitor, patterns, health
	CatReconcile Category = "reconcile" // reconciliation corrections
	CatLedger    Category = "ledger"    // assignment ledger persistence
	CatConfig    Category = "config"    // configuration loading/saving
	CatEvents    Category = "events"    // realtime event log
	CatCache     Category = "cache"     // typed TTL caches
	CatDB        Category = "db"        // local board database
	CatTrace     Category = "trace"     // tracing provider
)

// Entry is one log record as published on the broker.
type Entry struct {
	Time     time.Time
	Level    Level
	Category Category
	Message  string
	Fields   string
}

type logger struct {
	mu     sync.Mutex
	file   *os.File
	level  Level
	broker *bus.Broker[Entry]
}

var (
	defaultMu sync.RWMutex
	def       *logger
)

// Init opens (or creates) the log file and installs the default logger.
// The returned cleanup closes the file. Logging before Init is a no-op,
// which keeps the stdio transport clean when no log path is configured.
func Init(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	l := &logger{
		file:   f,
		level:  LevelInfo,
		broker: bus.New[Entry](),
	}

	defaultMu.Lock()
	def = l
	defaultMu.Unlock()

	cleanup := func() error {
		defaultMu.Lock()
		if def == l {
			def = nil
		}
		defaultMu.Unlock()
		l.broker.Close()
		return f.Close()
	}
	return cleanup, nil
}

// SetLevel adjusts the minimum level written by the default logger.
func SetLevel(level Level) {
	defaultMu.RLock()
	l := def
	defaultMu.RUnlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Broker exposes the entry stream of the default logger, or nil before Init.
func Broker() *bus.Broker[Entry] {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if def == nil {
		return nil
	}
	return def.broker
}

// Debug writes a debug entry. kv alternates key, value.
func Debug(cat Category, msg string, kv ...any) { write(LevelDebug, cat, msg, kv...) }

// Info writes an info entry.
func Info(cat Category, msg string, kv ...any) { write(LevelInfo, cat, msg, kv...) }

// Warn writes a warning entry.
func Warn(cat Category, msg string, kv ...any) { write(LevelWarn, cat, msg, kv...) }

// Error writes an error entry.
func Error(cat Category, msg string, kv ...any) { write(LevelError, cat, msg, kv...) }

// ErrorErr writes an error entry with the error appended as a field.
func ErrorErr(cat Category, msg string, err error, kv ...any) {
	write(LevelError, cat, msg, append(kv, "error", err)...)
}

func write(level Level, cat Category, msg string, kv ...any) {
	defaultMu.RLock()
	l := def
	defaultMu.RUnlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}
	now := time.Now()
	fields := formatFields(kv)
	line := fmt.Sprintf("%s [%-5s] [%s] %s", now.Format("2006-01-02T15:04:05.000"), level, cat, msg)
	if fields != "" {
		line += " " + fields
	}
	_, _ = l.file.WriteString(line + "\n")
	broker := l.broker
	l.mu.Unlock()

	broker.Publish(Entry{Time: now, Level: level, Category: cat, Message: msg, Fields: fields})
}

func formatFields(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		key := fmt.Sprintf("%v", kv[i])
		if i+1 < len(kv) {
			fmt.Fprintf(&b, "%s=%v", key, kv[i+1])
		} else {
			fmt.Fprintf(&b, "%s=", key)
		}
	}
	return b.String()
}
