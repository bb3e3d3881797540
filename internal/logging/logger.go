package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level is the severity of a log entry.
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets entries serialize levels by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Category groups entries by the subsystem that produced them.
type Category string

const (
	CatSystem    Category = "system"
	CatCard      Category = "card"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatAudit     Category = "audit"
)

// Entry is one buffered log line.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffer contents.
type Stats struct {
	Total    int              `json:"total"`
	Capacity int              `json:"capacity"`
	ByLevel  map[string]int   `json:"byLevel"`
	ByCat    map[Category]int `json:"byCategory"`
}

// DefaultBufferSize is the number of entries kept in memory for /v1/logs.
const DefaultBufferSize = 1000

// Logger writes entries to zerolog and keeps the most recent ones in a ring
// buffer.
type Logger struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	out     zerolog.Logger
	minOut  Level
	closers []io.Closer
}

// New creates a logger writing to w. A nil writer only buffers.
func New(size int, w io.Writer, minLevel Level) *Logger {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		entries: make([]Entry, size),
		out:     zerolog.New(w).With().Timestamp().Logger(),
		minOut:  minLevel,
	}
}

var (
	globalMu sync.RWMutex
	global   = New(DefaultBufferSize, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}, LevelInfo)
)

// Get returns the process logger.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetDefault replaces the process logger. Used by Init and tests.
func SetDefault(l *Logger) {
	globalMu.Lock()
	old := global
	global = l
	globalMu.Unlock()
	if old != nil && old != l {
		old.Close()
	}
}

// Options configures Init.
type Options struct {
	// File enables a rotating log file when set.
	File    string
	Debug   bool
	Console bool
}

// Init installs a logger writing to the console and, optionally, a rotating
// file.
func Init(opts Options) error {
	var writers []io.Writer
	var closers []io.Closer

	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    1,
			MaxBackups: 2,
		}
		writers = append(writers, lj)
		closers = append(closers, lj)
	}

	minLevel := LevelInfo
	if opts.Debug {
		minLevel = LevelDebug
	}

	l := New(DefaultBufferSize, io.MultiWriter(writers...), minLevel)
	l.closers = closers
	SetDefault(l)
	return nil
}

// Close releases the rotating file, if any.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.closers {
		_ = c.Close()
	}
	l.closers = nil
}

// Log records an entry. Everything is buffered; only entries at or above the
// output level reach the writer.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	e := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	out := l.out
	minOut := l.minOut
	l.mu.Unlock()

	if level < minOut {
		return
	}
	ev := out.WithLevel(level.zerolog()).Str("category", string(cat))
	if len(data) > 0 {
		ev = ev.Fields(data)
	}
	ev.Msg(msg)
}

// ordered returns entries oldest first. Caller holds the read lock.
func (l *Logger) ordered() []Entry {
	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// GetEntries returns up to limit of the newest matching entries, newest
// first. nil filters match everything.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	all := l.ordered()
	l.mu.RUnlock()

	result := []Entry{}
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats counts buffered entries by level and category.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	all := l.ordered()
	l.mu.RUnlock()

	s := Stats{
		Total:    len(all),
		Capacity: len(l.entries),
		ByLevel:  map[string]int{},
		ByCat:    map[Category]int{},
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCat[e.Category]++
	}
	return s
}

// Clear empties the buffer.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
