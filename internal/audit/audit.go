// Package audit appends tag reads and writes to a JSON array file in the
// format the Android reader app uses.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// EventType is "read" or "write".
type EventType string

const (
	EventRead  EventType = "read"
	EventWrite EventType = "write"
)

const (
	entryTimeLayout = "2006-01-02 15:04"
	msgTimeLayout   = "2006-01-02T15:04:05"
)

// Entry is one element of the log array.
type Entry struct {
	Time string          `json:"time"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Log writes audit entries to a single file. A Log with an empty path
// records nothing.
type Log struct {
	mu    sync.Mutex
	fs    afero.Fs
	path  string
	clock clockwork.Clock
}

// New returns a Log on fs. Times are taken from clock in local time.
func New(fs afero.Fs, path string, clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Log{fs: fs, path: path, clock: clock}
}

// NewOS returns a Log on the real filesystem.
func NewOS(path string) *Log {
	return New(afero.NewOsFs(), path, nil)
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Enabled reports whether entries are written anywhere.
func (l *Log) Enabled() bool { return l != nil && l.path != "" }

// Record appends an event. raw is the document text read from or written
// to the tag; text that is not JSON is stored as {"msg", "time"}.
func (l *Log) Record(event EventType, raw string) error {
	if !l.Enabled() {
		return nil
	}
	if event != EventWrite {
		event = EventRead
	}

	now := l.clock.Now().Local()
	data, err := eventData(raw, now.Format(msgTimeLayout))
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := json.Marshal(Entry{
		Time: now.Format(entryTimeLayout),
		Type: event,
		Data: data,
	})
	if err != nil {
		return err
	}

	entries := append(l.load(), entry)
	if err := l.save(entries); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	logging.Debug(logging.CatAudit, "Audit entry recorded", map[string]any{
		"type":    string(event),
		"entries": len(entries),
	})
	return nil
}

func eventData(raw, stamp string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	b, err := json.Marshal(struct {
		Msg  string `json:"msg"`
		Time string `json:"time"`
	}{Msg: raw, Time: stamp})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Entries returns the well-formed entries currently in the log.
func (l *Log) Entries() []Entry {
	if !l.Enabled() {
		return nil
	}
	l.mu.Lock()
	raw := l.load()
	l.mu.Unlock()

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal(r, &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// load reads the file. A missing file is empty; a file that is not a JSON
// array is discarded. Elements are kept verbatim.
func (l *Log) load() []json.RawMessage {
	b, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn(logging.CatAudit, "Audit log unreadable, starting fresh", map[string]any{
				"path":  l.path,
				"error": err.Error(),
			})
		}
		return nil
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(b, &entries); err != nil {
		logging.Warn(logging.CatAudit, "Audit log corrupt, starting fresh", map[string]any{
			"path":  l.path,
			"error": err.Error(),
		})
		return nil
	}
	return entries
}

// save replaces the file through a temp file and rename.
func (l *Log) save(entries []json.RawMessage) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := l.path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, b, 0o644); err != nil {
		return err
	}
	return l.fs.Rename(tmp, l.path)
}
