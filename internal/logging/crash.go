package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is the maximum number of crash logs to keep
	MaxCrashLogs = 20
	// CrashLogMaxAge is the maximum age of crash logs before cleanup
	CrashLogMaxAge = 30 * 24 * time.Hour

	crashPrefix = "crash_"
	crashSuffix = ".log"
)

var (
	crashDirMu       sync.RWMutex
	crashDirOverride string
)

// SetCrashLogDir overrides the platform crash directory. An empty string
// restores the default.
func SetCrashLogDir(dir string) {
	crashDirMu.Lock()
	crashDirOverride = dir
	crashDirMu.Unlock()
}

// CrashLogDir returns the directory for crash logs based on the platform.
func CrashLogDir() string {
	crashDirMu.RLock()
	dir := crashDirOverride
	crashDirMu.RUnlock()
	if dir != "" {
		return dir
	}
	return DefaultDataDir()
}

// DefaultDataDir is the per-user directory for logs and the audit file.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "Battery-Agent")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = home
		}
		return filepath.Join(appData, "Battery-Agent", "logs")
	default:
		return filepath.Join(home, ".local", "share", "battery-agent", "logs")
	}
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// WriteCrashLog writes a crash report to a timestamped file and returns its
// path. Old reports are pruned in the background.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	now := time.Now()
	crashFilePath := filepath.Join(dir, crashPrefix+now.Format("2006-01-02_15-04-05")+crashSuffix)

	var b strings.Builder
	b.WriteString("Battery Agent Crash Report\n")
	b.WriteString("==========================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Panic Value:\n%v\n\n", panicValue)
	fmt.Fprintf(&b, "Stack Trace:\n%s\n\n", stack)
	fmt.Fprintf(&b, "Build Info:\n%s\n", buildInfo())

	if err := os.WriteFile(crashFilePath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	go pruneCrashLogs(dir, time.Now())

	return crashFilePath, nil
}

func buildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "Build info not available"
	}
	return info.String()
}

// RecoverAndLog recovers a panic, reports it and optionally re-panics.
// Use as: defer logging.RecoverAndLog("context", true)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		reportPanic(context, r, debug.Stack())
		if rePanic {
			panic(r)
		}
	}
}

// RecoverAndLogFunc is like RecoverAndLog but calls onPanic with the crash
// file path (empty if it could not be written) before re-panicking.
func RecoverAndLogFunc(context string, rePanic bool, onPanic func(panicValue interface{}, crashFile string)) {
	if r := recover(); r != nil {
		crashFile := reportPanic(context, r, debug.Stack())
		if onPanic != nil {
			onPanic(r, crashFile)
		}
		if rePanic {
			panic(r)
		}
	}
}

func reportPanic(context string, r interface{}, stack []byte) string {
	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, stack)
	return crashFile
}

// CrashLogInfo contains metadata about a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs lists up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := entries[i]
		if entry.IsDir() || !isCrashLog(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog reads one crash log by file name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid filename")
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// pruneCrashLogs keeps the newest MaxCrashLogs reports and drops any older
// than CrashLogMaxAge.
func pruneCrashLogs(dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var crashLogs []os.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && isCrashLog(entry.Name()) {
			crashLogs = append(crashLogs, entry)
		}
	}

	// names embed the timestamp, so lexical order is age order
	sort.Slice(crashLogs, func(i, j int) bool {
		return crashLogs[i].Name() < crashLogs[j].Name()
	})

	for i, entry := range crashLogs {
		remove := len(crashLogs)-i > MaxCrashLogs
		if info, err := entry.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			remove = true
		}
		if remove {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
