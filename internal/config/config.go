// Package config loads agent settings from defaults, an optional TOML file
// and BATTERY_AGENT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/IronMaple/battery-agent/internal/core"
)

// Record modes for documents written to tags.
const (
	ModeText = "text"
	ModeMIME = "mime"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 32150
	DefaultConnectTimeout = 30 * time.Second

	EnvConfig    = "BATTERY_AGENT_CONFIG"
	EnvHost      = "BATTERY_AGENT_HOST"
	EnvPort      = "BATTERY_AGENT_PORT"
	EnvReader    = "BATTERY_AGENT_READER"
	EnvMode      = "BATTERY_AGENT_MODE"
	EnvAuditLog  = "BATTERY_AGENT_AUDIT_LOG"
	EnvLogFile   = "BATTERY_AGENT_LOG_FILE"
	EnvSentry    = "BATTERY_AGENT_SENTRY"
	EnvSentryDSN = "BATTERY_AGENT_SENTRY_DSN"
	EnvDebug     = "BATTERY_AGENT_DEBUG"
)

// Config holds all runtime settings.
type Config struct {
	Host string
	Port int

	// Reader is a case-insensitive substring of the preferred reader name.
	Reader string
	Mode   string

	ConnectTimeout time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	// Keys are loaded into reader slots 0, 1, ... in order.
	Keys []core.SlotKey

	AuditLog string
	LogFile  string
	Debug    bool

	CrashReporting bool
	SentryDSN      string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		Mode:           ModeText,
		ConnectTimeout: DefaultConnectTimeout,
		PollInterval:   core.DefaultPollInterval,
		Keys:           append([]core.SlotKey(nil), core.DefaultKeys...),
		AuditLog:       "log.json",
	}
}

// Address returns the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type fileConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Reader         string   `toml:"reader"`
	Mode           string   `toml:"mode"`
	ConnectTimeout string   `toml:"connect_timeout"`
	PollInterval   string   `toml:"poll_interval"`
	MaxAttempts    int      `toml:"max_connect_attempts"`
	Keys           []string `toml:"keys"`
	AuditLog       string   `toml:"audit_log"`
	LogFile        string   `toml:"log_file"`
	Debug          bool     `toml:"debug"`
	CrashReporting bool     `toml:"crash_reporting"`
	SentryDSN      string   `toml:"sentry_dsn"`
}

// Load builds the configuration. path names a TOML file; when empty,
// BATTERY_AGENT_CONFIG is consulted.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getenv(EnvConfig)
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("reader") {
		c.Reader = strings.TrimSpace(raw.Reader)
	}
	if meta.IsDefined("mode") {
		c.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("parse connect_timeout: %w", err)
		}
		c.ConnectTimeout = d
	}
	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return fmt.Errorf("parse poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	if meta.IsDefined("max_connect_attempts") {
		c.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("keys") {
		keys, err := parseKeys(raw.Keys)
		if err != nil {
			return err
		}
		c.Keys = keys
	}
	if meta.IsDefined("audit_log") {
		c.AuditLog = resolvePath(filepath.Dir(path), disabled(strings.TrimSpace(raw.AuditLog)))
	}
	if meta.IsDefined("log_file") {
		c.LogFile = resolvePath(filepath.Dir(path), strings.TrimSpace(raw.LogFile))
	}
	if meta.IsDefined("debug") {
		c.Debug = raw.Debug
	}
	if meta.IsDefined("crash_reporting") {
		c.CrashReporting = raw.CrashReporting
	}
	if meta.IsDefined("sentry_dsn") {
		c.SentryDSN = strings.TrimSpace(raw.SentryDSN)
	}
	return nil
}

// resolvePath makes file-relative paths relative to the config file.
func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := getenv(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		c.Port = p
	}
	if v := getenv(EnvReader); v != "" {
		c.Reader = v
	}
	if v := getenv(EnvMode); v != "" {
		c.Mode = strings.ToLower(v)
	}
	if v, ok := lookup(getenv, EnvAuditLog); ok {
		c.AuditLog = v
	}
	if v := getenv(EnvLogFile); v != "" {
		c.LogFile = v
	}
	switch getenv(EnvSentry) {
	case "1":
		c.CrashReporting = true
	case "0":
		c.CrashReporting = false
	}
	if v := getenv(EnvSentryDSN); v != "" {
		c.SentryDSN = v
	}
	if getenv(EnvDebug) == "1" {
		c.Debug = true
	}
	return nil
}

// lookup treats "-" as an explicit empty value so the audit log can be
// switched off from the environment.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if v == "" {
		return "", false
	}
	return disabled(v), true
}

// disabled maps the "-" path to empty.
func disabled(p string) string {
	if p == "-" {
		return ""
	}
	return p
}

func parseKeys(in []string) ([]core.SlotKey, error) {
	if len(in) == 0 {
		return nil, errors.New("keys: at least one key is required")
	}
	keys := make([]core.SlotKey, 0, len(in))
	for i, s := range in {
		k, err := core.ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("keys[%d]: %w", i, err)
		}
		keys = append(keys, core.SlotKey{Slot: byte(i), Key: k})
	}
	return keys, nil
}

// Validate checks values that cannot be repaired.
func (c *Config) Validate() error {
	if c.Mode != ModeText && c.Mode != ModeMIME {
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeText, ModeMIME)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout %s", c.ConnectTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %s", c.PollInterval)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("invalid max connect attempts %d", c.MaxAttempts)
	}
	if len(c.Keys) == 0 {
		return errors.New("no reader keys configured")
	}
	return nil
}
