// Package config holds the YAML configuration of itipd.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyp0633/itipd/engine"
	"github.com/cyp0633/itipd/policy"
)

// Backends of the object store
const (
	StoreIMAP   = "imap"
	StoreCalDAV = "caldav"
)

// Backends of the lock table
const (
	LockMemory = "memory"
	LockSQLite = "sqlite"
)

// SpoolConfig describes the spool directories and their processing.
type SpoolConfig struct {
	// Dir is the root below which the state maildirs live.
	Dir string `yaml:"dir"`
	// Interval between scans of incoming in run mode.
	Interval time.Duration `yaml:"interval"`
	// Sweep is a cron schedule for retrying deferred messages.
	Sweep string `yaml:"sweep"`
	// RetryAfter is the minimum age of a deferred message before a retry.
	RetryAfter time.Duration `yaml:"retry_after"`
}

// IMAPConfig holds the administrative IMAP login.
type IMAPConfig struct {
	Address  string `yaml:"address"`
	Security string `yaml:"security"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CalDAVConfig is used when the store backend is "caldav".
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Root is the path below which each owner has a home, e.g. "/dav/calendars"
	Root     string `yaml:"root"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SMTPConfig describes where replies and notifications are submitted.
type SMTPConfig struct {
	Address   string        `yaml:"address"`
	Security  string        `yaml:"security"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	LocalName string        `yaml:"local_name"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LockConfig selects the lock table.
type LockConfig struct {
	Backend string `yaml:"backend"`
	// Path of the SQLite database, shared by all processes.
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig mirrors engine.Settings with policies in directory notation.
type EngineConfig struct {
	AdminLogin       string   `yaml:"admin_login"`
	AdminRights      string   `yaml:"admin_rights"`
	PropagateReplies bool     `yaml:"propagate_replies"`
	NotifySender     string   `yaml:"notify_sender"`
	UserPolicies     []string `yaml:"user_policies"`
	ResourcePolicies []string `yaml:"resource_policies"`
	// RejectNonItip rejects plain mail addressed to resources.
	RejectNonItip bool `yaml:"reject_non_itip"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Spool SpoolConfig `yaml:"spool"`
	// Directory is the path of the static directory YAML file.
	Directory string       `yaml:"directory"`
	Store     string       `yaml:"store"`
	IMAP      IMAPConfig   `yaml:"imap"`
	CalDAV    CalDAVConfig `yaml:"caldav"`
	SMTP      SMTPConfig   `yaml:"smtp"`
	Lock      LockConfig   `yaml:"lock"`
	Engine    EngineConfig `yaml:"engine"`
	Log       LogConfig    `yaml:"log"`
	// Metrics is the listen address of the Prometheus endpoint; empty disables it.
	Metrics string `yaml:"metrics,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Spool: SpoolConfig{
			Dir:        "/var/spool/itipd",
			Interval:   5 * time.Second,
			Sweep:      "*/5 * * * *",
			RetryAfter: 10 * time.Minute,
		},
		Directory: "/etc/itipd/directory.yaml",
		Store:     StoreIMAP,
		IMAP: IMAPConfig{
			Address:  "localhost:993",
			Security: "tls",
			Username: "cyrus-admin",
		},
		SMTP: SMTPConfig{
			Address:  "localhost:10026",
			Security: "none",
			Timeout:  30 * time.Second,
		},
		Lock: LockConfig{
			Backend: LockSQLite,
			Path:    "/var/lib/itipd/locks.db",
			Timeout: 300 * time.Second,
		},
		Engine: EngineConfig{
			AdminLogin:       "cyrus-admin",
			AdminRights:      engine.DefaultAdminRights,
			UserPolicies:     []string{"ACT_MANUAL"},
			ResourcePolicies: []string{"ACT_ACCEPT"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Spool.Dir == "" {
		c.Spool.Dir = def.Spool.Dir
	}
	if c.Spool.Interval <= 0 {
		c.Spool.Interval = def.Spool.Interval
	}
	if c.Spool.Sweep == "" {
		c.Spool.Sweep = def.Spool.Sweep
	}
	if c.Spool.RetryAfter < 0 {
		c.Spool.RetryAfter = 0
	}

	switch strings.ToLower(c.Store) {
	case StoreIMAP, StoreCalDAV:
		c.Store = strings.ToLower(c.Store)
	default:
		c.Store = StoreIMAP
	}
	if c.IMAP.Security == "" {
		c.IMAP.Security = def.IMAP.Security
	}
	if c.SMTP.Security == "" {
		c.SMTP.Security = def.SMTP.Security
	}
	if c.SMTP.Timeout <= 0 {
		c.SMTP.Timeout = def.SMTP.Timeout
	}

	switch strings.ToLower(c.Lock.Backend) {
	case LockMemory, LockSQLite:
		c.Lock.Backend = strings.ToLower(c.Lock.Backend)
	default:
		c.Lock.Backend = LockSQLite
	}
	if c.Lock.Backend == LockSQLite && c.Lock.Path == "" {
		c.Lock.Path = def.Lock.Path
	}
	if c.Lock.Timeout <= 0 {
		c.Lock.Timeout = def.Lock.Timeout
	}

	if c.Engine.AdminRights == "" {
		c.Engine.AdminRights = def.Engine.AdminRights
	}
	if len(c.Engine.UserPolicies) == 0 {
		c.Engine.UserPolicies = def.Engine.UserPolicies
	}
	if len(c.Engine.ResourcePolicies) == 0 {
		c.Engine.ResourcePolicies = def.Engine.ResourcePolicies
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(c.Log.Level)
	default:
		c.Log.Level = "info"
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		c.Log.Format = "text"
	}
}

// Settings converts the engine section. Unknown policy names are an error.
func (c *Config) Settings() (engine.Settings, error) {
	users, err := policy.ParseList(c.Engine.UserPolicies)
	if err != nil {
		return engine.Settings{}, fmt.Errorf("user_policies: %w", err)
	}
	resources, err := policy.ParseList(c.Engine.ResourcePolicies)
	if err != nil {
		return engine.Settings{}, fmt.Errorf("resource_policies: %w", err)
	}
	return engine.Settings{
		AdminLogin:       c.Engine.AdminLogin,
		AdminRights:      c.Engine.AdminRights,
		PropagateReplies: c.Engine.PropagateReplies,
		NotifySender:     c.Engine.NotifySender,
		UserPolicies:     users,
		ResourcePolicies: resources,
	}, nil
}

// NewLogger builds the process logger writing to w
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Load loads configuration from the given YAML path. A missing file is
// created with the defaults (mode 0600) and the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically through a temp file in the same
// directory; the result has mode 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".itipd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
