// Package history persists conversation turns in SQLite. Each completed turn
// is written in a single transaction (turn row, findings, message rows), so a
// crash mid-turn leaves nothing behind. The same database is shared with the
// generator's own session hooks, which write "claude-code" messages.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message sources.
const (
	SourceTelegram   = "telegram"
	SourceDiscord    = "discord"
	SourceClaudeCode = "claude-code"
	SourceWeb        = "web"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// timeLayout matches the created_at format written by the session hooks.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Config configures the history store.
type Config struct {
	// Path is the SQLite database file. Defaults to ./data/database.db.
	Path string `yaml:"path"`

	// MaxMessages is the number of messages kept by rotation. Default 5000.
	MaxMessages int `yaml:"max_messages"`

	// DedupWindow skips a message whose role and content hash were already
	// written within the window, whatever the source. Zero disables dedup.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// JournalMode is the SQLite journal mode. Default WAL.
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the SQLite busy timeout in milliseconds. Default 5000.
	BusyTimeout int `yaml:"busy_timeout"`

	// Context tunes the prompt context built from recent messages.
	Context ContextConfig `yaml:"context"`
}

// DefaultConfig returns the history defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/database.db",
		MaxMessages: 5000,
		DedupWindow: 5 * time.Second,
		JournalMode: "WAL",
		BusyTimeout: 5000,
		Context:     DefaultContextConfig(),
	}
}

// Store is the SQLite-backed history.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	// writeMu serializes the dedup check with the insert that follows it.
	writeMu sync.Mutex

	now func() time.Time
}

// Open opens or creates the database at cfg.Path and applies migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	cfg.Context = cfg.Context.withDefaults()

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := newMigrator(db).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}

	// The file holds conversation content; keep it private to the user.
	if err := os.Chmod(cfg.Path, 0o600); err != nil {
		logger.Warn("could not restrict database permissions", "path", cfg.Path, "error", err)
	}

	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.cfg.Path }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the store's own layout and the RFC 3339 variants written
// by older hook versions.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
