package history

import (
	"database/sql"
	"fmt"
	"strings"
)

// migration is one schema step. Steps are idempotent so a partially applied
// database can be migrated again.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateBase},
	{version: 2, apply: migrateHashColumns},
	{version: 3, apply: migrateTurns},
}

// migrateBase creates the messages table in the layout the session hooks
// already use, so an existing database is adopted as is.
func migrateBase(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			role     TEXT NOT NULL,
			content  TEXT NOT NULL,
			metadata TEXT,
			source   TEXT DEFAULT 'claude-code'
		);
		CREATE INDEX IF NOT EXISTS idx_messages_source ON messages(source);
		CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(role);
		CREATE INDEX IF NOT EXISTS idx_messages_id_desc ON messages(id DESC);
	`)
	return err
}

func migrateHashColumns(tx *sql.Tx) error {
	for _, col := range []struct{ name, decl string }{
		{"content_hash", "TEXT"},
		{"created_at", "TEXT"},
		{"turn_id", "TEXT"},
	} {
		if err := addColumnIfMissing(tx, "messages", col.name, col.decl); err != nil {
			return err
		}
	}
	_, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(role, content_hash);
		CREATE INDEX IF NOT EXISTS idx_messages_turn ON messages(turn_id);
	`)
	return err
}

func migrateTurns(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id             TEXT PRIMARY KEY,
			chat_id        TEXT NOT NULL,
			source         TEXT NOT NULL,
			session_id     TEXT,
			state          TEXT NOT NULL,
			error_category TEXT,
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS findings (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id    TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			category   TEXT NOT NULL,
			rule       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			span_start INTEGER,
			span_end   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_findings_turn ON findings(turn_id);
	`)
	return err
}

// migrator applies migrations and records them in schema_version.
type migrator struct {
	db *sql.DB
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db}
}

// CurrentVersion returns the highest applied schema version.
func (m *migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Migrate applies every pending migration, each in its own transaction.
func (m *migrator) Migrate() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", mig.version, err)
		}
		if err := mig.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", mig.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", mig.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", mig.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", mig.version, err)
		}
	}
	return nil
}

// addColumnIfMissing adds a column unless PRAGMA table_info already lists it.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
