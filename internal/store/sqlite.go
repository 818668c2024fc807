// Package store provides SQLite-backed persistence for repositories,
// worktrees, sessions and their message history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/logging"
)

// schemaVersion is recorded in PRAGMA user_version. Databases written by a
// newer version are still opened; reads only touch named columns.
const schemaVersion = 1

// timeLayout is used for every persisted timestamp. It is fixed width so
// stored values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the persistence layer. It is not safe for concurrent writers to
// the same record; the session manager serializes all writes.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errs.E(errs.Op("store.New"), errs.KindStore, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, errs.E(errs.Op("store.New"), errs.KindStore, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.E(errs.Op("store.New"), errs.KindStore, err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		logging.Warn("database written by a newer canopy, unknown fields will be ignored",
			"db_version", version, "supported", schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id         TEXT PRIMARY KEY,
		path       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		id            TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		branch        TEXT NOT NULL,
		path          TEXT NOT NULL UNIQUE,
		source        TEXT NOT NULL,
		created_at    TEXT NOT NULL,

		UNIQUE (repository_id, branch),
		FOREIGN KEY (repository_id) REFERENCES repositories(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		worktree_id      TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL,
		resume_token     TEXT,
		exit_code        INTEGER,
		created_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		attrs            TEXT NOT NULL DEFAULT '{}',

		FOREIGN KEY (worktree_id) REFERENCES worktrees(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_worktree ON sessions(worktree_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,

		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// Repository is a persisted repository registration.
type Repository struct {
	ID        string
	Path      string
	Name      string
	CreatedAt time.Time
}

// Worktree is a persisted worktree record.
type Worktree struct {
	ID           string
	RepositoryID string
	Branch       string
	Path         string
	Source       string
	CreatedAt    time.Time
}

// Session state values accepted on load.
const (
	StateStarting      = "starting"
	StateRunning       = "running"
	StateAwaitingInput = "awaiting_input"
	StateTerminated    = "terminated"
)

// Session is the persisted metadata of one conversation.
type Session struct {
	ID             string
	WorktreeID     string
	Name           string
	State          string
	ResumeToken    string
	ExitCode       *int
	CreatedAt      time.Time
	LastActivityAt time.Time

	// Attrs holds extension fields. They are preserved verbatim; a nil map
	// leaves the stored value untouched on upsert.
	Attrs map[string]json.RawMessage
}

// Message roles accepted on load.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one immutable turn of a session.
type Message struct {
	SessionID string
	Seq       int64
	Role      string
	Content   string
	Timestamp time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.E(errs.Op(op), errs.KindStore, err)
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
