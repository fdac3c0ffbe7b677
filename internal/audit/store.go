// Package audit persists the gateway's durable records: events, tool runs,
// approvals, profiles, and sessions. It backs onto SQLite or PostgreSQL and
// hash-chains the event log for tamper evidence.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when an approval transition finds the row
// already resolved.
var ErrNotPending = errors.New("approval is not pending")

// Store persists gateway records to SQLite or PostgreSQL.
type Store struct {
	db         *sql.DB
	isPostgres bool

	lastHash string     // hash of the most recently committed event
	hashMu   sync.Mutex // serializes event-chain appends
}

// StoreConfig configures the store.
type StoreConfig struct {
	// DSN is the data-source name. When it starts with "postgres://" or
	// "postgresql://", the PostgreSQL backend (pgx) is used; otherwise the
	// value is treated as a SQLite file path. Empty means "toolgate.db".
	DSN string
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *Store) IsPostgres() bool { return s.isPostgres }

// rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the store is backed by PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewStore opens the store, creating tables and indexes as needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "toolgate.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error

	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// WAL for concurrent readers (SQLite only).
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := createTables(db, isPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	s := &Store{
		db:         db,
		isPostgres: isPostgres,
		lastHash:   GenesisHash,
	}

	if err := s.initLastHash(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init last hash: %w", err)
	}

	return s, nil
}

// initLastHash loads the hash of the most recently inserted event.
func (s *Store) initLastHash() error {
	var hash sql.NullString
	err := s.db.QueryRow(`
		SELECT event_hash FROM events
		ORDER BY id DESC LIMIT 1
	`).Scan(&hash)

	if err == sql.ErrNoRows {
		s.lastHash = GenesisHash
		return nil
	}
	if err != nil {
		return err
	}

	if hash.Valid && hash.String != "" {
		s.lastHash = hash.String
	} else {
		s.lastHash = GenesisHash
	}
	return nil
}

func createTables(db *sql.DB, isPostgres bool) error {
	// Primary-key and default-timestamp definitions differ between backends.
	pkDef := "INTEGER PRIMARY KEY AUTOINCREMENT"
	createdAt := "TEXT DEFAULT CURRENT_TIMESTAMP"
	if isPostgres {
		pkDef = "BIGSERIAL PRIMARY KEY"
		createdAt = "TIMESTAMPTZ DEFAULT NOW()"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS profiles (
		profile_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'admin',
		timezone TEXT NOT NULL DEFAULT 'America/Chicago',
		created_at %[2]s
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT 'cli',
		started_at %[2]s
	);

	CREATE TABLE IF NOT EXISTS events (
		id %[1]s,
		event_id TEXT UNIQUE NOT NULL,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		prev_hash TEXT,
		event_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS tool_runs (
		tool_run_id TEXT PRIMARY KEY,
		request_id TEXT UNIQUE NOT NULL,
		profile_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		status TEXT NOT NULL,
		input_json TEXT NOT NULL DEFAULT '{}',
		output_json TEXT NOT NULL DEFAULT '{}',
		error_json TEXT NOT NULL DEFAULT '{}',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		ts TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		tool_run_id TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		ts_requested TEXT NOT NULL,
		ts_resolved TEXT,
		approval_context_json TEXT NOT NULL DEFAULT '{}'
	);
	`, pkDef, createdAt)

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_actor ON events(profile_id, session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_request ON tool_runs(request_id);
	CREATE INDEX IF NOT EXISTS idx_runs_tool ON tool_runs(tool_name);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, ts_requested);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(tool_run_id);
	`
	_, err := db.Exec(indexes)
	return err
}

// GetLastHash returns the hash of the most recently committed event.
func (s *Store) GetLastHash() string {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()
	return s.lastHash
}

// DB returns the underlying database connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureProfile upserts a profile row.
func (s *Store) EnsureProfile(ctx context.Context, profileID, displayName, role, timezone string) error {
	q := `
		INSERT INTO profiles (profile_id, display_name, role, timezone)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (profile_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, q), profileID, displayName, role, timezone)
	return err
}

// EnsureSession upserts a session row.
func (s *Store) EnsureSession(ctx context.Context, sessionID, profileID, channel string) error {
	q := `
		INSERT INTO sessions (session_id, profile_id, channel)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, q), sessionID, profileID, channel)
	return err
}

func formatTimeOrNull(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
