// Package hubstore is the hub's only persistent store: a small table of
// hub-spawned launcher pids, so the dead-process sweep survives a hub
// restart. The session and machine registries stay filesystem- and
// memory-backed; this table exists purely so a restarted hub can still
// find and reap launchers it spawned before the restart.
package hubstore

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the hub's sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TrackLauncher records a hub-spawned launcher's pid.
func (s *Store) TrackLauncher(sessionID string, pid int) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO spawned_launchers (session_id, pid) VALUES (?, ?)",
		sessionID, pid,
	)
	if err != nil {
		return fmt.Errorf("track launcher: %w", err)
	}
	return nil
}

// Untrack removes a launcher's record once it has exited or been reaped.
func (s *Store) Untrack(sessionID string) error {
	if _, err := s.db.Exec("DELETE FROM spawned_launchers WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("untrack launcher: %w", err)
	}
	return nil
}

// TrackedLauncher is one row of the spawned-launcher table.
type TrackedLauncher struct {
	SessionID string
	PID       int
	SpawnedAt time.Time
}

// ListLaunchers returns every tracked launcher, for the periodic
// dead-process sweep.
func (s *Store) ListLaunchers() ([]TrackedLauncher, error) {
	rows, err := s.db.Query("SELECT session_id, pid, spawned_at FROM spawned_launchers")
	if err != nil {
		return nil, fmt.Errorf("list launchers: %w", err)
	}
	defer rows.Close()

	var out []TrackedLauncher
	for rows.Next() {
		var t TrackedLauncher
		if err := rows.Scan(&t.SessionID, &t.PID, &t.SpawnedAt); err != nil {
			return nil, fmt.Errorf("scan launcher row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
