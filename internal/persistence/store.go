// Package persistence implements the State Repository: durable storage for
// bots, platform credentials, scenarios, dialog state, dialog history, and
// media assets, backed by SQLite. It owns the bounded write-through cache
// that fronts dialog state reads (see cache.go) and the optimistic
// concurrency discipline used by Dialog Manager updates (see dialogs.go).
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current migration ledger entry. Bumping it and
// adding a branch to initSchema is the only supported way to evolve the
// schema; there is no down-migration path.
const (
	schemaVersion  = 1
	schemaChecksum = "dialogengine-v1-core-schema"
)

// Store is the State Repository. It wraps a *sql.DB with retry-on-busy
// semantics (SQLite under WAL still serializes writers) and a bounded
// write-through cache for DialogState lookups.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cache  *stateCache

	historyCh chan historyWrite
	closeOnce chan struct{}
}

// Config configures a Store.
type Config struct {
	Logger *slog.Logger

	// CacheSize bounds the number of DialogState entries kept in the
	// write-through LRU; CacheTTL bounds how long an entry is trusted.
	CacheSize int
	CacheTTL  time.Duration

	// HistoryBufferSize bounds the channel that buffers append_history
	// writes so callers never block on history persistence.
	HistoryBufferSize int
}

// DefaultDBPath returns the default database file location under homeDir.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "dialogengine.db")
}

// Open creates (if needed) and opens the SQLite-backed Store at path,
// applying pragmas and running schema migrations.
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite's single-writer model means a connection pool only adds
	// contention; the teacher's store uses the same single-conn discipline.
	db.SetMaxOpenConns(1)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	historyBuf := cfg.HistoryBufferSize
	if historyBuf <= 0 {
		historyBuf = 1024
	}

	s := &Store{
		db:        db,
		logger:    logger,
		cache:     newStateCache(cacheSize, cacheTTL),
		historyCh: make(chan historyWrite, historyBuf),
		closeOnce: make(chan struct{}),
	}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	go s.historyWriter()

	return s, nil
}

// DB exposes the underlying connection for tooling; production code should
// prefer the typed methods below.
func (s *Store) DB() *sql.DB { return s.db }

// Close flushes buffered history writes and closes the database.
func (s *Store) Close() error {
	close(s.closeOnce)
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_ledger (
				version   INTEGER PRIMARY KEY,
				checksum  TEXT NOT NULL,
				applied_at TEXT NOT NULL
			);
		`); err != nil {
			return fmt.Errorf("create schema_ledger: %w", err)
		}

		var current int
		_ = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_ledger;`).Scan(&current)

		if current < 1 {
			if err := s.applyV1(ctx, tx); err != nil {
				return fmt.Errorf("apply schema v1: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schema_ledger (version, checksum, applied_at) VALUES (?, ?, ?);
			`, schemaVersion, schemaChecksum, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

func (s *Store) applyV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS platform_credentials (
			bot_id               TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			platform             TEXT NOT NULL,
			secrets              TEXT NOT NULL DEFAULT '',
			webhook_url          TEXT NOT NULL DEFAULT '',
			webhook_last_checked TEXT,
			auto_refresh         INTEGER NOT NULL DEFAULT 1,
			healthy              INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (bot_id, platform)
		);`,
		`CREATE TABLE IF NOT EXISTS scenarios (
			id         TEXT NOT NULL,
			bot_id     TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			version    INTEGER NOT NULL,
			active     INTEGER NOT NULL DEFAULT 0,
			graph_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (bot_id, version)
		);`,
		// Enforces "at most one active scenario per bot" at the storage layer
		// as a defense in depth; Store.ActivateScenario also enforces it
		// transactionally (deactivate-then-activate in one tx).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_scenarios_one_active
			ON scenarios(bot_id) WHERE active = 1;`,
		`CREATE TABLE IF NOT EXISTS dialog_states (
			id                TEXT PRIMARY KEY,
			bot_id            TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			platform          TEXT NOT NULL,
			platform_chat_id  TEXT NOT NULL,
			scenario_id       TEXT,
			scenario_version  INTEGER,
			current_step_id   TEXT NOT NULL,
			collected_data    TEXT NOT NULL DEFAULT '{}',
			created_at        TEXT NOT NULL,
			last_interaction_at TEXT NOT NULL,
			version           INTEGER NOT NULL DEFAULT 1,
			UNIQUE (bot_id, platform, platform_chat_id)
		);`,
		`CREATE TABLE IF NOT EXISTS dialog_history (
			dialog_id    TEXT NOT NULL REFERENCES dialog_states(id) ON DELETE CASCADE,
			seq          INTEGER NOT NULL,
			message_type TEXT NOT NULL,
			payload      TEXT NOT NULL,
			ts           TEXT NOT NULL,
			PRIMARY KEY (dialog_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS media_assets (
			id              TEXT PRIMARY KEY,
			bot_id          TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			logical_file_id TEXT NOT NULL,
			mime            TEXT NOT NULL,
			bytes_ref       TEXT NOT NULL,
			platform_ids    TEXT NOT NULL DEFAULT '{}',
			created_at      TEXT NOT NULL,
			UNIQUE (bot_id, logical_file_id)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id   TEXT,
			subject    TEXT,
			action     TEXT NOT NULL,
			decision   TEXT NOT NULL,
			reason     TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", strings.Fields(stmt)[0], err)
		}
	}
	return nil
}

// retryOnBusy retries f with jittered backoff while it fails with an
// SQLITE_BUSY/SQLITE_LOCKED error, up to maxRetries times. Version
// mismatches (ErrConflict, see dialogs.go) are not retried here, and the
// Dialog Manager does not retry them either: it drops the event.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		backoff := time.Duration(5+rand.IntN(15)) * time.Millisecond * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("persistence: not found")

// ErrConflict is returned by optimistic-concurrency updates whose expected
// version no longer matches the stored row.
var ErrConflict = errors.New("persistence: version conflict")

// ErrAlreadyExists is returned by creates that would violate a uniqueness
// invariant (e.g. DialogState.create on an existing (bot,platform,chat)).
var ErrAlreadyExists = errors.New("persistence: already exists")
