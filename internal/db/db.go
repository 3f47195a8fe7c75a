// Package db persists episodes in SQLite or PostgreSQL.
package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	lockRetryDelay = 50 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id             TEXT PRIMARY KEY,
	guid           TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL,
	source_kind    TEXT NOT NULL,
	source_locator TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	created_at     BIGINT NOT NULL,
	audio_path     TEXT NOT NULL,
	audio_size     BIGINT NOT NULL,
	duration_ms    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS episodes_created_at ON episodes (created_at DESC, id);
`

// Store is the episode database. Writes are serialized within the process
// by a mutex and across processes by a lock file; reads take no lock.
type Store struct {
	db   *sqlx.DB
	sb   sq.StatementBuilderType
	mu   sync.Mutex
	lock *flock.Flock
}

// Open connects to the configured backend and creates the schema. For
// SQLite, dsn is the database file path. lockPath may be empty to skip the
// cross-process lock.
func Open(ctx context.Context, driver, dsn, lockPath string) (*Store, error) {
	var (
		conn        *sqlx.DB
		err         error
		placeholder sq.PlaceholderFormat
	)
	switch driver {
	case DriverSQLite, "":
		conn, err = sqlx.Open(DriverSQLite, sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
		placeholder = sq.Question
	case DriverPostgres:
		conn, err = sqlx.ConnectContext(ctx, DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		conn.SetMaxOpenConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
		placeholder = sq.Dollar
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	s := NewStore(conn, placeholder, lockPath)
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStore wraps an existing connection.
func NewStore(conn *sqlx.DB, placeholder sq.PlaceholderFormat, lockPath string) *Store {
	s := &Store{db: conn, sb: sq.StatementBuilder.PlaceholderFormat(placeholder)}
	if lockPath != "" {
		s.lock = flock.New(lockPath)
	}
	return s
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// writeLock takes both the in-process and the cross-process writer lock.
func (s *Store) writeLock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.lock == nil {
		return s.mu.Unlock, nil
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("lock %s not acquired", s.lock.Path())
		}
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)"
}
