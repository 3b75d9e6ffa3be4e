package lock

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Locker shared by all processes using the same database file.
// Every Acquire records its own owner token.
type SQLite struct {
	db      *sql.DB
	timeout time.Duration
	poll    time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ Locker = (*SQLite)(nil)

// OpenSQLite opens (and creates) the lock database at path
func OpenSQLite(path string, timeout time.Duration, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open lock db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping lock db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS locks (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lock db: %w", err)
	}

	return &SQLite{
		db:      db,
		timeout: timeout,
		poll:    DefaultPollInterval,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) tryAcquire(ctx context.Context, key, token string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND created < ?`,
		key, now.Add(-s.timeout).UnixNano())
	if err != nil {
		return false, fmt.Errorf("reclaim stale lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("reclaimed stale lock", "key", key)
	}
	res, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO locks (key, owner, created) VALUES (?, ?, ?)`,
		key, token, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return n == 1, nil
}

// Acquire implements Locker
func (s *SQLite) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ok, err := s.tryAcquire(ctx, key, token)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if err := wait(ctx, s.poll); err != nil {
			return "", err
		}
	}
}

// Release implements Locker
func (s *SQLite) Release(ctx context.Context, key, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, key, token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var owner string
	err = s.db.QueryRowContext(ctx, `SELECT owner FROM locks WHERE key = ?`, key).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return ErrReleased
}

// Purge implements Locker
func (s *SQLite) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE created < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge locks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
