// Package sqlutil holds the small SQLite opening/retry helpers shared by
// the state store and the dispatch bus's durable queue tables.
package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens a SQLite database in WAL mode with a single connection, matching
// the single-writer model SQLite needs under concurrent access from a
// goroutine pool.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// RetryOnBusy retries fn with exponential backoff and jitter while SQLite
// reports its database as busy or locked.
func RetryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	base := 10 * time.Millisecond
	max := 500 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
		delay := base * time.Duration(1<<uint(i))
		if delay > max {
			delay = max
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return lastErr
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("sqlutil: not found")
