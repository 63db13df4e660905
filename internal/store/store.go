package store

import (
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/meridian/internal/sqlutil"
)

// Store is the State Store (C1): Tier B (durable SQLite) with Tier A
// (Redis near-cache) in front.
type Store struct {
	db     *sql.DB
	cache  CacheTier // may be nil: cache-disabled deployments fall straight through to B
	logger *slog.Logger

	bypassMu      sync.Mutex
	bypassLoggedAt map[string]time.Time
}

// Open opens the durable tier at dbPath and wires an optional cache tier.
// cache may be nil to run with Tier A disabled (every get/put falls through
// to the durable tier directly).
func Open(dbPath string, cache CacheTier, logger *slog.Logger) (*Store, error) {
	db, err := sqlutil.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, cache: cache, logger: logger, bypassLoggedAt: make(map[string]time.Time)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS kv_store (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_record (
	execution_id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	status TEXT NOT NULL,
	submitted_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	result BLOB,
	error TEXT,
	retries INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_execution_agent_submitted ON execution_record(agent_name, submitted_at DESC);

CREATE TABLE IF NOT EXISTS continuous_state (
	name TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plan_run (
	task_id TEXT PRIMARY KEY,
	plan BLOB NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`)
	return err
}

// logCacheBypassOnce logs a cache-bypass warning at most once per minute per
// key prefix (the segment of the key before its first ':').
func (s *Store) logCacheBypassOnce(prefix string) {
	s.bypassMu.Lock()
	defer s.bypassMu.Unlock()
	last, ok := s.bypassLoggedAt[prefix]
	if ok && time.Since(last) < time.Minute {
		return
	}
	s.bypassLoggedAt[prefix] = time.Now()
	s.logger.Warn("store: cache tier unreachable, bypassing to durable tier", "key_prefix", prefix)
}

func keyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
