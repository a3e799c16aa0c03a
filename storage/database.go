package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "chat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id   TEXT NOT NULL UNIQUE,
  sender       TEXT NOT NULL,
  receiver     TEXT NOT NULL,
  participants TEXT NOT NULL,
  text         TEXT NOT NULL,
  timestamp    INTEGER,
  is_read      INTEGER NOT NULL DEFAULT 0,
  CHECK (sender <> receiver)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_receiver_sender_read
ON messages (receiver, sender, is_read);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_time
ON messages (sender, timestamp, seq);
`,
	`
CREATE TABLE IF NOT EXISTS typing_status (
  status_key  TEXT PRIMARY KEY,
  actor       TEXT NOT NULL,
  counterpart TEXT NOT NULL,
  is_typing   INTEGER NOT NULL DEFAULT 0,
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS user_profiles (
  identity     TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  status       TEXT CHECK(status IN ('online','offline')) DEFAULT 'offline',
  last_seen    INTEGER NOT NULL DEFAULT 0
);
`,
}

// Store is a thin wrapper around a SQLite connection that also fans out
// change notifications to live subscriptions.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once

	clockMu       sync.Mutex
	lastTimestamp int64
	now           func() int64

	watchMu  sync.Mutex
	watchWG  sync.WaitGroup
	watchers map[string]map[*watcher]struct{}
	closed   bool
}

// Open opens (or creates) chat.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		now:                   nowUnixMilli,
		watchers:              make(map[string]map[*watcher]struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.loadLastTimestamp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close cancels every live subscription and closes the SQLite connection.
// It must not be called from inside a subscription callback.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.stopWatchers()
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

func (s *Store) loadLastTimestamp() error {
	var last sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(timestamp) FROM messages`).Scan(&last); err != nil {
		return fmt.Errorf("read last message timestamp: %w", err)
	}
	if last.Valid {
		s.lastTimestamp = last.Int64
	}
	return nil
}

// serverTimestamp returns a strictly increasing millisecond timestamp.
func (s *Store) serverTimestamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	ts := s.now()
	if ts <= s.lastTimestamp {
		ts = s.lastTimestamp + 1
	}
	s.lastTimestamp = ts
	return ts
}
