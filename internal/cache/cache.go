// Package cache provides the durable local store for the expense-splitting
// client.
//
// The store is an embedded SQLite database used as a key-value table: each
// key holds one JSON blob (the group collection, the previous-user list,
// the pending delete queue, the last-sync timestamp). This is the single
// shared mutable resource between the view layer and the sync core, and
// both write through the same primitives here.
//
// Reads of the group collection go through a short-lived in-memory cache
// (about one second) to absorb bursts; every write invalidates it.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ledgerlite/splitsync/internal/model"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Storage keys. Everything the client persists locally lives under one of
// these.
const (
	keyGroups        = "groups"
	keyPreviousUsers = "previous_users"
	keyDeleteQueue   = "delete_queue"
	keyLastSync      = "last_sync"
)

// readCacheTTL bounds how long a loaded group collection may be served
// without touching the database.
const readCacheTTL = time.Second

// PendingDelete is one entry in the offline delete queue.
type PendingDelete struct {
	Type      string    `json:"type"` // "group" or "expense"
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Delete queue entry types.
const (
	DeleteTypeGroup   = "group"
	DeleteTypeExpense = "expense"
)

// Store wraps the embedded SQLite connection with the client's persistence
// operations.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	mu          sync.Mutex
	readCache   []*model.Group
	readCacheAt time.Time
}

// Open creates or opens the local store at the given path.
//
// The parent directory is created if needed. WAL mode is enabled so the
// view layer can read while a sync writes. The caller must Close when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{conn: conn, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the filesystem location of the store.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (s *Store) put(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := s.conn.ExecContext(ctx, query, key, string(value), time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	return nil
}

// LoadGroups returns the full local group collection.
//
// Corruption fails soft: the bad blob is logged, cleared from storage, and
// an empty collection is returned. A recent read may be served from the
// in-memory read cache. Every call returns its own deep copy: the engine,
// router and importer all mutate loaded groups from their own goroutines,
// so handing out shared entity pointers would race.
func (s *Store) LoadGroups(ctx context.Context) ([]*model.Group, error) {
	s.mu.Lock()
	if s.readCache != nil && time.Since(s.readCacheAt) < readCacheTTL {
		groups := cloneGroups(s.readCache)
		s.mu.Unlock()
		return groups, nil
	}
	s.mu.Unlock()

	data, ok, err := s.get(ctx, keyGroups)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []*model.Group{}, nil
	}

	var groups []*model.Group
	if err := json.Unmarshal(data, &groups); err != nil {
		s.logger.Printf("Corrupted group store, clearing: %v", err)
		if derr := s.delete(ctx, keyGroups); derr != nil {
			s.logger.Printf("Warning: failed to clear corrupted store: %v", derr)
		}
		return []*model.Group{}, nil
	}
	if groups == nil {
		groups = []*model.Group{}
	}

	s.mu.Lock()
	s.readCache = groups
	s.readCacheAt = time.Now()
	s.mu.Unlock()

	return cloneGroups(groups), nil
}

func cloneGroups(groups []*model.Group) []*model.Group {
	out := make([]*model.Group, len(groups))
	for i, g := range groups {
		out[i] = g.Clone()
	}
	return out
}

// SaveGroups persists the full group collection.
//
// Derived fields are recomputed first: every group's total, and the
// per-person amount of every expense with a non-empty split set. The read
// cache is invalidated immediately after the write.
func (s *Store) SaveGroups(ctx context.Context, groups []*model.Group) error {
	for _, g := range groups {
		for _, e := range g.Expenses {
			e.RecomputePerPerson()
		}
		g.RecomputeTotal()
	}

	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("failed to marshal groups: %w", err)
	}
	if err := s.put(ctx, keyGroups, data); err != nil {
		return err
	}

	s.invalidateReadCache()
	return nil
}

func (s *Store) invalidateReadCache() {
	s.mu.Lock()
	s.readCache = nil
	s.readCacheAt = time.Time{}
	s.mu.Unlock()
}

// FindGroup returns the group whose local or remote ID matches id, or nil.
func (s *Store) FindGroup(ctx context.Context, id string) (*model.Group, error) {
	groups, err := s.LoadGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.LocalID == id || (g.RemoteID != "" && g.RemoteID == id) {
			return g, nil
		}
	}
	return nil, nil
}

// PreviousUsers returns the most-recently-used identity list, most recent
// first.
func (s *Store) PreviousUsers(ctx context.Context) ([]model.PreviousUser, error) {
	data, ok, err := s.get(ctx, keyPreviousUsers)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var users []model.PreviousUser
	if err := json.Unmarshal(data, &users); err != nil {
		s.logger.Printf("Corrupted previous-user list, clearing: %v", err)
		if derr := s.delete(ctx, keyPreviousUsers); derr != nil {
			s.logger.Printf("Warning: failed to clear previous-user list: %v", derr)
		}
		return nil, nil
	}
	return users, nil
}

// RememberUser moves the identity to the front of the MRU list, capping the
// list at model.MaxPreviousUsers entries.
func (s *Store) RememberUser(ctx context.Context, user model.User) error {
	users, err := s.PreviousUsers(ctx)
	if err != nil {
		return err
	}

	updated := []model.PreviousUser{{ID: user.ID, Name: user.Name, LastUsed: time.Now()}}
	for _, u := range users {
		if model.SameUser(u.ID, user.ID) {
			continue
		}
		updated = append(updated, u)
	}
	if len(updated) > model.MaxPreviousUsers {
		updated = updated[:model.MaxPreviousUsers]
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to marshal previous users: %w", err)
	}
	return s.put(ctx, keyPreviousUsers, data)
}

// DeleteQueue returns the pending delete queue in FIFO order.
func (s *Store) DeleteQueue(ctx context.Context) ([]PendingDelete, error) {
	data, ok, err := s.get(ctx, keyDeleteQueue)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var queue []PendingDelete
	if err := json.Unmarshal(data, &queue); err != nil {
		s.logger.Printf("Corrupted delete queue, clearing: %v", err)
		if derr := s.delete(ctx, keyDeleteQueue); derr != nil {
			s.logger.Printf("Warning: failed to clear delete queue: %v", derr)
		}
		return nil, nil
	}
	return queue, nil
}

// EnqueueDelete appends a deletion to the queue. Re-queueing an ID already
// present is a no-op so retried offline deletes stay idempotent.
func (s *Store) EnqueueDelete(ctx context.Context, typ, id string) error {
	queue, err := s.DeleteQueue(ctx)
	if err != nil {
		return err
	}
	for _, entry := range queue {
		if entry.Type == typ && entry.ID == id {
			return nil
		}
	}
	queue = append(queue, PendingDelete{Type: typ, ID: id, Timestamp: time.Now()})
	return s.saveDeleteQueue(ctx, queue)
}

// DequeueDelete removes a specific entry from the queue, if present.
func (s *Store) DequeueDelete(ctx context.Context, typ, id string) error {
	queue, err := s.DeleteQueue(ctx)
	if err != nil {
		return err
	}
	kept := queue[:0]
	for _, entry := range queue {
		if entry.Type == typ && entry.ID == id {
			continue
		}
		kept = append(kept, entry)
	}
	return s.saveDeleteQueue(ctx, kept)
}

func (s *Store) saveDeleteQueue(ctx context.Context, queue []PendingDelete) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal delete queue: %w", err)
	}
	return s.put(ctx, keyDeleteQueue, data)
}

// LastSync returns the timestamp of the last successful full sync, or the
// zero time if none is recorded.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	data, ok, err := s.get(ctx, keyLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// SetLastSync records the timestamp of a successful full sync.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.put(ctx, keyLastSync, []byte(t.Format(time.RFC3339)))
}
