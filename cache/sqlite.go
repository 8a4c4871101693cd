package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

const expiredCondition = `(deadline > 0 AND deadline <= ?) OR (sliding > 0 AND accessed + sliding <= ?)`

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// Database to open. A new uniquely named in-memory database if empty.
	DSN string
	// Maximum total size of all entries. Zero means unlimited.
	SizeLimit int64
	// Time source, time.Now if nil.
	Clock Clock
}

// SQLiteStore keeps entries in an SQLite table.
// The table is emptied when the store is opened, so entries never outlive the process.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        Clock
	sizeLimit  int64
}

// NewSQLiteStore opens the database and prepares the cache table.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	dsn := opts.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// a memory database lives as long as its last connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			bytes BLOB,
			deadline INTEGER,
			sliding INTEGER,
			accessed INTEGER,
			priority_rank INTEGER,
			size INTEGER
		)`,
		"CREATE INDEX IF NOT EXISTS deadline_idx ON cache (deadline)",
		"CREATE INDEX IF NOT EXISTS eviction_idx ON cache (priority_rank, accessed)",
		"DELETE FROM cache",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare sqlite store: %w", err)
		}
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        now,
		sizeLimit:  opts.SizeLimit,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var (
		bytes                       []byte
		deadline, sliding, accessed int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes, deadline, sliding, accessed FROM cache WHERE key = ?", key,
	).Scan(&bytes, &deadline, &sliding, &accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap(err)
	}
	now := s.now()
	if expired(now, fromNanos(deadline), time.Duration(sliding), fromNanos(accessed)) {
		_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
		return nil, false, s.wrap(err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE cache SET accessed = ? WHERE key = ?", now.UnixNano(), key); err != nil {
		return nil, false, s.wrap(err)
	}
	if bytes == nil {
		bytes = []byte{}
	}
	return bytes, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, opts EntryOptions) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	now := s.now()
	deadline := opts.Deadline(now)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
		return s.wrap(err)
	}
	if !deadline.IsZero() && !now.Before(deadline) {
		return nil
	}
	if s.sizeLimit > 0 && opts.Size > 0 {
		if opts.Size > s.sizeLimit {
			return ErrCapacity
		}
		ok, err := s.makeRoom(ctx, now, opts.Size)
		if err != nil {
			return s.wrap(err)
		}
		if !ok {
			return ErrCapacity
		}
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (key, bytes, deadline, sliding, accessed, priority_rank, size) VALUES (?, ?, ?, ?, ?, ?, ?)",
		key, value, toNanos(deadline), int64(opts.SlidingExpiration), now.UnixNano(), opts.Priority.rank(), opts.Size,
	)
	return s.wrap(err)
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
	return s.wrap(err)
}

// Compact removes all expired entries.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.wrap(s.removeExpired(ctx, s.now()))
}

// Run compacts the store every interval until ctx is done.
func (s *SQLiteStore) Run(ctx context.Context, interval time.Duration) {
	runCompaction(ctx, interval, s.Compact)
}

// Len returns the number of stored entries, expired or not.
func (s *SQLiteStore) Len() int {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n); err != nil {
		return 0
	}
	return n
}

// Size returns the total size charged by stored entries.
func (s *SQLiteStore) Size() int64 {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	total, err := s.totalSize(context.Background())
	if err != nil {
		return 0
	}
	return total
}

func (s *SQLiteStore) Close() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.db.Close()
}

func (s *SQLiteStore) removeExpired(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE "+expiredCondition, now.UnixNano(), now.UnixNano())
	return err
}

func (s *SQLiteStore) totalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM cache").Scan(&total)
	return total, err
}

// makeRoom evicts entries until need more units fit within the limit.
func (s *SQLiteStore) makeRoom(ctx context.Context, now time.Time, need int64) (bool, error) {
	total, err := s.totalSize(ctx)
	if err != nil || total+need <= s.sizeLimit {
		return err == nil, err
	}
	if err := s.removeExpired(ctx, now); err != nil {
		return false, err
	}
	for {
		if total, err = s.totalSize(ctx); err != nil {
			return false, err
		}
		if total+need <= s.sizeLimit {
			return true, nil
		}
		var key string
		err := s.db.QueryRowContext(ctx,
			"SELECT key FROM cache WHERE priority_rank < ? AND size > 0 ORDER BY priority_rank ASC, accessed ASC LIMIT 1",
			PriorityNeverRemove.rank(),
		).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
			return false, err
		}
	}
}

func (s *SQLiteStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return ErrClosed
	}
	return fmt.Errorf("sqlite store: %w", err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
