package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// Maximum total size of all entries, in the units of EntryOptions.Size.
	// Zero means unlimited.
	SizeLimit int64
	// Time source, time.Now if nil.
	Clock Clock
}

// MemoryStore is the default in-process store, a map guarded by a mutex.
type MemoryStore struct {
	mutex     *sync.Mutex
	db        map[string]*memEntry
	now       Clock
	sizeLimit int64
	size      int64
	closed    bool
}

type memEntry struct {
	value    []byte
	deadline time.Time
	sliding  time.Duration
	accessed time.Time
	priority Priority
	size     int64
}

func (e *memEntry) expired(now time.Time) bool {
	return expired(now, e.deadline, e.sliding, e.accessed)
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		mutex:     &sync.Mutex{},
		db:        make(map[string]*memEntry),
		now:       now,
		sizeLimit: opts.SizeLimit,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	now := m.now()
	if entry.expired(now) {
		m.delete(key)
		return nil, false, nil
	}
	entry.accessed = now
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, opts EntryOptions) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	deadline := opts.Deadline(now)
	m.delete(key)
	if !deadline.IsZero() && !now.Before(deadline) {
		return nil
	}
	if m.sizeLimit > 0 && m.size+opts.Size > m.sizeLimit {
		if opts.Size > m.sizeLimit || !m.makeRoom(now, opts.Size) {
			return ErrCapacity
		}
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.db[key] = &memEntry{
		value:    cp,
		deadline: deadline,
		sliding:  opts.SlidingExpiration,
		accessed: now,
		priority: opts.Priority,
		size:     opts.Size,
	}
	m.size += opts.Size
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.delete(key)
	return nil
}

// Compact removes all expired entries.
func (m *MemoryStore) Compact(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.removeExpired(m.now())
	return nil
}

// Run compacts the store every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	runCompaction(ctx, interval, m.Compact)
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.db)
}

// Size returns the total size charged by stored entries.
func (m *MemoryStore) Size() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.size
}

func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.db = nil
	m.size = 0
	return nil
}

func (m *MemoryStore) delete(key string) {
	if entry, ok := m.db[key]; ok {
		m.size -= entry.size
		delete(m.db, key)
	}
}

func (m *MemoryStore) removeExpired(now time.Time) {
	for key, entry := range m.db {
		if entry.expired(now) {
			m.delete(key)
		}
	}
}

// makeRoom evicts entries until need more units fit within the limit.
// It reports whether enough room was made.
func (m *MemoryStore) makeRoom(now time.Time, need int64) bool {
	m.removeExpired(now)
	if m.size+need <= m.sizeLimit {
		return true
	}
	candidates := make([]string, 0, len(m.db))
	for key, entry := range m.db {
		if entry.priority != PriorityNeverRemove && entry.size > 0 {
			candidates = append(candidates, key)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := m.db[candidates[i]], m.db[candidates[j]]
		if a.priority.rank() != b.priority.rank() {
			return a.priority.rank() < b.priority.rank()
		}
		return a.accessed.Before(b.accessed)
	})
	for _, key := range candidates {
		if m.size+need <= m.sizeLimit {
			break
		}
		m.delete(key)
	}
	return m.size+need <= m.sizeLimit
}

func runCompaction(ctx context.Context, interval time.Duration, compact func(context.Context) error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := compact(ctx); err != nil {
				return
			}
		}
	}
}
