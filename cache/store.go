package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCapacity is returned by Set when the entry cannot fit within the size limit.
	ErrCapacity = errors.New("cache: size limit reached")
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("cache: store closed")
)

// Store is the key/value contract the caching middleware relies on.
// It stores and retrieves []byte values under string keys and keeps track of
// the expiration of each entry.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the value stored under key.
	// The boolean is false if the entry does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, opts EntryOptions) error
	// Remove deletes the entry, if present.
	Remove(ctx context.Context, key string) error
}

// Clock returns the current time. Stores use it for all expiration decisions.
type Clock func() time.Time

// Priority controls the order in which live entries are evicted under a size limit.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
	PriorityNeverRemove
)

// rank orders priorities from first to last evicted.
func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityNeverRemove:
		return 3
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityNeverRemove:
		return "neverRemove"
	default:
		return "normal"
	}
}

// ParsePriority parses a priority name, case-insensitively.
// The empty string is the normal priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "neverremove", "never-remove", "never":
		return PriorityNeverRemove, nil
	}
	return PriorityNormal, fmt.Errorf("unknown cache priority %q", s)
}

// EntryOptions are the expiration and eviction parameters of a stored entry.
// Zero values mean unset.
type EntryOptions struct {
	// Expire at this point in time.
	AbsoluteExpiration time.Time
	// Expire this long after the entry was set.
	// Ignored if AbsoluteExpiration is set.
	AbsoluteExpirationRelativeToNow time.Duration
	// Expire if not read for this long. Never extends past the absolute expiration.
	SlidingExpiration time.Duration
	Priority          Priority
	// Abstract size charged against the store size limit.
	Size int64
}

// Deadline returns the absolute expiration of an entry set at now.
// The zero time means the entry has no absolute expiration.
func (o EntryOptions) Deadline(now time.Time) time.Time {
	if !o.AbsoluteExpiration.IsZero() {
		return o.AbsoluteExpiration
	}
	if o.AbsoluteExpirationRelativeToNow > 0 {
		return now.Add(o.AbsoluteExpirationRelativeToNow)
	}
	return time.Time{}
}

// expired reports whether an entry with the given deadline, sliding window
// and last access time is expired at now.
func expired(now, deadline time.Time, sliding time.Duration, accessed time.Time) bool {
	if !deadline.IsZero() && !now.Before(deadline) {
		return true
	}
	if sliding > 0 && !now.Before(accessed.Add(sliding)) {
		return true
	}
	return false
}
