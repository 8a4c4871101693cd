// Package policy holds the caching policies declared for handler groups and
// individual handlers, and resolves the one that applies to a handler.
package policy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericselin/routecache/cache"
)

// Policy describes whether and how responses of a handler are cached.
type Policy struct {
	// Cache responses at all. A declared policy is enabled unless it says otherwise.
	Enabled bool
	// Cache responses of PATCH, POST and PUT requests instead of treating them as invalidations.
	SafeRead bool
	// Entries expire at this point in time.
	ExpiresAt time.Time
	// Entries expire this long after being stored.
	ExpiresAfter time.Duration
	// Entries expire if not read for this long.
	SlidingExpiration time.Duration
	Priority          cache.Priority
	// Abstract size charged against the store size limit.
	Size int64
}

// EntryOptions returns the store options for entries written under this policy.
func (p Policy) EntryOptions() cache.EntryOptions {
	return cache.EntryOptions{
		AbsoluteExpiration:              p.ExpiresAt,
		AbsoluteExpirationRelativeToNow: p.ExpiresAfter,
		SlidingExpiration:               p.SlidingExpiration,
		Priority:                        p.Priority,
		Size:                            p.Size,
	}
}

type group struct {
	policy   *Policy
	handlers map[string]*Policy
}

// Table holds the declared policies, keyed by group and handler name.
type Table struct {
	mutex  sync.RWMutex
	groups map[string]*group
}

func NewTable() *Table {
	return &Table{groups: make(map[string]*group)}
}

// DeclareGroup sets the policy that applies to every handler of the group.
func (t *Table) DeclareGroup(name string, p Policy) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.group(name).policy = &p
}

// DeclareHandler sets the policy of a single handler, overriding its group policy.
func (t *Table) DeclareHandler(groupName, handler string, p Policy) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.group(groupName).handlers[handler] = &p
}

func (t *Table) group(name string) *group {
	g, ok := t.groups[name]
	if !ok {
		g = &group{handlers: make(map[string]*Policy)}
		t.groups[name] = g
	}
	return g
}

// Declared returns the policies declared on the group and on the handler, each nil if absent.
// The handler name is matched case-insensitively; when several declared names match,
// the lexically first one is used.
func (t *Table) Declared(groupName, handler string) (groupPolicy, handlerPolicy *Policy) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	g, ok := t.groups[groupName]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		if strings.EqualFold(name, handler) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return g.policy, nil
	}
	sort.Strings(names)
	return g.policy, g.handlers[names[0]]
}

// Resolve returns the policy for the handler: the handler's own policy if declared,
// otherwise the group policy. The boolean is false if neither is declared.
func (t *Table) Resolve(groupName, handler string) (Policy, bool) {
	groupPolicy, handlerPolicy := t.Declared(groupName, handler)
	switch {
	case handlerPolicy != nil:
		return *handlerPolicy, true
	case groupPolicy != nil:
		return *groupPolicy, true
	}
	return Policy{}, false
}
