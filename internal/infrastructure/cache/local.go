package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Local is the in-process L1: a TTL-bounded map with LRU eviction at a fixed
// capacity. Reads are concurrent; expired entries are kept until evicted so
// the fallback chain can still read the last good value.
type Local struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLocal creates an L1 cache holding at most capacity entries.
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 1
	}
	return &Local{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (l *Local) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*localEntry)
	if l.now().After(e.expiresAt) {
		return nil, false
	}
	l.order.MoveToFront(el)
	return e.value, true
}

// GetStale returns the value for key even when expired, reporting whether
// the entry was still fresh. Used only by fallback reads.
func (l *Local) GetStale(key string) (value []byte, fresh, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[key]
	if !ok {
		return nil, false, false
	}
	e := el.Value.(*localEntry)
	return e.value, !l.now().After(e.expiresAt), true
}

// Set stores value under key for ttl. A ttl of zero or less stores nothing.
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		e := el.Value.(*localEntry)
		e.value = value
		e.expiresAt = l.now().Add(ttl)
		l.order.MoveToFront(el)
		return
	}

	el := l.order.PushFront(&localEntry{
		key:       key,
		value:     value,
		expiresAt: l.now().Add(ttl),
	})
	l.entries[key] = el

	for len(l.entries) > l.capacity {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*localEntry).key)
	}
}

// Delete removes a single key.
func (l *Local) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		l.order.Remove(el)
		delete(l.entries, key)
	}
}

// PurgePrefix removes every key with the given prefix.
func (l *Local) PurgePrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int
	for key, el := range l.entries {
		if strings.HasPrefix(key, prefix) {
			l.order.Remove(el)
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of resident entries, expired included.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
