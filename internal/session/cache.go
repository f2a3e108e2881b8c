// Package session maps system-prompt digests to native CLI session ids.
// The cache is the only mutable shared state in the engine; all access goes
// through its synchronized methods, and concurrent first use of a key is
// collapsed to a single establishing invocation via singleflight.
package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	log "github.com/ccbridge/ccbridge/internal/logging"
	"github.com/ccbridge/ccbridge/internal/translator"
)

// record is one cached session. Owned exclusively by Cache.
type record struct {
	key        translator.SystemPromptKey
	sessionID  string
	createdAt  time.Time
	lastUsedAt time.Time
}

// Cache is a TTL- and capacity-bounded map from system-prompt keys to native
// session identifiers. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[translator.SystemPromptKey]*list.Element
	lru      *list.List // front = most recently used
	ttl      time.Duration
	capacity int

	group singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

// New returns a cache bounded by ttl and capacity. Both bounds are required;
// non-positive values fall back to safe minima rather than unbounded growth.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Cache{
		entries:  make(map[translator.SystemPromptKey]*list.Element),
		lru:      list.New(),
		ttl:      ttl,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
}

// Lookup returns the cached session id for key. Read-only: it does not bump
// recency.
func (c *Cache) Lookup(key translator.SystemPromptKey) (string, bool) {
	if key == translator.NoSessionKey {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	rec := el.Value.(*record)
	if time.Since(rec.lastUsedAt) > c.ttl {
		return "", false
	}
	return rec.sessionID, true
}

// EstablishOrReuse returns the session id for key, establishing it at most
// once across concurrent callers. On a hit the record's recency is bumped.
// On a miss every concurrent caller for the same key blocks on one execution
// of establish and shares its result; a failed establish inserts nothing, so
// the key stays eligible for retry.
func (c *Cache) EstablishOrReuse(ctx context.Context, key translator.SystemPromptKey, establish func() (string, error)) (string, error) {
	if id, ok := c.touch(key); ok {
		return id, nil
	}

	ch := c.group.DoChan(string(key), func() (any, error) {
		// Recheck under the flight: a previous flight may have inserted
		// between our miss and this execution.
		if id, ok := c.touch(key); ok {
			return id, nil
		}
		id, err := establish()
		if err != nil {
			return "", err
		}
		c.insert(key, id)
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// touch looks up key and bumps its recency on a fresh hit.
func (c *Cache) touch(key translator.SystemPromptKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	rec := el.Value.(*record)
	if time.Since(rec.lastUsedAt) > c.ttl {
		c.removeLocked(el)
		return "", false
	}
	rec.lastUsedAt = time.Now()
	c.lru.MoveToFront(el)
	return rec.sessionID, true
}

func (c *Cache) insert(key translator.SystemPromptKey, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if el, ok := c.entries[key]; ok {
		rec := el.Value.(*record)
		rec.sessionID = sessionID
		rec.lastUsedAt = now
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&record{key: key, sessionID: sessionID, createdAt: now, lastUsedAt: now})
	c.entries[key] = el
	for len(c.entries) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Remove drops the entry for key, if present. Used when a resume invocation
// reports the native session gone.
func (c *Cache) Remove(key translator.SystemPromptKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	rec := el.Value.(*record)
	delete(c.entries, rec.key)
	c.lru.Remove(el)
}

// Evict removes entries unused for longer than the TTL and enforces the
// capacity bound, oldest first.
func (c *Cache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		rec := el.Value.(*record)
		if time.Since(rec.lastUsedAt) > c.ttl {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	for len(c.entries) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		removed++
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweeper evicts expired entries on a fixed interval until Close.
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if n := c.Evict(); n > 0 {
					log.Debugf("session cache: evicted %d entries", n)
				}
			}
		}
	}()
}

// Close stops the background sweeper. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
