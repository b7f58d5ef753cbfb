package pubsub

import (
	"sync"
	"time"
)

// messageCache is a TTL-bounded seen-message set, in the style of the
// reference implementation's github.com/whyrusleeping/timecache: entries
// expire a fixed duration after they're added, swept by a background
// goroutine rather than checked lazily on every lookup.
type messageCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time

	done chan struct{}
}

func newMessageCache(ttl time.Duration) *messageCache {
	c := &messageCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Add records id as seen. Returns true if id was not already present.
func (c *messageCache) Add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return false
	}
	c.entries[id] = time.Now().Add(c.ttl)
	return true
}

// Has reports whether id is currently in the cache.
func (c *messageCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *messageCache) sweepLoop() {
	t := time.NewTicker(c.ttl / 2)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			c.sweep(now)
		case <-c.done:
			return
		}
	}
}

func (c *messageCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, id)
		}
	}
}

func (c *messageCache) Close() { close(c.done) }
