// Package dedupe suppresses re-execution of job ids seen within a time window.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultWindow  = 5 * time.Minute
	DefaultMaxSize = 10000
)

var duplicateHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "screenlink_dedupe_hits_total",
	Help: "Job ids recognised as duplicates within the dedupe window.",
})

// Filter is the idempotency check shared by the in-process cache and the Redis filter.
type Filter interface {
	// Seen registers key on first sight and reports whether it was already registered.
	Seen(ctx context.Context, key string) (bool, error)
}

// Cache is a process-local dedupe window. Entries are purged lazily by the
// underlying expirable LRU; MaxSize bounds memory under bursts.
type Cache struct {
	mu     sync.Mutex
	window time.Duration
	lru    *expirable.LRU[string, time.Time]
	now    func() time.Time
}

func NewCache(window time.Duration, maxSize int) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		window: window,
		lru:    expirable.NewLRU[string, time.Time](maxSize, nil, window),
		now:    time.Now,
	}
}

// IsDuplicate registers jobID on first call and returns false; any call inside
// the window returns true without extending the entry's expiry.
func (c *Cache) IsDuplicate(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Get(jobID); ok {
		duplicateHitsTotal.Inc()
		return true
	}
	c.lru.Add(jobID, c.now())
	return false
}

// Seen implements Filter.
func (c *Cache) Seen(_ context.Context, key string) (bool, error) {
	return c.IsDuplicate(key), nil
}

// Register marks jobID as seen, restarting its window.
func (c *Cache) Register(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(jobID, c.now())
}

func (c *Cache) Remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(jobID)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Size counts live entries; expired ones awaiting purge are excluded.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lru.Keys())
}

// FirstSeen returns when jobID was registered, if it is still inside the window.
func (c *Cache) FirstSeen(jobID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(jobID)
}

func (c *Cache) Window() time.Duration {
	return c.window
}
