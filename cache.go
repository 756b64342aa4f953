package upstream

import (
	"container/list"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache is a thread-safe TTL + LRU store for upstream responses. It sits in
// front of read-style calls so identical requests within the TTL never reach
// the orchestrator at all.
//
// Reads and writes never fail: an expired entry read counts as a miss and is
// evicted lazily, and an insert at capacity evicts the entry with the oldest
// last-access time first. A background sweep additionally removes expired
// entries on a fixed period; call Stop to shut it down deterministically.
type Cache struct {
	mu      sync.RWMutex
	data    map[string]*list.Element
	lru     *list.List // front = most recently accessed
	config  *CacheConfig
	logger  *slog.Logger
	metrics *Metrics

	hits, misses, sets, deletes, evictions uint64
	bytes                                  int64

	stopOnce sync.Once
	stopChan chan struct{}
}

// cacheEntry is owned exclusively by the Cache and mutated only under its lock.
type cacheEntry struct {
	key          string
	value        any
	createdAt    time.Time
	ttl          time.Duration
	expiresAt    int64 // UnixNano, 0 = never
	accessCount  uint64
	lastAccessed time.Time
	size         int64
}

func (e *cacheEntry) expired(now int64) bool {
	return e.expiresAt > 0 && now > e.expiresAt
}

// CacheStats is a read-only snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	Size      int
	MaxSize   int

	// EstimatedBytes is a rough payload-size estimate, reported for
	// observability only; it never drives eviction.
	EstimatedBytes int64

	// HitRate is Hits / (Hits + Misses), 0 when there were no reads.
	HitRate float64
}

// NewCache creates a cache and starts its background sweep when a sweep
// interval is configured.
//
// Example:
//
//	cache := upstream.NewCache(
//	    upstream.WithMaxEntries(500),
//	    upstream.WithDefaultTTL(5*time.Minute),
//	)
//	defer cache.Stop()
func NewCache(opts ...CacheOption) *Cache {
	config := DefaultCacheConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Cache{
		data:     make(map[string]*list.Element),
		lru:      list.New(),
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
		stopChan: make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		go c.sweepLoop(config.SweepInterval)
	}

	return c
}

// Set inserts or updates a key. A ttl of 0 uses the configured default; a
// negative ttl stores the entry without expiry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	now := time.Now()
	size := estimateSize(key, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets++

	if elem, found := c.data[key]; found {
		entry := elem.Value.(*cacheEntry)
		c.bytes += size - entry.size
		entry.value = value
		entry.ttl = ttl
		entry.expiresAt = expiry(now, ttl)
		entry.lastAccessed = now
		entry.size = size
		c.lru.MoveToFront(elem)
		return
	}

	if c.config.MaxEntries > 0 && c.lru.Len() >= c.config.MaxEntries {
		c.evictOldestLocked()
	}

	entry := &cacheEntry{
		key:          key,
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		expiresAt:    expiry(now, ttl),
		lastAccessed: now,
		size:         size,
	}
	c.data[key] = c.lru.PushFront(entry)
	c.bytes += size
}

// Get retrieves a value. An expired entry counts as a miss and is removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.data[key]
	if !found {
		c.misses++
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(time.Now().UnixNano()) {
		c.removeElementLocked(elem)
		c.misses++
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil, false
	}

	entry.accessCount++
	entry.lastAccessed = time.Now()
	c.lru.MoveToFront(elem)
	c.hits++
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return entry.value, true
}

// Delete removes a key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.data[key]
	if !found {
		return false
	}
	c.removeElementLocked(elem)
	c.deletes++
	return true
}

// Clear removes all entries. Counters other than size survive.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*list.Element)
	c.lru = list.New()
	c.bytes = 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{
		Hits:           c.hits,
		Misses:         c.misses,
		Sets:           c.sets,
		Deletes:        c.deletes,
		Evictions:      c.evictions,
		Size:           c.lru.Len(),
		MaxSize:        c.config.MaxEntries,
		EstimatedBytes: c.bytes,
	}
	if reads := stats.Hits + stats.Misses; reads > 0 {
		stats.HitRate = float64(stats.Hits) / float64(reads)
	}
	return stats
}

// Stop shuts down the background sweep. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}

// sweep proactively removes every expired entry, independent of access.
func (c *Cache) sweep() {
	now := time.Now().UnixNano()
	removed := 0

	c.mu.Lock()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*cacheEntry).expired(now) {
			c.removeElementLocked(elem)
			removed++
		}
		elem = prev
	}
	remaining := c.lru.Len()
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries",
			"removed", removed,
			"remaining", remaining)
	}
}

// evictOldestLocked drops the entry with the oldest last-access time, which
// is the back of the LRU list. Caller holds mu.
func (c *Cache) evictOldestLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.removeElementLocked(elem)
	c.evictions++
	if c.metrics != nil {
		c.metrics.CacheEvictions.Inc()
	}
	c.logger.Debug("cache evicted least recently used entry",
		"key", entry.key,
		"last_accessed", entry.lastAccessed)
}

func (c *Cache) removeElementLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.data, entry.key)
	c.bytes -= entry.size
}

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// estimateSize roughly sizes a payload for stats reporting.
func estimateSize(key string, value any) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(key) + len(v))
	case []byte:
		return int64(len(key) + len(v))
	default:
		return int64(len(key) + len(fmt.Sprint(v)))
	}
}

// CacheKey builds a deterministic key from a logical endpoint and its
// parameters. Parameters are sorted by name, so semantically identical
// requests collide on one key regardless of argument order.
func CacheKey(endpoint string, params map[string]any) string {
	if len(params) == 0 {
		return endpoint
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", params[name])
	}
	return b.String()
}
