// Package cache provides a size- and time-bounded key/value store with a
// background cleanup loop, plus a per-key lock registry built on top of it.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultEntrySize = 128 // bytes, rough per-entry overhead when no SizeFunc is given

// EvictReason tells an OnEvict hook why an entry left the cache
type EvictReason string

const (
	EvictExpired  EvictReason = "expired"
	EvictCapacity EvictReason = "capacity"
	EvictMemory   EvictReason = "memory"
)

// Options configures a BoundedCache
type Options[K comparable, V any] struct {
	Name              string        // used in logs and metric labels
	MaxSize           int           // hard cap on entries
	TTL               time.Duration // entries older than this are removed
	CleanupInterval   time.Duration // background sweep period
	MemoryThresholdMB float64       // 0 disables memory-based eviction

	// SizeFunc estimates the memory held by one entry. Optional.
	SizeFunc func(K, V) int
	// OnEvict is called outside the cache lock for every expired or evicted entry. Optional.
	OnEvict func(K, V, EvictReason)

	Logger *zap.Logger
	Now    func() time.Time // test hook
}

// Stats is a point-in-time view of a cache
type Stats struct {
	Name        string `json:"name"`
	Size        int    `json:"size"`
	MaxSize     int    `json:"max_size"`
	MemoryBytes int64  `json:"memory_bytes"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	Evictions   int64  `json:"evictions"`
	Expirations int64  `json:"expirations"`
}

// MemoryMB returns the estimated memory in megabytes
func (s Stats) MemoryMB() float64 {
	return float64(s.MemoryBytes) / (1024 * 1024)
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	size       int
}

// BoundedCache maps keys to values with a maximum entry count and a TTL per entry.
// The insertion-order list doubles as the insertion-time index, so the oldest entry
// is always at the front.
type BoundedCache[K comparable, V any] struct {
	opts Options[K, V]
	log  *zap.Logger

	mu       sync.Mutex
	items    map[K]*list.Element
	order    *list.List // front = oldest insertion
	memBytes int64
	stats    Stats

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type evicted[K comparable, V any] struct {
	key    K
	value  V
	reason EvictReason
}

// New creates a cache. MaxSize and TTL must be positive; zero values fall back to
// 1000 entries and one hour.
func New[K comparable, V any](opts Options[K, V]) *BoundedCache[K, V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = "cache"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BoundedCache[K, V]{
		opts:   opts,
		log:    logger.Named("cache").With(zap.String("cache", opts.Name)),
		items:  make(map[K]*list.Element),
		order:  list.New(),
		stats:  Stats{Name: opts.Name, MaxSize: opts.MaxSize},
		stopCh: make(chan struct{}),
	}
}

// Set inserts or refreshes key. A refreshed entry gets a new insertion time.
// When the cache is full, expired entries go first, then the single oldest entry.
func (c *BoundedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	var out []evicted[K, V]
	now := c.opts.Now()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if len(c.items) >= c.opts.MaxSize {
		out = c.expireLocked(now, out)
	}
	for len(c.items) >= c.opts.MaxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(*entry[K, V])
		c.removeElement(front)
		c.stats.Evictions++
		out = append(out, evicted[K, V]{key: e.key, value: e.value, reason: EvictCapacity})
	}

	e := &entry[K, V]{key: key, value: value, insertedAt: now, size: c.sizeOf(key, value)}
	c.items[key] = c.order.PushBack(e)
	c.memBytes += int64(e.size)
	c.publishLocked()
	c.mu.Unlock()

	c.notify(out)
}

// Get returns the value for key. Expired entries are treated as absent and removed.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e, c.opts.Now()) {
		c.removeElement(el)
		c.stats.Expirations++
		c.stats.Misses++
		c.publishLocked()
		c.mu.Unlock()
		c.notify([]evicted[K, V]{{key: e.key, value: e.value, reason: EvictExpired}})
		return zero, false
	}
	c.stats.Hits++
	c.mu.Unlock()
	return e.value, true
}

// ErrFull is returned by GetOrSetKeeping when every entry is kept and the cache is at MaxSize
var ErrFull = errors.New("cache full")

// GetOrSet returns the live value for key, or stores and returns create() when the
// key is missing or expired. loaded is true when an existing value was returned.
func (c *BoundedCache[K, V]) GetOrSet(key K, create func() V) (value V, loaded bool) {
	value, loaded, _ = c.GetOrSetKeeping(key, create, nil)
	return value, loaded
}

// GetOrSetKeeping is GetOrSet where capacity eviction skips every entry for which
// keep reports true. When nothing can be evicted it stores nothing and returns ErrFull.
// keep runs under the cache lock and must not call back into the cache.
func (c *BoundedCache[K, V]) GetOrSetKeeping(key K, create func() V, keep func(V) bool) (value V, loaded bool, err error) {
	c.mu.Lock()
	now := c.opts.Now()
	var out []evicted[K, V]

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if !c.expired(e, now) {
			c.stats.Hits++
			c.mu.Unlock()
			return e.value, true, nil
		}
		c.removeElement(el)
		c.stats.Expirations++
		out = append(out, evicted[K, V]{key: e.key, value: e.value, reason: EvictExpired})
	}
	c.stats.Misses++

	if len(c.items) >= c.opts.MaxSize {
		out = c.expireLocked(now, out)
	}
	el := c.order.Front()
	for len(c.items) >= c.opts.MaxSize && el != nil {
		next := el.Next()
		old := el.Value.(*entry[K, V])
		if keep == nil || !keep(old.value) {
			c.removeElement(el)
			c.stats.Evictions++
			out = append(out, evicted[K, V]{key: old.key, value: old.value, reason: EvictCapacity})
		}
		el = next
	}
	if len(c.items) >= c.opts.MaxSize {
		c.publishLocked()
		c.mu.Unlock()
		c.notify(out)
		var zero V
		return zero, false, ErrFull
	}

	value = create()
	e := &entry[K, V]{key: key, value: value, insertedAt: now, size: c.sizeOf(key, value)}
	c.items[key] = c.order.PushBack(e)
	c.memBytes += int64(e.size)
	c.publishLocked()
	c.mu.Unlock()

	c.notify(out)
	return value, false, nil
}

// Delete removes key and reports whether it was present
func (c *BoundedCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	c.publishLocked()
	return true
}

// CompareAndDelete removes key only if match reports true for its current value
func (c *BoundedCache[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok || !match(el.Value.(*entry[K, V]).value) {
		return false
	}
	c.removeElement(el)
	c.publishLocked()
	return true
}

// Len returns the number of stored entries, including ones not yet swept
func (c *BoundedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot copies all live entries
func (c *BoundedCache[K, V]) Snapshot() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	out := make(map[K]V, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if !c.expired(e, now) {
			out[e.key] = e.value
		}
	}
	return out
}

// Stats returns size, memory estimate and counters
func (c *BoundedCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	s.MemoryBytes = c.memBytes
	return s
}

// CleanupExpired removes every entry older than the TTL. If the memory estimate is
// still above the threshold afterwards, oldest entries are evicted until it is not.
// Returns the number of entries removed.
func (c *BoundedCache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	out := c.expireLocked(c.opts.Now(), nil)

	if c.opts.MemoryThresholdMB > 0 {
		limit := int64(c.opts.MemoryThresholdMB * 1024 * 1024)
		for c.memBytes > limit {
			front := c.order.Front()
			if front == nil {
				break
			}
			e := front.Value.(*entry[K, V])
			c.removeElement(front)
			c.stats.Evictions++
			out = append(out, evicted[K, V]{key: e.key, value: e.value, reason: EvictMemory})
		}
	}
	c.publishLocked()
	c.mu.Unlock()

	c.notify(out)
	return len(out)
}

// Start launches the background cleanup loop. It stops when ctx is done or Stop is called.
func (c *BoundedCache[K, V]) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.cleanupLoop(ctx)
		c.log.Debug("cleanup loop started",
			zap.Duration("interval", c.opts.CleanupInterval),
			zap.Duration("ttl", c.opts.TTL),
			zap.Int("max_size", c.opts.MaxSize))
	})
}

// Stop halts the cleanup loop and waits for it. Safe to call more than once.
func (c *BoundedCache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *BoundedCache[K, V]) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.CleanupExpired(); n > 0 {
				stats := c.Stats()
				c.log.Debug("cleanup pass",
					zap.Int("removed", n),
					zap.Int("size", stats.Size),
					zap.Float64("memory_mb", stats.MemoryMB()))
			}
		}
	}
}

// expireLocked drops expired entries, oldest first
func (c *BoundedCache[K, V]) expireLocked(now time.Time, out []evicted[K, V]) []evicted[K, V] {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if c.expired(e, now) {
			c.removeElement(el)
			c.stats.Expirations++
			out = append(out, evicted[K, V]{key: e.key, value: e.value, reason: EvictExpired})
		}
		el = next
	}
	return out
}

func (c *BoundedCache[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.opts.TTL
}

func (c *BoundedCache[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
	c.memBytes -= int64(e.size)
}

func (c *BoundedCache[K, V]) sizeOf(key K, value V) int {
	if c.opts.SizeFunc != nil {
		if n := c.opts.SizeFunc(key, value); n > 0 {
			return n
		}
	}
	return defaultEntrySize
}

func (c *BoundedCache[K, V]) publishLocked() {
	cacheSize.WithLabelValues(c.opts.Name).Set(float64(len(c.items)))
	cacheMemory.WithLabelValues(c.opts.Name).Set(float64(c.memBytes))
}

func (c *BoundedCache[K, V]) notify(out []evicted[K, V]) {
	for _, ev := range out {
		cacheEvictions.WithLabelValues(c.opts.Name, string(ev.reason)).Inc()
		if c.opts.OnEvict != nil {
			c.opts.OnEvict(ev.key, ev.value, ev.reason)
		}
	}
}
