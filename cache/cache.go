package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quiz-progression-system/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCapacity = 1000
	DefaultTTL      = 5 * time.Minute
	warmConcurrency = 4
)

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

// WarmTask primes one key.
type WarmTask struct {
	Key      string
	Producer Producer
	TTL      time.Duration
}

// WarmResult summarizes a Warm call.
type WarmResult struct {
	Warmed int `json:"warmed"`
	Failed int `json:"failed"`
}

type Options struct {
	Capacity   int
	DefaultTTL time.Duration
	Now        func() time.Time
	Logger     *logger.Logger
}

type entry struct {
	key        string
	value      any
	insertedAt time.Time
	expiresAt  time.Time
}

// Cache is a bounded TTL store. When full, the oldest-inserted entry is evicted; reads do not
// change eviction order. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = oldest insert
	capacity int
	ttl      time.Duration
	now      func() time.Time
	log      *logger.Logger
	flight   singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Cache{
		items:    make(map[string]*list.Element, opts.Capacity),
		order:    list.New(),
		capacity: opts.Capacity,
		ttl:      opts.DefaultTTL,
		now:      opts.Now,
		log:      opts.Logger.With("service", "Cache"),
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (any, bool) {
	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(el)
		c.expirations.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses the default TTL. Overwriting a key counts as a fresh
// insert for eviction order.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets.Add(1)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.insertedAt = now
		e.expiresAt = now.Add(ttl)
		c.order.MoveToBack(el)
		return
	}

	if len(c.items) >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			evicted := oldest.Value.(*entry).key
			c.removeLocked(oldest)
			c.evictions.Add(1)
			c.log.Debug("cache eviction", "key", evicted)
		}
	}

	el := c.order.PushBack(&entry{key: key, value: value, insertedAt: now, expiresAt: now.Add(ttl)})
	c.items[key] = el
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// InvalidatePrefix removes every key starting with prefix and returns how many were removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// GetWithRefresh returns the cached value or calls producer, caches and returns its result.
// Concurrent misses on the same key share one producer call. A failing producer is logged and
// reported as a miss.
func (c *Cache) GetWithRefresh(ctx context.Context, key string, producer Producer, ttl time.Duration) (any, bool) {
	if v, ok := c.Get(key); ok {
		return v, true
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		fresh, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, fresh, ttl)
		return fresh, nil
	})
	if err != nil {
		c.log.Warn("cache producer failed", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

// MGet returns the present, unexpired subset of keys.
func (c *Cache) MGet(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if v, ok := c.getLocked(key); ok {
			out[key] = v
		}
	}
	return out
}

// Warm runs every task's producer and caches the results. Failed tasks are logged and skipped.
func (c *Cache) Warm(ctx context.Context, tasks []WarmTask) WarmResult {
	var warmed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(warmConcurrency)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if task.Producer == nil {
				failed.Add(1)
				return nil
			}
			v, err := task.Producer(ctx)
			if err != nil {
				failed.Add(1)
				c.log.Warn("cache warm task failed", "key", task.Key, "error", err)
				return nil
			}
			c.Set(task.Key, v, task.TTL)
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := WarmResult{Warmed: int(warmed.Load()), Failed: int(failed.Load())}
	c.log.Debug("cache warm finished", "warmed", res.Warmed, "failed", res.Failed)
	return res
}

// PurgeExpired drops every expired entry.
func (c *Cache) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			purged++
		}
		el = next
	}
	c.expirations.Add(int64(purged))
	return purged
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats is the admin view of the cache.
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Size:        c.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
}

// As type-asserts a cached value.
func As[T any](v any, ok bool) (T, bool) {
	var zero T
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
