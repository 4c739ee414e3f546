package threatintel

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/metrics"
)

// Verdict is one provider's answer for one indicator.
type Verdict struct {
	Indicator string    `json:"indicator"`
	Source    string    `json:"source"`
	Malicious bool      `json:"malicious"`
	Score     int       `json:"score"`
	Tags      []string  `json:"tags,omitempty"`
	QueriedAt time.Time `json:"queried_at"`
	FromCache bool      `json:"from_cache"`
}

// CacheStats is a point-in-time snapshot of cache behavior.
type CacheStats struct {
	Entries        int       `json:"entries"`
	Hits           int64     `json:"hits"`
	Misses         int64     `json:"misses"`
	ExpiredEntries int64     `json:"expired_entries"`
	Evictions      int64     `json:"evictions"`
	LastSweep      time.Time `json:"last_sweep"`
}

const sweepInterval = 15 * time.Minute

// Cache is a TTL cache over threat-intel lookups keyed by (indicator,
// source). Indicators compare case-insensitively. Expired entries are
// removed on access; a maintenance sweep runs at most every 15 minutes,
// evicting expired entries first and then the oldest entries by query time
// until the size cap holds.
type Cache struct {
	mu         sync.RWMutex
	entries    map[cacheKey]*cacheEntry
	defaultTTL time.Duration
	maxSize    int

	sweepMu   sync.Mutex
	lastSweep time.Time

	hits    int64
	misses  int64
	expired int64
	evicted int64

	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
}

type cacheKey struct {
	indicator string
	source    string
}

type cacheEntry struct {
	verdict   Verdict
	expiresAt time.Time
}

func NewCache(defaultTTL time.Duration, maxSize int, reg *metrics.Registry, logger *zap.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		entries:    make(map[cacheKey]*cacheEntry),
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		metrics:    reg,
		logger:     logger,
		now:        time.Now,
	}
	c.lastSweep = c.now()
	return c
}

func keyFor(indicator, source string) cacheKey {
	return cacheKey{indicator: strings.ToUpper(indicator), source: source}
}

// Get returns the cached verdict marked from_cache, or a miss. An expired
// entry is removed and observed as a miss.
func (c *Cache) Get(indicator, source string) (*Verdict, bool) {
	key := keyFor(indicator, source)
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !entry.expiresAt.After(now) {
		delete(c.entries, key)
		c.expired++
		ok = false
		if c.metrics != nil {
			c.metrics.IntelCacheExpired.Add(context.Background(), 1)
		}
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.countMiss()
		return nil, false
	}
	c.hits++
	v := entry.verdict
	c.mu.Unlock()

	c.countHit()
	v.FromCache = true
	return &v, true
}

// Set stores a verdict with the given TTL (default TTL when zero), then
// runs maintenance if the sweep interval has elapsed.
func (c *Cache) Set(v *Verdict, ttl time.Duration) {
	if v == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	stored := *v
	stored.FromCache = false
	if stored.QueriedAt.IsZero() {
		stored.QueriedAt = now
	}

	key := keyFor(v.Indicator, v.Source)
	c.mu.Lock()
	c.entries[key] = &cacheEntry{verdict: stored, expiresAt: now.Add(ttl)}
	c.mu.Unlock()

	c.maybeSweep(now)
}

// Remove drops an indicator. With sources it drops only those; without, it
// drops the indicator across every source.
func (c *Cache) Remove(indicator string, sources ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(sources) > 0 {
		for _, src := range sources {
			delete(c.entries, keyFor(indicator, src))
		}
		return
	}
	upper := strings.ToUpper(indicator)
	for key := range c.entries {
		if key.indicator == upper {
			delete(c.entries, key)
		}
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
}

// Len reports the current entry count including not-yet-swept expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats snapshots cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.sweepMu.Lock()
	last := c.lastSweep
	c.sweepMu.Unlock()

	return CacheStats{
		Entries:        len(c.entries),
		Hits:           c.hits,
		Misses:         c.misses,
		ExpiredEntries: c.expired,
		Evictions:      c.evicted,
		LastSweep:      last,
	}
}

// maybeSweep enters the maintenance critical section at most once per sweep
// interval; the interval is re-checked under the lock.
func (c *Cache) maybeSweep(now time.Time) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.lastSweep = now
	c.sweep(now)
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
			c.expired++
		}
	}

	over := len(c.entries) - c.maxSize
	if over <= 0 {
		return
	}

	type aged struct {
		key       cacheKey
		queriedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key: key, queriedAt: entry.verdict.QueriedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].queriedAt.Before(all[j].queriedAt) })

	for i := 0; i < over; i++ {
		delete(c.entries, all[i].key)
		c.evicted++
	}

	if c.logger != nil {
		c.logger.Debug("threat intel cache sweep",
			zap.Int("entries", len(c.entries)),
			zap.Int("evicted", over))
	}
}

func (c *Cache) countHit() {
	if c.metrics != nil {
		c.metrics.IntelCacheHits.Add(context.Background(), 1)
	}
}

func (c *Cache) countMiss() {
	if c.metrics != nil {
		c.metrics.IntelCacheMisses.Add(context.Background(), 1)
	}
}
