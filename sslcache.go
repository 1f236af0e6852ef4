package wsdb

import (
	"container/list"
	"crypto/tls"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ContextCache maps a server-config fingerprint to a prebuilt TLS
// config so repeated connections skip certificate parsing. Entries
// expire after a fixed TTL and the cache is capacity-bounded with LRU
// eviction. Concurrent misses for the same fingerprint collapse into a
// single build.
type ContextCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List //front = most recently used
	maxSize int
	ttl     time.Duration
	group   singleflight.Group
	build   func(*ServerConfig) (*tls.Config, error)
	stats   CacheStats
}

type cacheEntry struct {
	key       string
	cfg       *tls.Config
	expiresAt time.Time
	elem      *list.Element
}

type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

// NewContextCache builds a cache with the given capacity and TTL.
// Non-positive values fall back to the defaults.
func NewContextCache(maxSize int, ttl time.Duration) *ContextCache {
	if maxSize <= 0 {
		maxSize = DEFAULT_SSL_CACHE_SIZE
	}
	if ttl <= 0 {
		ttl = DEFAULT_SSL_CACHE_TTL
	}
	return &ContextCache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		build:   buildTLSConfig,
	}
}

// Get returns the cached TLS config for server, building and storing it
// on a miss. Build failures are returned and never cached, so the next
// call retries.
func (cc *ContextCache) Get(server *ServerConfig) (*tls.Config, error) {
	key := server.Fingerprint()

	if cfg := cc.lookup(key, true); cfg != nil {
		metricCacheHits.Inc()
		return cfg, nil
	}
	metricCacheMisses.Inc()

	v, err, _ := cc.group.Do(key, func() (interface{}, error) {
		//losers of the race land here after the winner stored the
		//entry, so re-check before building; the outer lookup already
		//accounted for this get
		if cfg := cc.lookup(key, false); cfg != nil {
			return cfg, nil
		}

		cfg, err := cc.build(server)
		if err != nil {
			return nil, err
		}
		cc.store(key, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Config), nil
}

// lookup returns the live entry for key, expiring it lazily. record
// controls hit/miss accounting so one Get counts at most once.
func (cc *ContextCache) lookup(key string, record bool) *tls.Config {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	e, present := cc.entries[key]
	if !present {
		if record {
			cc.stats.Misses++
		}
		return nil
	}

	if time.Now().After(e.expiresAt) {
		cc.removeLocked(e)
		cc.stats.Expirations++
		if record {
			cc.stats.Misses++
		}
		return nil
	}

	cc.lru.MoveToFront(e.elem)
	if record {
		cc.stats.Hits++
	}
	return e.cfg
}

func (cc *ContextCache) store(key string, cfg *tls.Config) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if e, present := cc.entries[key]; present {
		e.cfg = cfg
		e.expiresAt = time.Now().Add(cc.ttl)
		cc.lru.MoveToFront(e.elem)
		return
	}

	if len(cc.entries) >= cc.maxSize {
		oldest := cc.lru.Back()
		if oldest != nil {
			cc.removeLocked(oldest.Value.(*cacheEntry))
			cc.stats.Evictions++
		}
	}

	e := &cacheEntry{key: key, cfg: cfg, expiresAt: time.Now().Add(cc.ttl)}
	e.elem = cc.lru.PushFront(e)
	cc.entries[key] = e
}

func (cc *ContextCache) removeLocked(e *cacheEntry) {
	cc.lru.Remove(e.elem)
	delete(cc.entries, e.key)
}

// CleanupExpired drops expired entries and reports how many were
// removed. The pool's reaper calls this periodically; lookups also
// expire lazily.
func (cc *ContextCache) CleanupExpired() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, e := range cc.entries {
		if now.After(e.expiresAt) {
			cc.removeLocked(e)
			cc.stats.Expirations++
			removed++
		}
	}
	return removed
}

// Clear empties the cache and resets the counters.
func (cc *ContextCache) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.entries = make(map[string]*cacheEntry)
	cc.lru.Init()
	cc.stats = CacheStats{}
}

func (cc *ContextCache) Stats() CacheStats {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	s := cc.stats
	s.Size = len(cc.entries)
	return s
}
