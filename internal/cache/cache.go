package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// DefaultTTL is how long an unreferenced entry survives without a touch.
const DefaultTTL = 60 * time.Second

// Reader loads one scope document of one entity. A nil document with a nil
// error means the entity has no data in that scope yet.
type Reader interface {
	ReadData(ctx context.Context, scope, id string) (json.RawMessage, error)
}

// Stats counts cache activity. Counters are updated atomically.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Loads     uint64 `json:"loads"`
	Evictions uint64 `json:"evictions"`
}

type counters struct {
	hits, misses, loads, evictions uint64
}

type entry struct {
	dao       *Dao
	lastTouch time.Time
}

// Cache maps entity ids to Daos.
type Cache struct {
	reader Reader
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stats   counters
}

// New returns an empty cache reading through r.
func New(r Reader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		reader:  r,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Get returns the Dao of id, creating an empty one on first access, and
// refreshes its last-touch time.
func (c *Cache) Get(id string) *Dao {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		atomic.AddUint64(&c.stats.hits, 1)
		e.lastTouch = c.now()
		return e.dao
	}

	atomic.AddUint64(&c.stats.misses, 1)
	dao := &Dao{id: id, reader: c.reader, stats: &c.stats, docs: make(map[string]json.RawMessage)}
	c.entries[id] = &entry{dao: dao, lastTouch: c.now()}
	return dao
}

// Peek returns the Dao of id without creating or touching it.
func (c *Cache) Peek(id string) (*Dao, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.dao, true
}

// Sweep evicts every entry idle for longer than the TTL whose entity has no
// referencing session according to references. It returns the number of
// evicted entries.
func (c *Cache) Sweep(references func(id string) int) int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, e := range c.entries {
		if now.Sub(e.lastTouch) <= c.ttl {
			continue
		}
		if references != nil && references(id) > 0 {
			continue
		}
		delete(c.entries, id)
		evicted++
	}
	if evicted > 0 {
		atomic.AddUint64(&c.stats.evictions, uint64(evicted))
		glog.V(1).Infof("[cache] evicted %d entries, %d left", evicted, len(c.entries))
	}
	return evicted
}

// IDs returns the cached entity ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      atomic.LoadUint64(&c.stats.hits),
		Misses:    atomic.LoadUint64(&c.stats.misses),
		Loads:     atomic.LoadUint64(&c.stats.loads),
		Evictions: atomic.LoadUint64(&c.stats.evictions),
	}
}
