// Package rescache is a keyed store of shared resources with reference
// counting and idle-time eviction. It knows nothing about what a resource is.
package rescache

import (
	"sync"
	"time"

	"github.com/danmuck/scenecast/internal/observability"
	"github.com/rs/zerolog/log"
)

// Teardown releases whatever an evicted value holds outside the cache.
// It runs with the cache mutex held and must not call back into the cache.
type Teardown[K comparable, T any] func(id K, v T)

type Options[K comparable, T any] struct {
	// LifetimeFactor scales every entry lifetime; zero means 1.
	LifetimeFactor float64
	Teardown       Teardown[K, T]
}

type entry[T any] struct {
	ref      *Ref[T]
	lifetime time.Duration
	idle     time.Duration
}

// Cache is safe for concurrent use. Update must not be called concurrently
// with itself; it serialises with Get and Add through the same mutex.
type Cache[K comparable, T any] struct {
	name     string
	factor   float64
	teardown Teardown[K, T]

	mu      sync.Mutex
	entries map[K]*entry[T]

	version    uint64
	idsVersion uint64
	ids        []K

	nextUID uint64
	uidMap  map[uint64]uint64
}

func New[K comparable, T any](name string, opts Options[K, T]) *Cache[K, T] {
	factor := opts.LifetimeFactor
	if factor <= 0 {
		factor = 1
	}
	return &Cache[K, T]{
		name:       name,
		factor:     factor,
		teardown:   opts.Teardown,
		entries:    make(map[K]*entry[T]),
		version:    1,
		idsVersion: 0,
		uidMap:     make(map[uint64]uint64),
	}
}

func (c *Cache[K, T]) Name() string { return c.name }

// SetLifetimeFactor changes the scale applied at the next Update.
func (c *Cache[K, T]) SetLifetimeFactor(f float64) {
	if f <= 0 {
		f = 1
	}
	c.mu.Lock()
	c.factor = f
	c.mu.Unlock()
}

// Add stores v under id. An existing entry is torn down and replaced.
func (c *Cache[K, T]) Add(id K, v T, lifetime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[id]; ok {
		log.Warn().Str("cache", c.name).Interface("id", id).Msg("rescache.Cache.Add replacing entry")
		c.dropLocked(id, old)
	}
	c.entries[id] = &entry[T]{ref: newRef(v), lifetime: lifetime}
	c.changedLocked()
}

// Get returns a retained handle and resets the idle clock. The caller
// must Release the handle when done.
func (c *Cache[K, T]) Get(id K) (*Ref[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.idle = 0
	return e.ref.Retain(), true
}

// Peek returns the value without retaining it or touching its idle clock.
func (c *Cache[K, T]) Peek(id K) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.ref.Value(), true
}

// Current reports whether ref is a handle on the entry now stored under id.
// A handle taken before Add replaced the entry is not current.
func (c *Cache[K, T]) Current(id K, ref *Ref[T]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.ref == ref
}

func (c *Cache[K, T]) Has(id K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Cache[K, T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Remove evicts id immediately regardless of its reference count.
func (c *Cache[K, T]) Remove(id K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	delete(c.entries, id)
	c.dropLocked(id, e)
	c.changedLocked()
	return true
}

// AllIDs returns every resident id. The slice is rebuilt only after the
// set of ids changed and is shared between callers: do not modify it.
func (c *Cache[K, T]) AllIDs() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idsVersion != c.version {
		ids := make([]K, 0, len(c.entries))
		for id := range c.entries {
			ids = append(ids, id)
		}
		c.ids = ids
		c.idsVersion = c.version
	}
	return c.ids
}

// Update advances idle clocks by dt and evicts entries that only the cache
// references once their idle time reaches lifetime*factor. It returns the
// evicted ids.
func (c *Cache[K, T]) Update(dt time.Duration) []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []K
	for id, e := range c.entries {
		if e.ref.Count() > 1 {
			e.idle = 0
			continue
		}
		e.idle += dt
		if float64(e.idle) < float64(e.lifetime)*c.factor {
			continue
		}
		delete(c.entries, id)
		c.dropLocked(id, e)
		observability.RecordCacheEviction(c.name)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		c.changedLocked()
		log.Debug().Str("cache", c.name).Int("evicted", len(evicted)).Msg("rescache.Cache.Update")
	}
	return evicted
}

func (c *Cache[K, T]) Clear() {
	c.ClearAllBut(nil)
}

// ClearAllBut evicts every entry whose id is not in keep.
func (c *Cache[K, T]) ClearAllBut(keep []K) {
	skip := make(map[K]struct{}, len(keep))
	for _, id := range keep {
		skip[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if _, ok := skip[id]; ok {
			continue
		}
		delete(c.entries, id)
		c.dropLocked(id, e)
		removed++
	}
	if removed > 0 {
		c.changedLocked()
	}
}

// GenerateUID allocates a fresh local id for an external key. Calling it
// again for the same key allocates another id and the newest mapping wins.
func (c *Cache[K, T]) GenerateUID(from uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextUID++
	c.uidMap[from] = c.nextUID
	return c.nextUID
}

// CorrespondingUID returns the most recent local id generated for from.
func (c *Cache[K, T]) CorrespondingUID(from uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.uidMap[from]
	return uid, ok
}

func (c *Cache[K, T]) dropLocked(id K, e *entry[T]) {
	if c.teardown != nil {
		c.teardown(id, e.ref.Value())
	}
	e.ref.Release()
}

func (c *Cache[K, T]) changedLocked() {
	c.version++
	observability.SetCacheEntries(c.name, len(c.entries))
}
